// Package proxy implements the commands managing the Traefik proxy container.
package proxy

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdProxy() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the Traefik proxy",
		Long: `Manage the Traefik container that routes traffic to services.

Routing changes are picked up by the proxy from container labels. The proxy container
is only recreated when its published ports or static configuration change.`,
	}

	cmd.AddCommand(NewCmdProxyStart())
	cmd.AddCommand(NewCmdProxyReload())
	cmd.AddCommand(NewCmdProxyPorts())
	return cmd
}

func NewCmdProxyStart() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the proxy when it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.GetProxy().Ensure(cmd.Context()); err != nil {
				return err
			}
			return output.FprintSuccess(cmd, "Proxy is running")
		},
	}
}

func NewCmdProxyReload() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Recreate the proxy from the current configuration",
		Long: `Recreate the proxy container. Use this after changing the ACME, dashboard or
environment settings of the proxy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.GetProxy().Reload(cmd.Context()); err != nil {
				return err
			}
			return output.FprintSuccess(cmd, "Proxy reloaded")
		},
	}
}
