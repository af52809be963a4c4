package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/repository"
	"github.com/spf13/cobra"
)

func NewCmdProxyPorts() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List the TCP and UDP ports published by the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxyPorts(cmd)
		},
	}

	cmd.AddCommand(NewCmdProxyPortsSet())
	return cmd
}

func NewCmdProxyPortsSet() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [proto/port...]",
		Short: "Replace the TCP and UDP ports published by the proxy",
		Long: `Replace the set of TCP and UDP entrypoints of the proxy, e.g.

  depker proxy ports set tcp/5432 udp/53

The proxy is recreated when the set changes. Use --clear to remove every port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxyPortsSet(cmd, args)
		},
	}

	cmd.Flags().Bool("clear", false, "Remove every published port")
	return cmd
}

func runProxyPorts(cmd *cobra.Command) error {
	ports, err := app.GetProxy().Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return output.FprintPlain(cmd, "No ports published.")
	}

	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	return output.FprintPlain(cmd, "%s", output.FormatPorts(names))
}

func runProxyPortsSet(cmd *cobra.Command, args []string) error {
	clearAll, _ := cmd.Flags().GetBool("clear")
	if clearAll == (len(args) > 0) {
		return errors.New("pass either ports or --clear")
	}

	ports := make([]repository.ProxyPort, 0, len(args))
	for _, arg := range args {
		p, err := ParseProxyPort(arg)
		if err != nil {
			return err
		}
		ports = append(ports, p)
	}

	changed, err := app.GetProxy().SetPorts(cmd.Context(), ports)
	if err != nil {
		return err
	}
	if !changed {
		return output.FprintPlain(cmd, "Proxy ports unchanged")
	}
	return output.FprintSuccess(cmd, "Proxy ports updated, proxy recreated")
}

// ParseProxyPort parses "tcp/5432" style values. A bare number is a tcp port.
func ParseProxyPort(s string) (repository.ProxyPort, error) {
	proto, number, found := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "/")
	if !found {
		proto, number = "tcp", proto
	}
	if proto != "tcp" && proto != "udp" {
		return repository.ProxyPort{}, fmt.Errorf("unknown protocol '%s' in '%s': must be tcp or udp", proto, s)
	}
	port, err := strconv.Atoi(number)
	if err != nil || port < 1 || port > 65535 {
		return repository.ProxyPort{}, fmt.Errorf("invalid port in '%s': must be between 1 and 65535", s)
	}
	return repository.ProxyPort{Proto: proto, Port: port}, nil
}
