// Package service provides commands for managing Depker services.
package service

import "github.com/spf13/cobra"

func NewCmdService() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Manage services",
	}

	cmd.AddCommand(NewCmdServiceApply())
	cmd.AddCommand(NewCmdServiceList())
	cmd.AddCommand(NewCmdServiceShow())
	cmd.AddCommand(NewCmdServiceRemove())
	cmd.AddCommand(NewCmdServiceUp())
	cmd.AddCommand(NewCmdServiceDown())
	cmd.AddCommand(NewCmdServiceRestart())
	cmd.AddCommand(NewCmdServiceDeploys())
	cmd.AddCommand(NewCmdServiceLogs())
	cmd.AddCommand(NewCmdServiceCancel())
	return cmd
}
