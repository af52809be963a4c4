package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceRestart() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart the live container of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.GetOrchestrator().Restart(cmd.Context(), args[0]); err != nil {
				return err
			}
			return output.FprintSuccess(cmd, "Service '%s' restarted", args[0])
		},
	}
}
