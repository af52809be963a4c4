package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceDown() *cobra.Command {
	return &cobra.Command{
		Use:   "down <name>",
		Short: "Stop and remove the containers of a service",
		Long: `Remove every container of the service. The stored configuration and deploy
history are kept, so the service can be brought back with 'service up'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.GetOrchestrator().Down(cmd.Context(), args[0]); err != nil {
				return err
			}
			return output.FprintSuccess(cmd, "Service '%s' is down", args[0])
		},
	}
}
