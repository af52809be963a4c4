package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceCancel() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <name> [deploy-id]",
		Short: "Cancel a queued or running deploy",
		Long: `Mark a deploy as failed. A queued deploy never starts; a running deploy stops
at its next phase. Without a deploy id the most recent deploy is cancelled.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := resolveDeploy("cancel", args)
			if err != nil {
				return err
			}
			cancelled, err := app.GetOrchestrator().Cancel(cmd.Context(), d.ID)
			if err != nil {
				return err
			}
			return output.FprintSuccess(cmd, "Deploy %d of '%s' cancelled", cancelled.ID, cancelled.ServiceName)
		},
	}
}
