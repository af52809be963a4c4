package service

import (
	"context"
	"fmt"
	"time"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/domain"
	"github.com/spf13/cobra"
)

// pollInterval is how often a waiting command reads new deploy log lines
var pollInterval = 500 * time.Millisecond

func NewCmdServiceUp() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up <name>",
		Short: "Deploy a service",
		Long: `Queue a deploy of the service and follow its log until it finishes.

Deploys of one service run one at a time in the order they were queued. The
command returns when the deploy finishes; interrupting it cancels the deploy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Flags().GetBool("quiet")
			return runDeploy(cmd, args[0], quiet)
		},
	}

	cmd.Flags().BoolP("quiet", "q", false, "Report only the outcome, not the deploy log")
	return cmd
}

func runDeploy(cmd *cobra.Command, name string, quiet bool) error {
	d, err := app.GetOrchestrator().Up(cmd.Context(), name, domain.TriggerManual)
	if err != nil {
		return err
	}
	if err := output.FprintPlain(cmd, "Deploy %d of '%s' queued (target %s)", d.ID, name, d.Target); err != nil {
		return err
	}

	final, err := waitForDeploy(cmd.Context(), d.ID, func(line domain.LogLine) {
		if !quiet {
			_, _ = fmt.Fprint(cmd.OutOrStdout(), output.FormatLogLine(line))
		}
	})
	if err != nil {
		return err
	}

	if final.Status != domain.DeployStatusSuccess {
		return fmt.Errorf("deploy %d of '%s' %s", final.ID, name, final.Status)
	}
	return output.FprintSuccess(cmd, "Service '%s' deployed (deploy %d)", name, final.ID)
}

// waitForDeploy polls a deploy until it reaches a final status, passing new log lines to onLog
func waitForDeploy(ctx context.Context, id uint, onLog func(domain.LogLine)) (*domain.Deploy, error) {
	deploys := app.GetDeployRepository()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last uint
	for {
		// Status first so that the lines written before a final status are all printed
		d, err := deploys.FindByID(id)
		if err != nil {
			return nil, err
		}

		lines, err := deploys.Logs(id, time.Time{}, 0)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if line.ID > last {
				onLog(line)
				last = line.ID
			}
		}

		if d.Status.Terminal() {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}
