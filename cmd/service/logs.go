package service

import (
	"fmt"
	"time"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/cmd/utils"
	"github.com/depker/depker/domain"
	"github.com/spf13/cobra"
)

func NewCmdServiceLogs() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <name> [deploy-id]",
		Short: "Show the log of a deploy",
		Long: `Print the log of a deploy of the service. Without a deploy id the most recent
deploy is shown.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceLogs(cmd, args)
		},
	}

	cmd.Flags().IntP("tail", "t", 0, "Only show the last N lines")
	cmd.Flags().Duration("since", 0, "Only show lines newer than this (e.g. 10m)")
	cmd.Flags().BoolP("follow", "f", false, "Keep printing new lines until the deploy finishes")
	return cmd
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	d, err := resolveDeploy("logs", args)
	if err != nil {
		return err
	}

	tail, _ := cmd.Flags().GetInt("tail")
	sinceAgo, _ := cmd.Flags().GetDuration("since")
	follow, _ := cmd.Flags().GetBool("follow")

	if follow {
		_, err := waitForDeploy(cmd.Context(), d.ID, func(line domain.LogLine) {
			_, _ = fmt.Fprint(cmd.OutOrStdout(), output.FormatLogLine(line))
		})
		return err
	}

	var since time.Time
	if sinceAgo > 0 {
		since = time.Now().Add(-sinceAgo)
	}
	lines, err := app.GetOrchestrator().Logs(d.ID, since, tail)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprint(cmd.OutOrStdout(), output.FormatLogLine(line)); err != nil {
			return err
		}
	}
	return nil
}

// resolveDeploy returns the deploy named by args, or the latest deploy of the service
func resolveDeploy(operation string, args []string) (*domain.Deploy, error) {
	svc, err := app.GetServiceRepository().FindByName(args[0])
	if err != nil {
		return nil, err
	}

	if len(args) < 2 {
		latest, err := app.GetDeployRepository().ListByService(svc.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(latest) == 0 {
			return nil, fmt.Errorf("%w: service '%s' has never been deployed", domain.ErrDeployNotFound, svc.Name)
		}
		return latest[0], nil
	}

	id, err := utils.ParseDeployID(operation, args[1])
	if err != nil {
		return nil, err
	}
	d, err := app.GetDeployRepository().FindByID(id)
	if err != nil {
		return nil, err
	}
	if d.ServiceName != svc.Name {
		return nil, fmt.Errorf("%w: %d does not belong to '%s'", domain.ErrDeployNotFound, id, svc.Name)
	}
	return d, nil
}
