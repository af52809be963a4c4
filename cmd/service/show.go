package service

import (
	"time"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show service details",
		Long: `Display the stored configuration of a service together with the container
currently holding its name. Secret values are masked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceShow(cmd, args[0])
		},
	}
}

func runServiceShow(cmd *cobra.Command, name string) error {
	svc, err := app.GetServiceRepository().FindByName(name)
	if err != nil {
		return err
	}

	live, err := app.GetOrchestrator().Current(cmd.Context(), name)
	if err != nil {
		if werr := output.FprintWarning(cmd, "Could not query the container engine: %v", err); werr != nil {
			return werr
		}
	}

	var next time.Time
	if jobs := app.GetScheduler(); jobs != nil {
		next, _ = jobs.Next(name)
	}

	out, err := output.PrintServiceDetails(svc, live, next)
	if err != nil {
		return err
	}
	if err := output.FprintPlain(cmd, "%s", out); err != nil {
		return err
	}

	if pending := app.GetOrchestrator().Pending(name); len(pending) > 0 {
		return output.FprintPlain(cmd, "Queued deploys: %v", pending)
	}
	return nil
}
