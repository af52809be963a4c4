package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceDeploys() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploys <name>",
		Short: "List the deploys of a service",
		Long:  `Display the most recent deploys of a service, newest first.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceDeploys(cmd, args[0])
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "Number of deploys to show")
	return cmd
}

func runServiceDeploys(cmd *cobra.Command, name string) error {
	svc, err := app.GetServiceRepository().FindByName(name)
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	deploys, err := app.GetDeployRepository().ListByService(svc.ID, limit)
	if err != nil {
		return err
	}

	out, err := output.PrintDeployList(deploys)
	if err != nil {
		return err
	}
	return output.FprintPlain(cmd, "%s", out)
}
