package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceList() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all services",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := app.GetServiceRepository().List()
			if err != nil {
				return err
			}

			out, err := output.PrintServiceList(services)
			if err != nil {
				return err
			}
			return output.FprintPlain(cmd, "%s", out)
		},
	}
}
