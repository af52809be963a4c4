package service

import (
	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/cmd/utils"
	"github.com/spf13/cobra"
)

func NewCmdServiceApply() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [path]",
		Short: "Create or update a service from a depker.yml manifest",
		Long: `Read a service manifest and store it, replacing the service with the same name.

The path may be a manifest file or a directory holding depker.yml. Services without
an explicit source are built from the directory of the manifest.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceApply(cmd, args)
		},
	}

	cmd.Flags().BoolP("up", "u", false, "Deploy the service after storing it")
	cmd.Flags().BoolP("quiet", "q", false, "With --up, report only the outcome of the deploy")
	return cmd
}

func runServiceApply(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	svc, err := utils.LoadManifest(path)
	if err != nil {
		return err
	}
	if err := svc.Validate(); err != nil {
		return err
	}

	saved, err := app.GetServiceRepository().Save(svc)
	if err != nil {
		return err
	}
	if err := output.FprintSuccess(cmd, "Service '%s' saved", saved.Name); err != nil {
		return err
	}

	if up, _ := cmd.Flags().GetBool("up"); up {
		quiet, _ := cmd.Flags().GetBool("quiet")
		return runDeploy(cmd, saved.Name, quiet)
	}
	return nil
}
