package service

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/spf13/cobra"
)

func NewCmdServiceRemove() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a service and its containers",
		Long: `Stop and remove every container of the service, then delete its workspace,
deploy history and stored configuration.

The service cannot be recovered after deletion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceRemove(cmd, args[0])
		},
	}

	cmd.Flags().BoolP("confirm", "y", false, "Skip confirmation prompt and proceed with deletion")
	return cmd
}

func runServiceRemove(cmd *cobra.Command, name string) error {
	svc, err := app.GetServiceRepository().FindByName(name)
	if err != nil {
		return err
	}

	if skip, _ := cmd.Flags().GetBool("confirm"); !skip {
		if err := output.FprintWarning(cmd, "You are about to DELETE service '%s' (%s)", svc.Name, output.SourceString(svc.Source)); err != nil {
			return err
		}
		if err := output.FprintPlain(cmd, "Type the service name to confirm:"); err != nil {
			return err
		}
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if strings.TrimSpace(answer) != svc.Name {
			return fmt.Errorf("removal of '%s' aborted", svc.Name)
		}
	}

	if err := app.GetOrchestrator().Remove(cmd.Context(), name); err != nil {
		return err
	}
	return output.FprintSuccess(cmd, "Service '%s' removed", name)
}
