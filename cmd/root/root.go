// Package root implements the command line interface for Depker.
package root

import (
	"fmt"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/cmd/proxy"
	"github.com/depker/depker/cmd/server"
	"github.com/depker/depker/cmd/service"
	"github.com/depker/depker/cmd/utils"
	"github.com/depker/depker/cmd/version"
	"github.com/depker/depker/config"
	"github.com/depker/depker/logging"
	"github.com/spf13/cobra"
)

// skipInit lists the commands that run without a database or container engine
var skipInit = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
}

func Execute() {
	cmd := NewCmdRoot()
	if failed, err := cmd.ExecuteC(); err != nil {
		utils.HandleCommandError(failed.Name(), err)
	}
}

func NewCmdRoot() *cobra.Command {
	var (
		dataDir    string
		configPath string
		started    bool
	)

	cmd := &cobra.Command{
		Use:   "depker",
		Short: "Self-hosted deployments for Docker",
		Long: `Depker builds services from git repositories, local directories or images and
runs them as Docker containers behind a Traefik proxy.

Each deploy starts a new container next to the old one and only switches traffic
once the new container is healthy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipInit[cmd.Name()] {
				return nil
			}

			var cfg *config.Config
			var err error
			if configPath != "" {
				cfg, err = config.NewConfig(configPath)
			} else {
				cfg, err = config.NewConfigForCLI(dataDir)
			}
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// CLI flags override config
			output.InitColors(!cfg.ColorEnabled || output.NoColor.IsSet())

			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLogging(logLevel)

			if err := app.InitializeWithConfig(cfg); err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			started = true
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if started {
				app.Shutdown()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default $DEPKER_DATA_DIR or ~/.local/share/depker)")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "Path to configuration file")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().VarP(output.NoColor, "no-color", "c", "Disable colored terminal output")

	cmd.AddCommand(service.NewCmdService())
	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(proxy.NewCmdProxy())
	cmd.AddCommand(version.NewCmdVersion())
	return cmd
}
