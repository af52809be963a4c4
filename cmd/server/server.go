// Package server implements the server command that runs the API, the git watcher and the job scheduler.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/depker/depker/app"
	"github.com/depker/depker/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runner interface {
	Run(ctx context.Context) error
}

type starter interface {
	Start(ctx context.Context) error
}

type recoverer interface {
	Recover(ctx context.Context) error
}

type ensurer interface {
	Ensure(ctx context.Context) error
}

type scheduler interface {
	Start(ctx context.Context) error
	SyncAll() error
}

type buildpackWatcher interface {
	Watch(ctx context.Context) error
}

// components are the long running parts of the server
type components struct {
	engine     recoverer
	proxy      ensurer
	scheduler  scheduler
	buildpacks buildpackWatcher
	watcher    starter
	api        runner
	// resync reloads schedules stored by other processes, such as 'service apply'
	resync time.Duration
}

// NewCmdServer creates a command to run the API, the watcher and the scheduler
func NewCmdServer() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the Depker server (API + git watcher + job scheduler)",
		Long: `Starts the HTTP API, the git watcher and the job scheduler in a single process.

Deploys interrupted by a previous shutdown are marked failed and the Traefik proxy is
started when it is not running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.GetConfig()
			logLevel := cfg.LogLevel
			if logging.LogLevel.IsSet() {
				logLevel = logging.LogLevel.String()
			}
			logging.InitLoggingTo(os.Stderr, logLevel, true)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go handleShutdown(ctx, cancel)

			return runServer(ctx, components{
				engine:     app.GetOrchestrator(),
				proxy:      app.GetProxy(),
				scheduler:  app.GetScheduler(),
				buildpacks: app.GetBuildpacks(),
				watcher:    app.NewWatcher(),
				api:        app.NewAPIServer(),
				resync:     cfg.WatcherPollInterval,
			})
		},
	}
}

// runServer blocks until ctx is done or one of the components fails
func runServer(ctx context.Context, c components) error {
	logger := logging.Layer("server")
	logger.Info("Starting Depker server")

	if err := c.engine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted deploys: %w", err)
	}
	if err := c.proxy.Ensure(ctx); err != nil {
		// routed services are unreachable until the proxy starts
		logger.Warn("Proxy is not running", "operation", "Ensure", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	g.Go(func() error {
		return resyncSchedules(ctx, c.scheduler, c.resync, logger)
	})

	g.Go(func() error {
		if err := c.buildpacks.Watch(ctx); err != nil {
			return fmt.Errorf("buildpack watcher failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := c.watcher.Start(ctx); err != nil {
			return fmt.Errorf("watcher service failed: %w", err)
		}
		logger.Info("Watcher service stopped")
		return nil
	})

	g.Go(func() error {
		return c.api.Run(ctx)
	})

	err := g.Wait()
	logger.Info("Depker server stopped")
	return err
}

func resyncSchedules(ctx context.Context, s scheduler, every time.Duration, logger *slog.Logger) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SyncAll(); err != nil {
				logger.Error("Failed to reload schedules", "operation", "SyncAll", "error", err)
			}
		}
	}
}

// handleShutdown handles OS signals for graceful shutdown
func handleShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		slog.Info("Shutdown signal received")
		cancel()
	case <-ctx.Done():
	}
}
