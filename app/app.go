// Package app wires the Depker components together and hands them to the commands.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/depker/depker/api"
	"github.com/depker/depker/buildpack"
	"github.com/depker/depker/config"
	"github.com/depker/depker/db"
	"github.com/depker/depker/deploy"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/encryption"
	"github.com/depker/depker/git"
	"github.com/depker/depker/metrics"
	"github.com/depker/depker/proxy"
	"github.com/depker/depker/repository"
	"github.com/depker/depker/scheduler"
	"github.com/depker/depker/watcher"
	"gorm.io/gorm"
)

// Engine is the deploy orchestrator as seen by the commands
type Engine interface {
	api.Orchestrator
	Containers(ctx context.Context, name string) ([]docker.ContainerInfo, error)
	Pending(name string) []uint
	Recover(ctx context.Context) error
	Shutdown()
}

// Proxy manages the Traefik container
type Proxy interface {
	Ensure(ctx context.Context) error
	Reload(ctx context.Context) error
	Ports() ([]repository.ProxyPort, error)
	SetPorts(ctx context.Context, ports []repository.ProxyPort) (bool, error)
}

var (
	// Version is set at build time via -ldflags
	Version = "dev"

	appConfig    *config.Config
	database     *gorm.DB
	runtime      *docker.Client
	services     repository.ServiceRepository
	deploys      repository.DeployRepository
	settings     repository.SettingRepository
	gitService   *git.GitService
	buildpacks   *buildpack.Registry
	proxyManager Proxy
	engine       Engine
	jobs         *scheduler.Scheduler
	appMetrics   *metrics.Metrics
)

// InitializeWithConfig initializes the app with a pre-configured Config
func InitializeWithConfig(cfg *config.Config) error {
	var err error

	appConfig = cfg

	for _, dir := range []string{cfg.DataDir, cfg.TmpDir, cfg.WorkspaceDir, cfg.StorageDir, cfg.BuildpacksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// InitDB runs the migrations
	database, err = db.InitDB(cfg.DatabasePath)
	if err != nil {
		return err
	}

	encryptionSvc, err := encryption.NewEncryptionService(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	services = repository.NewServiceRepository(database, encryptionSvc)
	deploys = repository.NewDeployRepository(database)
	settings = repository.NewSettingRepository(database)
	appMetrics = metrics.New()
	gitService = git.NewGitService(cfg)

	runtime, err = docker.NewClient(cfg)
	if err != nil {
		return err
	}
	manager := proxy.NewManager(runtime, settings, cfg, appMetrics)
	proxyManager = manager

	buildpacks = buildpack.NewRegistry(cfg.BuildpacksDir)
	if err := buildpacks.Load(); err != nil {
		return fmt.Errorf("failed to load buildpacks: %w", err)
	}

	orchestrator, err := deploy.New(deploy.Dependencies{
		Runtime:    runtime,
		Services:   services,
		Deploys:    deploys,
		Settings:   settings,
		Proxy:      manager,
		Buildpacks: buildpacks,
		Git:        gitService,
		Config:     cfg,
		Metrics:    appMetrics,
	})
	if err != nil {
		return err
	}
	engine = orchestrator

	jobs = scheduler.New(orchestrator, services)
	jobs.Attach(orchestrator.Bus())
	return nil
}

// Shutdown stops the orchestrator and releases the engine and database handles
func Shutdown() {
	if jobs != nil {
		jobs.Stop()
	}
	if engine != nil {
		engine.Shutdown()
	}
	if runtime != nil {
		_ = runtime.Close()
	}
	if database != nil {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func GetConfig() *config.Config {
	return appConfig
}

func GetOrchestrator() Engine {
	return engine
}

func GetServiceRepository() repository.ServiceRepository {
	return services
}

func GetDeployRepository() repository.DeployRepository {
	return deploys
}

func GetSettingRepository() repository.SettingRepository {
	return settings
}

func GetProxy() Proxy {
	return proxyManager
}

func GetBuildpacks() *buildpack.Registry {
	return buildpacks
}

func GetScheduler() *scheduler.Scheduler {
	return jobs
}

func GetMetrics() *metrics.Metrics {
	return appMetrics
}

// NewWatcher returns the git watcher for the configured poll interval
func NewWatcher() *watcher.WatcherService {
	return watcher.NewWatcherService(services, gitService, engine, appConfig.WatcherPollInterval)
}

// NewAPIServer returns the HTTP API bound to the configured address
func NewAPIServer() *api.Server {
	handlers := api.NewHandlers(engine, services, deploys, jobs)
	return api.NewServer(appConfig.HTTPHost, appConfig.HTTPPort, api.NewRouter(handlers, appMetrics))
}

// SetOrchestratorForTesting allows overriding the orchestrator for testing purposes
func SetOrchestratorForTesting(e Engine) {
	engine = e
}

// SetRepositoriesForTesting allows overriding the repositories for testing purposes
func SetRepositoriesForTesting(s repository.ServiceRepository, d repository.DeployRepository, st repository.SettingRepository) {
	services = s
	deploys = d
	settings = st
}

// SetProxyForTesting allows overriding the proxy manager for testing purposes
func SetProxyForTesting(p Proxy) {
	proxyManager = p
}
