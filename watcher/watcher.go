// Package watcher deploys git services automatically when their branch moves.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/depker/depker/domain"
	"github.com/depker/depker/git"
	"github.com/depker/depker/logging"
	"github.com/google/uuid"
)

// ServiceLister lists the stored services
type ServiceLister interface {
	List() ([]*domain.Service, error)
}

// Deployer queues a deploy of a service
type Deployer interface {
	Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error)
}

type WatcherService struct {
	services     ServiceLister
	source       git.Source
	deployer     Deployer
	pollInterval time.Duration
	logger       *slog.Logger

	mu sync.Mutex
	// triggered remembers the commit a deploy was queued for until the deploy records it
	triggered map[uuid.UUID]string
}

func NewWatcherService(
	services ServiceLister,
	source git.Source,
	deployer Deployer,
	pollInterval time.Duration,
) *WatcherService {
	return &WatcherService{
		services:     services,
		source:       source,
		deployer:     deployer,
		pollInterval: pollInterval,
		logger:       logging.Layer("watcher"),
		triggered:    make(map[uuid.UUID]string),
	}
}

func (w *WatcherService) Start(ctx context.Context) error {
	w.logger.Info("Watcher service starting", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// Run initial check immediately
	if err := w.checkAllServices(ctx); err != nil {
		w.logger.Error("Initial service check failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher service shutting down")
			return nil
		case <-ticker.C:
			if err := w.checkAllServices(ctx); err != nil {
				w.logger.Error("Service check failed", "error", err)
			}
		}
	}
}

func (w *WatcherService) checkAllServices(ctx context.Context) error {
	w.logger.Debug("Starting service check cycle")

	services, err := w.services.List()
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	checked := 0
	for _, svc := range services {
		if svc.Source.Kind != domain.SourceGit || !svc.AutoDeploy {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		checked++
		if err := w.checkService(ctx, svc); err != nil {
			w.logger.Error("Failed to check service",
				"service_id", svc.ID,
				"service", svc.Name,
				"error", err)
		}
	}

	w.logger.Debug("Service check cycle completed",
		"total_services", len(services),
		"services_checked", checked)
	return nil
}

func (w *WatcherService) checkService(ctx context.Context, svc *domain.Service) error {
	currentCommit := svc.LastCommitStr()

	remoteCommit, err := w.source.RemoteCommit(ctx, svc.Source.URL, svc.Source.Branch, svc.Source.Auth)
	if err != nil {
		return fmt.Errorf("failed to get remote commit: %w", err)
	}

	w.logger.Debug("Git check completed",
		"service", svc.Name,
		"current_commit", currentCommit,
		"remote_commit", remoteCommit,
		"has_updates", currentCommit != remoteCommit)

	w.mu.Lock()
	pending := w.triggered[svc.ID]
	if currentCommit == remoteCommit {
		delete(w.triggered, svc.ID)
	}
	w.mu.Unlock()

	if currentCommit == remoteCommit || pending == remoteCommit {
		return nil
	}

	w.logger.Info("New commit detected, triggering automatic deployment",
		"service", svc.Name,
		"old_commit", currentCommit,
		"new_commit", remoteCommit)

	d, err := w.deployer.Up(ctx, svc.Name, domain.TriggerGit)
	if err != nil {
		return fmt.Errorf("failed to queue deploy: %w", err)
	}

	w.mu.Lock()
	w.triggered[svc.ID] = remoteCommit
	w.mu.Unlock()

	w.logger.Info("Automatic deployment queued",
		"service", svc.Name,
		"deploy_id", d.ID,
		"target_commit", remoteCommit)
	return nil
}
