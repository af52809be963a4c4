package deploy

import (
	"context"
	"strconv"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
)

const pruneTimeout = 30 * time.Minute

// purge removes every container of the service except the live one and the current attempt.
// Per-container failures are logged only.
func (o *Orchestrator) purge(ctx context.Context, svc *domain.Service, d *domain.Deploy, log *deployLog) int {
	containers, err := o.runtime.ListContainers(ctx, docker.Filter{
		Labels: map[string]string{docker.LabelName: svc.Name},
		All:    true,
	})
	if err != nil {
		log.Error(err, "Failed to list containers for purge")
		return 0
	}

	current := strconv.FormatUint(uint64(d.ID), 10)
	removed := 0
	for _, c := range containers {
		if c.Labels[docker.LabelID] == current || c.Name == svc.Name {
			continue
		}
		if err := o.runtime.RemoveContainer(ctx, c.ID, true); err != nil && !docker.IsNotFound(err) {
			log.Error(err, "Failed to remove container %s", c.Name)
			continue
		}
		log.Debug("Removed container %s", c.Name)
		removed++
	}
	o.metrics.ContainersPurged(removed)

	if o.pruneEnabled() {
		o.schedulePrune()
	}
	return removed
}

func (o *Orchestrator) pruneEnabled() bool {
	if !o.cfg.PurgeEnabled {
		return false
	}
	enabled, err := o.settings.PurgeEnabled()
	if err != nil {
		o.logger.Warn("Failed to read purge setting", "operation", "purge", "error", err)
		return false
	}
	return enabled
}

// schedulePrune prunes dangling images and volumes in the background; failures are only logged
func (o *Orchestrator) schedulePrune() {
	o.prunes.Add(1)
	go func() {
		defer o.prunes.Done()
		ctx, cancel := context.WithTimeout(o.ctx, pruneTimeout)
		defer cancel()
		if err := o.runtime.Prune(ctx); err != nil {
			o.logger.Warn("Prune failed", "operation", "prune", "error", err)
		}
	}()
}
