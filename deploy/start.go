package deploy

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
)

// startResult reports how far the start phase got, which decides the rollback
type startResult struct {
	ContainerID string
	Name        string
	Previous    *docker.ContainerInfo
	Created     bool
	Swapped     bool
}

// start creates the replacement container, waits for it to become healthy and swaps it in
func (o *Orchestrator) start(ctx context.Context, svc *domain.Service, d *domain.Deploy, image string, log *deployLog) (*startResult, error) {
	result := &startResult{}

	if ports := proxyPorts(svc); len(ports) > 0 {
		if _, err := o.proxy.EnsurePorts(ctx, ports); err != nil {
			return result, &StartError{Container: svc.Name, Reason: "failed to publish proxy ports", Err: err}
		}
	}
	if err := o.runtime.EnsureNetwork(ctx, o.cfg.Network); err != nil {
		return result, &StartError{Container: svc.Name, Reason: "failed to ensure network", Err: err}
	}

	info, err := o.runtime.InspectImage(ctx, image)
	if err != nil {
		return result, &StartError{Container: svc.Name, Reason: "failed to inspect image", Err: err}
	}

	previous, err := o.live(ctx, svc.Name)
	if err != nil {
		return result, err
	}
	result.Previous = previous

	spec, err := ContainerSpec(svc, specInput{
		Deploy:      d,
		Image:       image,
		ImagePorts:  info.ExposedPorts,
		Network:     o.cfg.Network,
		StorageRoot: o.cfg.StorageDir,
		Now:         o.now(),
	})
	if err != nil {
		return result, &StartError{Container: svc.Name, Reason: "invalid container configuration", Err: err}
	}
	result.Name = spec.Name

	log.Step("Creating container %s", spec.Name)
	id, err := o.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return result, &StartError{Container: spec.Name, Reason: "create failed", Err: err}
	}
	result.ContainerID = id
	result.Created = true

	for _, network := range slices.Sorted(maps.Keys(svc.Networks)) {
		alias := svc.Networks[network]
		if alias == "" {
			alias = svc.Name
		}
		if err := o.runtime.ConnectNetwork(ctx, network, id, []string{alias}); err != nil {
			return result, &StartError{Container: spec.Name, Reason: "failed to join network " + network, Err: err}
		}
	}

	if err := o.runtime.StartContainer(ctx, id); err != nil {
		return result, &StartError{Container: spec.Name, Reason: "start failed", Err: err}
	}

	log.Info("Waiting for container %s to become healthy", spec.Name)
	if err := o.waitHealthy(ctx, svc, id, spec.Name, log); err != nil {
		return result, err
	}

	if err := o.swap(ctx, svc, id, previous, log); err != nil {
		return result, err
	}
	result.Swapped = true

	log.Done("Container %s is live", svc.Name)
	return result, nil
}

// waitHealthy polls inspect until the container is ready or the poll limit is reached.
// The timer honours ctx so shutdown unwinds the wait.
func (o *Orchestrator) waitHealthy(ctx context.Context, svc *domain.Service, id, name string, log *deployLog) error {
	interval := o.cfg.HealthPollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	limit := o.cfg.HealthPollLimit
	if limit <= 0 {
		limit = 1200
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := 1; i <= limit; i++ {
		select {
		case <-ctx.Done():
			return &StartError{Container: name, Reason: "health check interrupted", Err: ctx.Err()}
		case <-timer.C:
		}

		state, err := o.runtime.InspectContainer(ctx, id)
		if err != nil {
			return &StartError{Container: name, Reason: "inspect failed", Err: err}
		}

		if svc.Type == domain.ServiceTypeJob && state.Status == "exited" && state.ExitCode == 0 {
			return nil
		}
		if state.Ready() {
			if state.Healthy() {
				return nil
			}
			return &StartError{Container: name, Reason: unhealthyReason(state)}
		}

		if i%5 == 0 {
			log.Info("Waiting: %s", (time.Duration(i) * interval).Round(time.Second))
		}
		timer.Reset(interval)
	}

	return &StartError{Container: name, Reason: "health check timed out"}
}

func unhealthyReason(state *docker.ContainerState) string {
	if state.Health != "" {
		return "container is " + state.Health
	}
	return "container is " + state.Status
}

// swap renames the previous live container away before the replacement takes the bare name,
// so two containers never hold the service name at once
func (o *Orchestrator) swap(ctx context.Context, svc *domain.Service, id string, previous *docker.ContainerInfo, log *deployLog) error {
	if previous != nil {
		old := disposableName(svc, o.now())
		if err := o.runtime.RenameContainer(ctx, previous.ID, old); err != nil {
			return &StartError{Container: previous.Name, Reason: "failed to retire previous container", Err: err}
		}
		log.Debug("Renamed %s to %s", previous.Name, old)
	}

	if err := o.runtime.RenameContainer(ctx, id, svc.Name); err != nil {
		if previous != nil {
			if restoreErr := o.runtime.RenameContainer(ctx, previous.ID, svc.Name); restoreErr != nil {
				log.Error(restoreErr, "Failed to restore the name of the previous container")
			}
		}
		return &StartError{Container: svc.Name, Reason: "failed to promote container", Err: err}
	}
	return nil
}

// rollback keeps the failed replacement for diagnostics but stops it so it leaves the
// proxy, then starts the previous live container if it is no longer running
func (o *Orchestrator) rollback(ctx context.Context, result *startResult, log *deployLog) {
	if result == nil || !result.Created || result.Swapped {
		return
	}

	if result.ContainerID != "" {
		if err := o.runtime.StopContainer(ctx, result.ContainerID); err != nil {
			log.Error(err, "Failed to stop container %s", result.Name)
		}
	}

	if result.Previous == nil {
		return
	}
	state, err := o.runtime.InspectContainer(ctx, result.Previous.ID)
	if err != nil {
		log.Error(err, "Failed to inspect previous container %s", result.Previous.Name)
		return
	}
	if state.Running {
		log.Info("Previous container %s is still running", result.Previous.Name)
		return
	}
	log.Step("Starting previous container %s", result.Previous.Name)
	if err := o.runtime.StartContainer(ctx, result.Previous.ID); err != nil {
		log.Error(err, "Failed to start previous container %s", result.Previous.Name)
		return
	}
	log.Info("Previous container %s started", result.Previous.Name)
}

// live returns the container currently holding the bare service name
func (o *Orchestrator) live(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	containers, err := o.runtime.ListContainers(ctx, docker.Filter{
		Labels: map[string]string{docker.LabelName: name},
		All:    true,
	})
	if err != nil {
		return nil, err
	}
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i], nil
		}
	}
	return nil, nil
}

func isStartError(err error) bool {
	return errors.Is(err, ErrStart)
}
