// Package deploy drives a service from source to a healthy, routed container.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/depker/depker/buildpack"
	"github.com/depker/depker/config"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/events"
	"github.com/depker/depker/git"
	"github.com/depker/depker/logging"
	"github.com/depker/depker/metrics"
	"github.com/depker/depker/repository"
)

// PortPublisher makes the proxy listen on the tcp/udp ports a service needs
type PortPublisher interface {
	EnsurePorts(ctx context.Context, ports []repository.ProxyPort) (bool, error)
}

// Dependencies are the collaborators of the orchestrator. Bus, Buildpacks, Git,
// Metrics and Now are optional.
type Dependencies struct {
	Runtime    docker.Runtime
	Services   repository.ServiceRepository
	Deploys    repository.DeployRepository
	Settings   repository.SettingRepository
	Proxy      PortPublisher
	Buildpacks *buildpack.Registry
	Bus        *events.Bus
	Git        git.Source
	Config     *config.Config
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Orchestrator struct {
	runtime    docker.Runtime
	services   repository.ServiceRepository
	deploys    repository.DeployRepository
	settings   repository.SettingRepository
	proxy      PortPublisher
	buildpacks *buildpack.Registry
	bus        *events.Bus
	git        git.Source
	cfg        *config.Config
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue
	prunes sync.WaitGroup
	once   sync.Once
}

func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Runtime == nil:
		return nil, errors.New("deploy: runtime is required")
	case deps.Services == nil || deps.Deploys == nil || deps.Settings == nil:
		return nil, errors.New("deploy: repositories are required")
	case deps.Proxy == nil:
		return nil, errors.New("deploy: proxy is required")
	case deps.Config == nil:
		return nil, errors.New("deploy: config is required")
	}

	o := &Orchestrator{
		runtime:    deps.Runtime,
		services:   deps.Services,
		deploys:    deps.Deploys,
		settings:   deps.Settings,
		proxy:      deps.Proxy,
		buildpacks: deps.Buildpacks,
		bus:        deps.Bus,
		git:        deps.Git,
		cfg:        deps.Config,
		metrics:    deps.Metrics,
		now:        deps.Now,
		logger:     logging.Layer("deploy"),
	}
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	if o.buildpacks == nil {
		o.buildpacks = buildpack.NewRegistry(deps.Config.BuildpacksDir)
	}
	if o.git == nil {
		o.git = git.NewGitService(deps.Config)
	}
	if o.now == nil {
		o.now = time.Now
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.queue = newQueue(o.ctx, func(ctx context.Context, id uint) {
		_ = o.Run(ctx, id)
	})
	return o, nil
}

// Bus exposes the lifecycle hooks
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Recover settles deploys left behind by a previous process: running ones are failed,
// queued ones are put back on their queues in creation order
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.deploys.ListByStatus(domain.DeployStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running deploys: %w", err)
	}
	for _, d := range running {
		log := o.deployLog(d)
		log.write(domain.LogError, "Deploy interrupted by a restart of the server")
		if _, err := o.deploys.UpdateStatus(d.ID, domain.DeployStatusFailed); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("failed to fail interrupted deploy %d: %w", d.ID, err)
		}
	}

	queued, err := o.deploys.ListByStatus(domain.DeployStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued deploys: %w", err)
	}
	for _, d := range queued {
		if err := o.queue.push(d.ServiceName, d.ID); err != nil {
			return err
		}
	}

	o.logger.Info("Recovered deploys",
		"operation", "Recover",
		"interrupted", len(running),
		"requeued", len(queued))
	return nil
}

// Up validates the service, records a queued deploy and hands it to the service's queue
func (o *Orchestrator) Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error) {
	svc, err := o.services.FindByName(name)
	if err != nil {
		return nil, err
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}

	d := domain.NewDeploy(svc, trigger)
	if err := o.deploys.Create(&d); err != nil {
		return nil, fmt.Errorf("failed to create deploy: %w", err)
	}

	if err := o.queue.push(svc.Name, d.ID); err != nil {
		return nil, err
	}

	o.logger.Info("Deploy queued",
		"operation", "Up",
		"service", svc.Name,
		"deploy_id", d.ID,
		"trigger", trigger)
	return &d, nil
}

// Run executes one deploy. Failures are recorded on the deploy; the returned error is
// for callers that drive Run directly.
func (o *Orchestrator) Run(ctx context.Context, id uint) error {
	d, err := o.deploys.FindByID(id)
	if err != nil {
		o.logger.Error("Failed to load deploy", "operation", "Run", "deploy_id", id, "error", err)
		return err
	}
	if d.Status != domain.DeployStatusQueued {
		o.logger.Info("Skipping deploy", "operation", "Run", "deploy_id", id, "status", d.Status)
		return nil
	}

	d, err = o.deploys.UpdateStatus(id, domain.DeployStatusRunning)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			o.logger.Info("Skipping cancelled deploy", "operation", "Run", "deploy_id", id)
			return nil
		}
		return err
	}

	log := o.deployLog(d)
	svc, err := o.services.FindByID(d.ServiceID)
	if err != nil {
		return o.fail(ctx, nil, d, log, nil, err)
	}

	started := o.now()
	o.metrics.DeployStarted(svc.Name)
	defer func() {
		o.metrics.DeployFinished(svc.Name, o.statusOf(d.ID), o.now().Sub(started))
	}()

	payload := events.Payload{Service: svc, Deploy: d}

	// build
	if err := o.enter(d, domain.PhaseBuilding, log); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	phaseStart := o.now()
	if err := o.bus.Emit(ctx, events.PreBuild, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	built, err := o.build(ctx, svc, d, log)
	if err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	if built.Target != "" && built.Target != d.Target {
		if err := o.deploys.UpdateTarget(d.ID, built.Target); err != nil {
			log.Error(err, "Failed to record deploy target")
		}
		d.Target = built.Target
	}
	payload.Image = built.Image
	if err := o.bus.Emit(ctx, events.PostBuild, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	o.metrics.PhaseObserved(string(domain.PhaseBuilding), o.now().Sub(phaseStart))

	// start
	if err := o.enter(d, domain.PhaseStarting, log); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	phaseStart = o.now()
	if err := o.bus.Emit(ctx, events.PreStart, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	result, err := o.start(ctx, svc, d, built.Image, log)
	if err != nil {
		return o.fail(ctx, svc, d, log, result, err)
	}
	payload.Container = result.ContainerID
	// the swap already happened, a failing hook does not roll it back
	if err := o.bus.Emit(ctx, events.PostStart, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	o.metrics.PhaseObserved(string(domain.PhaseStarting), o.now().Sub(phaseStart))

	// purge
	if err := o.enter(d, domain.PhasePurging, log); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	phaseStart = o.now()
	if err := o.bus.Emit(ctx, events.Purge, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}
	removed := o.purge(ctx, svc, d, log)
	log.Info("Purged %d container(s)", removed)
	o.metrics.PhaseObserved(string(domain.PhasePurging), o.now().Sub(phaseStart))

	if err := o.bus.Emit(ctx, events.Success, payload); err != nil {
		return o.fail(ctx, svc, d, log, nil, err)
	}

	if _, err := o.deploys.UpdateStatus(d.ID, domain.DeployStatusSuccess); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			log.Info("Deploy finished after it was cancelled; success not recorded")
			return nil
		}
		log.Error(err, "Failed to record deploy success")
		return err
	}
	log.Done("Deploy %d of %s succeeded in %s", d.ID, svc.Name, o.now().Sub(started).Round(time.Millisecond))
	return nil
}

// enter moves the deploy into a phase. Building and starting are not entered once the
// deploy was cancelled; purging always runs after a swap.
func (o *Orchestrator) enter(d *domain.Deploy, phase domain.DeployPhase, log *deployLog) error {
	if phase != domain.PhasePurging {
		current, err := o.deploys.FindByID(d.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.DeployStatusRunning {
			return fmt.Errorf("%w before %s", errCancelled, phase)
		}
	}
	if err := o.deploys.UpdatePhase(d.ID, phase); err != nil {
		return err
	}
	d.Phase = phase
	log.Debug("Entering phase %s", phase)
	return nil
}

var errCancelled = errors.New("deploy cancelled")

// fail records err, rolls back a created container and marks the deploy failed
func (o *Orchestrator) fail(ctx context.Context, svc *domain.Service, d *domain.Deploy, log *deployLog, started *startResult, err error) error {
	switch {
	case errors.Is(err, errCancelled):
		log.Info("%v", err)
	case isBuildFailure(err):
		log.Error(err, "Build failed")
	case isStartError(err):
		log.Error(err, "Start failed")
	default:
		log.Error(err, "Deploy failed")
	}

	// rollback must run even when the deploy context is gone
	o.rollback(context.WithoutCancel(ctx), started, log)

	if _, updateErr := o.deploys.UpdateStatus(d.ID, domain.DeployStatusFailed); updateErr != nil && !errors.Is(updateErr, domain.ErrInvalidTransition) {
		o.logger.Error("Failed to record deploy failure",
			"operation", "Run",
			"deploy_id", d.ID,
			"error", updateErr)
	}

	if svc != nil {
		payload := events.Payload{Service: svc, Deploy: d}
		if started != nil {
			payload.Container = started.ContainerID
		}
		if hookErr := o.bus.Emit(context.WithoutCancel(ctx), events.Failure, payload); hookErr != nil {
			log.Error(hookErr, "Failure hook failed")
		}
	}
	return err
}

func (o *Orchestrator) statusOf(id uint) string {
	d, err := o.deploys.FindByID(id)
	if err != nil {
		return "unknown"
	}
	return d.Status.String()
}

func (o *Orchestrator) deployLog(d *domain.Deploy) *deployLog {
	return &deployLog{
		deployID: d.ID,
		service:  d.ServiceName,
		repo:     o.deploys,
		logger:   o.logger,
	}
}

// Cancel fails a queued or running deploy. A running deploy stops at its next phase
// boundary; the engine call in progress is not interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, id uint) (*domain.Deploy, error) {
	d, err := o.deploys.FindByID(id)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, fmt.Errorf("%w: deploy %d is %s", ErrNotCancellable, id, d.Status)
	}

	updated, err := o.deploys.UpdateStatus(id, domain.DeployStatusFailed)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return nil, err
	}
	o.deployLog(updated).write(domain.LogError, "Deploy cancelled")

	o.logger.Info("Deploy cancelled",
		"operation", "Cancel",
		"service", updated.ServiceName,
		"deploy_id", id)
	return updated, nil
}

// Down emits Teardown and removes every container of the service
func (o *Orchestrator) Down(ctx context.Context, name string) error {
	svc, err := o.services.FindByName(name)
	if err != nil {
		return err
	}

	if err := o.bus.Emit(ctx, events.Teardown, events.Payload{Service: svc}); err != nil {
		return err
	}

	containers, err := o.Containers(ctx, svc.Name)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range containers {
		if err := o.runtime.RemoveContainer(ctx, c.ID, true); err != nil && !docker.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", c.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	o.logger.Info("Service down",
		"operation", "Down",
		"service", svc.Name,
		"removed", len(containers))
	return nil
}

// Remove tears the service down and deletes its workspace and stored record
func (o *Orchestrator) Remove(ctx context.Context, name string) error {
	svc, err := o.services.FindByName(name)
	if err != nil {
		return err
	}
	if err := o.Down(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(o.workspaceDir(svc)); err != nil {
		o.logger.Warn("Failed to remove workspace", "operation", "Remove", "service", name, "error", err)
	}
	return o.services.Delete(svc.ID)
}

// Restart restarts the live container of the service
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	if _, err := o.services.FindByName(name); err != nil {
		return err
	}
	live, err := o.Current(ctx, name)
	if err != nil {
		return err
	}
	if live == nil {
		return fmt.Errorf("%w: %s", ErrNoLiveContainer, name)
	}
	return o.runtime.RestartContainer(ctx, live.ID)
}

// Logs returns the stored log lines of a deploy
func (o *Orchestrator) Logs(id uint, since time.Time, tail int) ([]domain.LogLine, error) {
	if _, err := o.deploys.FindByID(id); err != nil {
		return nil, err
	}
	return o.deploys.Logs(id, since, tail)
}

// Current returns the container holding the bare service name, or nil
func (o *Orchestrator) Current(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	return o.live(ctx, name)
}

// Containers lists every container owned by the service, live or not
func (o *Orchestrator) Containers(ctx context.Context, name string) ([]docker.ContainerInfo, error) {
	return o.runtime.ListContainers(ctx, docker.Filter{
		Labels: map[string]string{docker.LabelName: name},
		All:    true,
	})
}

// Pending returns the deploy ids waiting behind the running one
func (o *Orchestrator) Pending(name string) []uint {
	return o.queue.pending(name)
}

// Shutdown stops accepting deploys, cancels in-flight health polls and waits for
// workers and background prunes
func (o *Orchestrator) Shutdown() {
	o.once.Do(func() {
		o.cancel()
		o.queue.close()
		o.prunes.Wait()
		o.logger.Info("Orchestrator stopped", "operation", "Shutdown")
	})
}
