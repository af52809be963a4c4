// Package scheduler triggers deploys of job services on their cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/depker/depker/domain"
	"github.com/depker/depker/events"
	"github.com/depker/depker/logging"
	"github.com/depker/depker/repository"
	"github.com/robfig/cron/v3"
)

// Deployer queues a deploy of a service
type Deployer interface {
	Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entries  map[string]entry
	deployer Deployer
	services repository.ServiceRepository
	logger   *slog.Logger
	ctx      context.Context
}

func New(deployer Deployer, services repository.ServiceRepository) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		entries:  make(map[string]entry),
		deployer: deployer,
		services: services,
		logger:   logging.Layer("scheduler"),
		ctx:      context.Background(),
	}
}

// Attach drops the schedule of a service when it is torn down
func (s *Scheduler) Attach(bus *events.Bus) {
	bus.On(events.Teardown, func(_ context.Context, p events.Payload) error {
		if p.Service != nil {
			s.Remove(p.Service.Name)
		}
		return nil
	})
}

// Start loads the schedules of all stored services and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.SyncAll(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Scheduler started", "operation", "Start", "entries", len(s.Entries()))
	return nil
}

// Stop stops the runner and waits for triggers in progress
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SyncAll schedules every stored job and drops entries of services that no longer exist
func (s *Scheduler) SyncAll() error {
	services, err := s.services.List()
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	present := make(map[string]bool, len(services))
	for _, svc := range services {
		present[svc.Name] = true
		if err := s.Sync(svc); err != nil {
			s.logger.Warn("Invalid schedule",
				"operation", "SyncAll",
				"service", svc.Name,
				"cron", svc.Cron,
				"error", err)
		}
	}

	for _, name := range s.names() {
		if !present[name] {
			s.Remove(name)
		}
	}
	return nil
}

// Sync schedules a job service, reschedules it when its expression changed and
// unschedules anything that is not a scheduled job
func (s *Scheduler) Sync(svc *domain.Service) error {
	if svc.Type != domain.ServiceTypeJob || svc.Cron == "" {
		s.Remove(svc.Name)
		return nil
	}

	schedule, err := cron.ParseStandard(svc.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", svc.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[svc.Name]; ok {
		if current.spec == svc.Cron {
			return nil
		}
		s.cron.Remove(current.id)
	}

	name := svc.Name
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.trigger(name) }))
	s.entries[name] = entry{id: id, spec: svc.Cron}

	s.logger.Info("Job scheduled",
		"operation", "Sync",
		"service", name,
		"cron", svc.Cron)
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entries[name]
	if !ok {
		return
	}
	s.cron.Remove(current.id)
	delete(s.entries, name)
	s.logger.Info("Job unscheduled", "operation", "Remove", "service", name)
}

// Entries maps scheduled service names to their cron expressions
func (s *Scheduler) Entries() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.spec
	}
	return out
}

// Next returns the next activation of a scheduled service once the runner is started
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

func (s *Scheduler) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.entries))
}

func (s *Scheduler) trigger(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	d, err := s.deployer.Up(ctx, name, domain.TriggerSchedule)
	if err != nil {
		s.logger.Error("Scheduled deploy failed",
			"operation", "trigger",
			"service", name,
			"error", err)
		return
	}
	s.logger.Info("Scheduled deploy queued",
		"operation", "trigger",
		"service", name,
		"deploy_id", d.ID)
}
