package mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
)

// MockOrchestrator implements the deploy engine surface used by the API and the CLI
type MockOrchestrator struct {
	UpFunc         func(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error)
	DownFunc       func(ctx context.Context, name string) error
	RemoveFunc     func(ctx context.Context, name string) error
	RestartFunc    func(ctx context.Context, name string) error
	CancelFunc     func(ctx context.Context, id uint) (*domain.Deploy, error)
	LogsFunc       func(id uint, since time.Time, tail int) ([]domain.LogLine, error)
	CurrentFunc    func(ctx context.Context, name string) (*docker.ContainerInfo, error)
	ContainersFunc func(ctx context.Context, name string) ([]docker.ContainerInfo, error)
	PendingFunc    func(name string) []uint
	RecoverFunc    func(ctx context.Context) error
	ShutdownFunc   func()
}

func (m *MockOrchestrator) Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error) {
	if m.UpFunc != nil {
		return m.UpFunc(ctx, name, trigger)
	}
	return &domain.Deploy{ID: 1, ServiceName: name, Trigger: trigger, Status: domain.DeployStatusQueued}, nil
}

func (m *MockOrchestrator) Down(ctx context.Context, name string) error {
	if m.DownFunc != nil {
		return m.DownFunc(ctx, name)
	}
	return nil
}

func (m *MockOrchestrator) Remove(ctx context.Context, name string) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, name)
	}
	return nil
}

func (m *MockOrchestrator) Restart(ctx context.Context, name string) error {
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, name)
	}
	return nil
}

func (m *MockOrchestrator) Cancel(ctx context.Context, id uint) (*domain.Deploy, error) {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, id)
	}
	return nil, fmt.Errorf("%w: %d", domain.ErrDeployNotFound, id)
}

func (m *MockOrchestrator) Logs(id uint, since time.Time, tail int) ([]domain.LogLine, error) {
	if m.LogsFunc != nil {
		return m.LogsFunc(id, since, tail)
	}
	return []domain.LogLine{}, nil
}

func (m *MockOrchestrator) Current(ctx context.Context, name string) (*docker.ContainerInfo, error) {
	if m.CurrentFunc != nil {
		return m.CurrentFunc(ctx, name)
	}
	return nil, nil
}

func (m *MockOrchestrator) Containers(ctx context.Context, name string) ([]docker.ContainerInfo, error) {
	if m.ContainersFunc != nil {
		return m.ContainersFunc(ctx, name)
	}
	return []docker.ContainerInfo{}, nil
}

func (m *MockOrchestrator) Pending(name string) []uint {
	if m.PendingFunc != nil {
		return m.PendingFunc(name)
	}
	return nil
}

func (m *MockOrchestrator) Recover(ctx context.Context) error {
	if m.RecoverFunc != nil {
		return m.RecoverFunc(ctx)
	}
	return nil
}

func (m *MockOrchestrator) Shutdown() {
	if m.ShutdownFunc != nil {
		m.ShutdownFunc()
	}
}
