package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/depker/depker/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockServiceLister implements ServiceLister for testing
type MockServiceLister struct {
	mock.Mock
}

func (m *MockServiceLister) List() ([]*domain.Service, error) {
	args := m.Called()
	services, _ := args.Get(0).([]*domain.Service)
	return services, args.Error(1)
}

// MockSource implements git.Source for testing
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Sync(ctx context.Context, url, branch string, auth *domain.GitAuthConfig, dir string) (string, error) {
	args := m.Called(ctx, url, branch, auth, dir)
	return args.String(0), args.Error(1)
}

func (m *MockSource) RemoteCommit(ctx context.Context, url, branch string, auth *domain.GitAuthConfig) (string, error) {
	args := m.Called(ctx, url, branch, auth)
	return args.String(0), args.Error(1)
}

// MockDeployer implements Deployer for testing
type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error) {
	args := m.Called(ctx, name, trigger)
	d, _ := args.Get(0).(*domain.Deploy)
	return d, args.Error(1)
}

// Helper function to create a test service
func createTestService(name string, autoDeploy bool, lastCommit string) *domain.Service {
	s := domain.NewService(name, "nodejs")
	s.ID = uuid.New()
	s.Source = domain.Source{Kind: domain.SourceGit, URL: "https://github.com/test/" + name + ".git", Branch: "main"}
	s.AutoDeploy = autoDeploy
	if lastCommit != "" {
		s.LastCommit = &lastCommit
	}
	return &s
}

func newTestWatcher() (*WatcherService, *MockServiceLister, *MockSource, *MockDeployer) {
	services := &MockServiceLister{}
	source := &MockSource{}
	deployer := &MockDeployer{}
	return NewWatcherService(services, source, deployer, time.Minute), services, source, deployer
}

func TestNewWatcherService(t *testing.T) {
	w, services, source, deployer := newTestWatcher()

	assert.NotNil(t, w)
	assert.Equal(t, services, w.services)
	assert.Equal(t, source, w.source)
	assert.Equal(t, deployer, w.deployer)
	assert.Equal(t, time.Minute, w.pollInterval)
}

func TestWatcherService_Start_ContextCancellation(t *testing.T) {
	services := &MockServiceLister{}
	services.On("List").Return([]*domain.Service{}, nil)
	w := NewWatcherService(services, &MockSource{}, &MockDeployer{}, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	assert.NoError(t, w.Start(ctx))
	services.AssertExpectations(t)
}

func TestWatcherService_checkAllServices_ListError(t *testing.T) {
	w, services, _, _ := newTestWatcher()
	services.On("List").Return(nil, errors.New("database is locked"))

	err := w.checkAllServices(context.Background())
	assert.ErrorContains(t, err, "failed to list services")
}

func TestWatcherService_checkAllServices_OnlyAutoDeployGit(t *testing.T) {
	w, services, source, deployer := newTestWatcher()

	watched := createTestService("watched", true, "commit1")
	unwatched := createTestService("unwatched", false, "commit2")
	pathSvc := createTestService("local", true, "")
	pathSvc.Source = domain.Source{Kind: domain.SourcePath, Path: "/srv/local"}

	services.On("List").Return([]*domain.Service{watched, unwatched, pathSvc}, nil)
	source.On("RemoteCommit", mock.Anything, watched.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("commit1", nil)

	assert.NoError(t, w.checkAllServices(context.Background()))

	services.AssertExpectations(t)
	source.AssertExpectations(t)
	source.AssertNumberOfCalls(t, "RemoteCommit", 1)
	deployer.AssertNotCalled(t, "Up")
}

func TestWatcherService_checkService_NewCommit(t *testing.T) {
	w, _, source, deployer := newTestWatcher()
	svc := createTestService("api", true, "commit1")

	source.On("RemoteCommit", mock.Anything, svc.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("commit2", nil)
	deployer.On("Up", mock.Anything, "api", domain.TriggerGit).
		Return(&domain.Deploy{ID: 7, ServiceName: "api"}, nil).Once()

	assert.NoError(t, w.checkService(context.Background(), svc))
	// the deploy has not recorded commit2 yet; no second deploy for the same commit
	assert.NoError(t, w.checkService(context.Background(), svc))

	deployer.AssertExpectations(t)
	deployer.AssertNumberOfCalls(t, "Up", 1)
}

func TestWatcherService_checkService_FirstDeploy(t *testing.T) {
	w, _, source, deployer := newTestWatcher()
	svc := createTestService("api", true, "")

	source.On("RemoteCommit", mock.Anything, svc.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("commit1", nil)
	deployer.On("Up", mock.Anything, "api", domain.TriggerGit).
		Return(&domain.Deploy{ID: 1, ServiceName: "api"}, nil)

	assert.NoError(t, w.checkService(context.Background(), svc))
	deployer.AssertExpectations(t)
}

func TestWatcherService_checkService_RetriesAfterFailedQueue(t *testing.T) {
	w, _, source, deployer := newTestWatcher()
	svc := createTestService("api", true, "commit1")

	source.On("RemoteCommit", mock.Anything, svc.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("commit2", nil)
	deployer.On("Up", mock.Anything, "api", domain.TriggerGit).
		Return(nil, domain.ErrValidation).Once()
	deployer.On("Up", mock.Anything, "api", domain.TriggerGit).
		Return(&domain.Deploy{ID: 2, ServiceName: "api"}, nil).Once()

	err := w.checkService(context.Background(), svc)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.NoError(t, w.checkService(context.Background(), svc))
	deployer.AssertNumberOfCalls(t, "Up", 2)
}

func TestWatcherService_checkService_RemoteError(t *testing.T) {
	w, _, source, deployer := newTestWatcher()
	svc := createTestService("api", true, "commit1")

	source.On("RemoteCommit", mock.Anything, svc.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("", errors.New("authentication required"))

	err := w.checkService(context.Background(), svc)
	assert.ErrorContains(t, err, "failed to get remote commit")
	deployer.AssertNotCalled(t, "Up")
}

func TestWatcherService_checkService_ClearsTriggerOnceDeployed(t *testing.T) {
	w, _, source, deployer := newTestWatcher()
	svc := createTestService("api", true, "commit1")

	source.On("RemoteCommit", mock.Anything, svc.Source.URL, "main", (*domain.GitAuthConfig)(nil)).
		Return("commit2", nil)
	deployer.On("Up", mock.Anything, "api", domain.TriggerGit).
		Return(&domain.Deploy{ID: 3, ServiceName: "api"}, nil)

	assert.NoError(t, w.checkService(context.Background(), svc))
	assert.Equal(t, "commit2", w.triggered[svc.ID])

	deployed := "commit2"
	svc.LastCommit = &deployed
	assert.NoError(t, w.checkService(context.Background(), svc))
	assert.NotContains(t, w.triggered, svc.ID)
}
