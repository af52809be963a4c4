package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/depker/depker/db"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/encryption"
	"github.com/depker/depker/events"
	"github.com/depker/depker/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) Up(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error) {
	args := m.Called(ctx, name, trigger)
	d, _ := args.Get(0).(*domain.Deploy)
	return d, args.Error(1)
}

func setupServices(t *testing.T) repository.ServiceRepository {
	t.Helper()
	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.NewEncryptionService(key)
	require.NoError(t, err)
	return repository.NewServiceRepository(database, enc)
}

func jobService(name, spec string) *domain.Service {
	s := domain.NewService(name, domain.ImageBuildpack)
	s.Type = domain.ServiceTypeJob
	s.Source = domain.Source{Kind: domain.SourceImage, Image: "alpine:3.20"}
	s.Cron = spec
	s.Process.Restart = ""
	return &s
}

func TestSyncAll(t *testing.T) {
	services := setupServices(t)
	_, err := services.Save(jobService("backup", "0 3 * * *"))
	require.NoError(t, err)
	app := domain.NewService("web", domain.ImageBuildpack)
	app.Source = domain.Source{Kind: domain.SourceImage, Image: "nginx"}
	_, err = services.Save(&app)
	require.NoError(t, err)

	s := New(&MockDeployer{}, services)
	require.NoError(t, s.SyncAll())
	assert.Equal(t, map[string]string{"backup": "0 3 * * *"}, s.Entries())

	stored, err := services.FindByName("backup")
	require.NoError(t, err)
	require.NoError(t, services.Delete(stored.ID))
	require.NoError(t, s.SyncAll())
	assert.Empty(t, s.Entries())
}

func TestSyncReschedulesAndRemoves(t *testing.T) {
	s := New(&MockDeployer{}, setupServices(t))

	job := jobService("report", "*/5 * * * *")
	require.NoError(t, s.Sync(job))
	first := s.entries["report"].id

	require.NoError(t, s.Sync(job))
	assert.Equal(t, first, s.entries["report"].id)

	job.Cron = "@hourly"
	require.NoError(t, s.Sync(job))
	assert.NotEqual(t, first, s.entries["report"].id)
	assert.Len(t, s.cron.Entries(), 1)

	job.Type = domain.ServiceTypeApp
	require.NoError(t, s.Sync(job))
	assert.Empty(t, s.Entries())
	assert.Empty(t, s.cron.Entries())
}

func TestSyncRejectsBadExpression(t *testing.T) {
	s := New(&MockDeployer{}, setupServices(t))
	err := s.Sync(jobService("report", "every minute"))
	assert.Error(t, err)
	assert.Empty(t, s.Entries())
}

func TestTriggerQueuesScheduledDeploy(t *testing.T) {
	deployer := &MockDeployer{}
	deployer.On("Up", mock.Anything, "backup", domain.TriggerSchedule).
		Return(&domain.Deploy{ID: 4, ServiceName: "backup"}, nil).Once()
	deployer.On("Up", mock.Anything, "broken", domain.TriggerSchedule).
		Return(nil, domain.ErrValidation).Once()

	s := New(deployer, setupServices(t))
	require.NoError(t, s.Sync(jobService("backup", "0 3 * * *")))
	require.NoError(t, s.Sync(jobService("broken", "0 4 * * *")))

	s.cron.Entry(s.entries["backup"].id).Job.Run()
	assert.NotPanics(t, func() { s.cron.Entry(s.entries["broken"].id).Job.Run() })

	deployer.AssertExpectations(t)
}

func TestStartAndNext(t *testing.T) {
	services := setupServices(t)
	_, err := services.Save(jobService("backup", "0 3 * * *"))
	require.NoError(t, err)

	s := New(&MockDeployer{}, services)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	next, ok := s.Next("backup")
	require.True(t, ok)
	assert.Equal(t, 3, next.Hour())

	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestTeardownRemovesSchedule(t *testing.T) {
	s := New(&MockDeployer{}, setupServices(t))
	bus := events.NewBus()
	s.Attach(bus)

	job := jobService("backup", "0 3 * * *")
	require.NoError(t, s.Sync(job))
	require.NoError(t, bus.Emit(context.Background(), events.Teardown, events.Payload{Service: job}))
	assert.Empty(t, s.Entries())
}

func TestStartFailsWhenServicesUnavailable(t *testing.T) {
	s := New(&MockDeployer{}, failingServices{})
	assert.Error(t, s.Start(context.Background()))
}

type failingServices struct {
	repository.ServiceRepository
}

func (failingServices) List() ([]*domain.Service, error) {
	return nil, errors.New("database is locked")
}
