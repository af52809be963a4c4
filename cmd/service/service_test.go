package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/depker/depker/app"
	"github.com/depker/depker/cmd/output"
	"github.com/depker/depker/db"
	"github.com/depker/depker/deploy"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/encryption"
	"github.com/depker/depker/repository"
	"github.com/depker/depker/testing/mocks"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type cliEnv struct {
	orch     *mocks.MockOrchestrator
	services repository.ServiceRepository
	deploys  repository.DeployRepository
}

func setupApp(t *testing.T) *cliEnv {
	t.Helper()

	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.NewEncryptionService(key)
	require.NoError(t, err)

	env := &cliEnv{
		orch:     &mocks.MockOrchestrator{},
		services: repository.NewServiceRepository(database, enc),
		deploys:  repository.NewDeployRepository(database),
	}
	app.SetRepositoriesForTesting(env.services, env.deploys, repository.NewSettingRepository(database))
	app.SetOrchestratorForTesting(env.orch)
	output.InitColors(true)
	pollInterval = time.Millisecond
	return env
}

func (e *cliEnv) saveService(t *testing.T, name string) *domain.Service {
	t.Helper()
	svc := domain.NewService(name, domain.ImageBuildpack)
	svc.Source = domain.Source{Kind: domain.SourceImage, Image: "nginx:1.27"}
	saved, err := e.services.Save(&svc)
	require.NoError(t, err)
	return saved
}

// finishedDeploy stores a deploy that already ran to status, with one log line per text
func (e *cliEnv) finishedDeploy(t *testing.T, svc *domain.Service, status domain.DeployStatus, texts ...string) *domain.Deploy {
	t.Helper()
	d := domain.NewDeploy(svc, domain.TriggerManual)
	require.NoError(t, e.deploys.Create(&d))
	for _, text := range texts {
		require.NoError(t, e.deploys.AppendLog(d.ID, domain.LogInfo, text))
	}
	if status != domain.DeployStatusQueued {
		_, err := e.deploys.UpdateStatus(d.ID, domain.DeployStatusRunning)
		require.NoError(t, err)
		if status != domain.DeployStatusRunning {
			_, err = e.deploys.UpdateStatus(d.ID, status)
			require.NoError(t, err)
		}
	}
	stored, err := e.deploys.FindByID(d.ID)
	require.NoError(t, err)
	return stored
}

func execute(cmd *cobra.Command, stdin string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestNewCmdService(t *testing.T) {
	cmd := NewCmdService()
	assert.Equal(t, "service", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, expected := range []string{"apply", "list", "show", "remove", "up", "down", "restart", "deploys", "logs", "cancel"} {
		assert.Contains(t, names, expected)
	}
}

func TestServiceApply(t *testing.T) {
	t.Run("stores the manifest", func(t *testing.T) {
		env := setupApp(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "depker.yml"),
			[]byte("name: web\nbuildpack: nodejs\nrouting:\n  domain: [web.example.com]\n"), 0o644))

		stdout, _, err := execute(NewCmdServiceApply(), "", dir)
		require.NoError(t, err)
		assert.Contains(t, stdout, "Service 'web' saved")

		svc, err := env.services.FindByName("web")
		require.NoError(t, err)
		assert.Equal(t, dir, svc.Source.Path)
	})

	t.Run("up after apply", func(t *testing.T) {
		env := setupApp(t)
		var queued string
		env.orch.UpFunc = func(ctx context.Context, name string, trigger domain.Trigger) (*domain.Deploy, error) {
			queued = name
			svc, err := env.services.FindByName(name)
			require.NoError(t, err)
			return env.finishedDeploy(t, svc, domain.DeployStatusSuccess, "Pulling nginx:1.27"), nil
		}
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "depker.yml"),
			[]byte("name: db\nbuildpack: image\nsource:\n  image: nginx:1.27\n"), 0o644))

		stdout, _, err := execute(NewCmdServiceApply(), "", dir, "--up", "--quiet")
		require.NoError(t, err)
		assert.Equal(t, "db", queued)
		assert.Contains(t, stdout, "of 'db' queued")
		assert.Contains(t, stdout, "Service 'db' deployed")
		assert.NotContains(t, stdout, "Pulling nginx:1.27")
	})

	t.Run("invalid manifest is not stored", func(t *testing.T) {
		env := setupApp(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "depker.yml"), []byte("name: Bad Name\nbuildpack: nodejs\n"), 0o644))

		_, _, err := execute(NewCmdServiceApply(), "", dir)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrValidation))

		services, err := env.services.List()
		require.NoError(t, err)
		assert.Empty(t, services)
	})
}

func TestServiceList(t *testing.T) {
	env := setupApp(t)

	stdout, _, err := execute(NewCmdServiceList(), "")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No services found.")

	env.saveService(t, "web")
	stdout, _, err = execute(NewCmdServiceList(), "")
	require.NoError(t, err)
	assert.Contains(t, stdout, "web")
	assert.Contains(t, stdout, "nginx:1.27")
}

func TestServiceShow(t *testing.T) {
	env := setupApp(t)
	env.saveService(t, "web")
	env.orch.CurrentFunc = func(ctx context.Context, name string) (*docker.ContainerInfo, error) {
		return &docker.ContainerInfo{ID: "feedfacecafebeef", State: "running", Image: "nginx:1.27"}, nil
	}
	env.orch.PendingFunc = func(name string) []uint { return []uint{5, 6} }

	stdout, _, err := execute(NewCmdServiceShow(), "", "web")
	require.NoError(t, err)
	assert.Contains(t, stdout, "feedface running (nginx:1.27)")
	assert.Contains(t, stdout, "Queued deploys: [5 6]")

	_, _, err = execute(NewCmdServiceShow(), "", "missing")
	assert.True(t, errors.Is(err, domain.ErrServiceNotFound))
}

func TestServiceRemove(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		removed bool
	}{
		{name: "confirm flag", args: []string{"web", "--confirm"}, removed: true},
		{name: "typed name", args: []string{"web"}, stdin: "web\n", removed: true},
		{name: "wrong answer", args: []string{"web"}, stdin: "nope\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupApp(t)
			env.saveService(t, "web")
			removed := false
			env.orch.RemoveFunc = func(ctx context.Context, name string) error {
				removed = name == "web"
				return nil
			}

			stdout, _, err := execute(NewCmdServiceRemove(), tt.stdin, tt.args...)
			assert.Equal(t, tt.removed, removed)
			if tt.removed {
				require.NoError(t, err)
				assert.Contains(t, stdout, "Service 'web' removed")
			} else {
				assert.ErrorContains(t, err, "aborted")
			}
		})
	}
}

func TestServiceUp(t *testing.T) {
	t.Run("quiet", func(t *testing.T) {
		env := setupApp(t)
		svc := env.saveService(t, "web")
		var trigger domain.Trigger
		env.orch.UpFunc = func(ctx context.Context, name string, tr domain.Trigger) (*domain.Deploy, error) {
			trigger = tr
			return env.finishedDeploy(t, svc, domain.DeployStatusSuccess, "Container web is live"), nil
		}

		stdout, _, err := execute(NewCmdServiceUp(), "", "web", "-q")
		require.NoError(t, err)
		assert.Equal(t, domain.TriggerManual, trigger)
		assert.Contains(t, stdout, "of 'web' queued (target nginx:1.27)")
		assert.NotContains(t, stdout, "is live")
	})

	tests := []struct {
		name   string
		status domain.DeployStatus
		err    string
		output string
	}{
		{name: "waits for success", status: domain.DeployStatusSuccess, output: "Service 'web' deployed"},
		{name: "reports failure", status: domain.DeployStatusFailed, err: "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupApp(t)
			svc := env.saveService(t, "web")
			d := env.finishedDeploy(t, svc, tt.status, "Pulling nginx:1.27", "Container web is live")
			env.orch.UpFunc = func(ctx context.Context, name string, tr domain.Trigger) (*domain.Deploy, error) {
				return d, nil
			}

			stdout, _, err := execute(NewCmdServiceUp(), "", "web")
			assert.Contains(t, stdout, "Pulling nginx:1.27")
			assert.Contains(t, stdout, "Container web is live")
			if tt.err != "" {
				assert.ErrorContains(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, stdout, tt.output)
		})
	}

	t.Run("unknown service", func(t *testing.T) {
		env := setupApp(t)
		env.orch.UpFunc = func(ctx context.Context, name string, tr domain.Trigger) (*domain.Deploy, error) {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
		}
		_, _, err := execute(NewCmdServiceUp(), "", "nope")
		assert.True(t, errors.Is(err, domain.ErrServiceNotFound))
	})
}

func TestWaitForDeployStopsOnCancelledContext(t *testing.T) {
	env := setupApp(t)
	svc := env.saveService(t, "web")
	d := env.finishedDeploy(t, svc, domain.DeployStatusRunning, "Building web")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var lines []string
	got, err := waitForDeploy(ctx, d.ID, func(line domain.LogLine) { lines = append(lines, line.Text) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.DeployStatusRunning, got.Status)
	assert.Equal(t, []string{"Building web"}, lines)
}

func TestServiceDownAndRestart(t *testing.T) {
	env := setupApp(t)
	env.orch.RestartFunc = func(ctx context.Context, name string) error {
		return fmt.Errorf("%w: %s", deploy.ErrNoLiveContainer, name)
	}

	stdout, _, err := execute(NewCmdServiceDown(), "", "web")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Service 'web' is down")

	_, _, err = execute(NewCmdServiceRestart(), "", "web")
	assert.True(t, errors.Is(err, deploy.ErrNoLiveContainer))
}

func TestServiceDeploys(t *testing.T) {
	env := setupApp(t)
	svc := env.saveService(t, "web")
	env.finishedDeploy(t, svc, domain.DeployStatusSuccess)
	env.finishedDeploy(t, svc, domain.DeployStatusFailed)

	stdout, _, err := execute(NewCmdServiceDeploys(), "", "web", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "failed")
	assert.NotContains(t, stdout, "success")
}

func TestServiceLogs(t *testing.T) {
	env := setupApp(t)
	svc := env.saveService(t, "web")
	other := env.saveService(t, "other")
	first := env.finishedDeploy(t, svc, domain.DeployStatusSuccess, "first deploy")
	latest := env.finishedDeploy(t, svc, domain.DeployStatusFailed, "second deploy")
	foreign := env.finishedDeploy(t, other, domain.DeployStatusSuccess)

	var gotID uint
	var gotTail int
	var gotSince time.Time
	env.orch.LogsFunc = func(id uint, since time.Time, tail int) ([]domain.LogLine, error) {
		gotID, gotSince, gotTail = id, since, tail
		return env.deploys.Logs(id, since, tail)
	}

	stdout, _, err := execute(NewCmdServiceLogs(), "", "web")
	require.NoError(t, err)
	assert.Equal(t, latest.ID, gotID)
	assert.Contains(t, stdout, "second deploy")

	stdout, _, err = execute(NewCmdServiceLogs(), "", "web", fmt.Sprint(first.ID), "--tail", "3", "--since", "1h")
	require.NoError(t, err)
	assert.Equal(t, first.ID, gotID)
	assert.Equal(t, 3, gotTail)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), gotSince, time.Minute)
	assert.Contains(t, stdout, "first deploy")

	stdout, _, err = execute(NewCmdServiceLogs(), "", "web", fmt.Sprint(latest.ID), "--follow")
	require.NoError(t, err)
	assert.Contains(t, stdout, "second deploy")

	_, _, err = execute(NewCmdServiceLogs(), "", "web", fmt.Sprint(foreign.ID))
	assert.True(t, errors.Is(err, domain.ErrDeployNotFound))

	_, _, err = execute(NewCmdServiceLogs(), "", "web", "abc")
	assert.ErrorContains(t, err, "invalid deploy ID")

	_, _, err = execute(NewCmdServiceLogs(), "", "other")
	require.NoError(t, err)

	fresh := env.saveService(t, "fresh")
	_, _, err = execute(NewCmdServiceLogs(), "", fresh.Name)
	assert.ErrorContains(t, err, "never been deployed")
}

func TestServiceCancel(t *testing.T) {
	env := setupApp(t)
	svc := env.saveService(t, "web")
	d := env.finishedDeploy(t, svc, domain.DeployStatusQueued)

	var cancelled uint
	env.orch.CancelFunc = func(ctx context.Context, id uint) (*domain.Deploy, error) {
		cancelled = id
		return env.deploys.UpdateStatus(id, domain.DeployStatusFailed)
	}

	stdout, _, err := execute(NewCmdServiceCancel(), "", "web")
	require.NoError(t, err)
	assert.Equal(t, d.ID, cancelled)
	assert.Contains(t, stdout, fmt.Sprintf("Deploy %d of 'web' cancelled", d.ID))

	env.orch.CancelFunc = func(ctx context.Context, id uint) (*domain.Deploy, error) {
		return nil, deploy.ErrNotCancellable
	}
	_, _, err = execute(NewCmdServiceCancel(), "", "web", fmt.Sprint(d.ID))
	assert.True(t, errors.Is(err, deploy.ErrNotCancellable))
}
