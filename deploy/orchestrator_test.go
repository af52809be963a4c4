package deploy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/depker/depker/config"
	"github.com/depker/depker/db"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/encryption"
	"github.com/depker/depker/events"
	"github.com/depker/depker/metrics"
	"github.com/depker/depker/repository"
	"github.com/depker/depker/testing/fixtures"
	"github.com/depker/depker/testing/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type fakeProxy struct {
	mu    sync.Mutex
	calls [][]repository.ProxyPort
	err   error
}

func (p *fakeProxy) EnsurePorts(_ context.Context, ports []repository.ProxyPort) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ports)
	return true, p.err
}

type fakeSource struct {
	files  []fixtures.RepoFile
	commit string
	syncs  atomic.Int32
}

func (s *fakeSource) Sync(_ context.Context, _, _ string, _ *domain.GitAuthConfig, dir string) (string, error) {
	s.syncs.Add(1)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := fixtures.WriteTree(dir, s.files); err != nil {
		return "", err
	}
	return s.commit, nil
}

func (s *fakeSource) RemoteCommit(_ context.Context, _, _ string, _ *domain.GitAuthConfig) (string, error) {
	return s.commit, nil
}

type testEnv struct {
	orch     *Orchestrator
	runtime  *mocks.FakeRuntime
	services repository.ServiceRepository
	deploys  repository.DeployRepository
	settings repository.SettingRepository
	proxy    *fakeProxy
	source   *fakeSource
	metrics  *metrics.Metrics
	cfg      *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	enc, err := encryption.NewEncryptionService(key)
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:            dir,
		TmpDir:             filepath.Join(dir, "tmp"),
		WorkspaceDir:       filepath.Join(dir, "workspace"),
		StorageDir:         filepath.Join(dir, "storage"),
		BuildpacksDir:      filepath.Join(dir, "buildpacks"),
		Network:            "depker",
		HealthPollInterval: time.Millisecond,
		HealthPollLimit:    20,
		PurgeEnabled:       true,
	}

	var tick atomic.Int64
	env := &testEnv{
		runtime:  mocks.NewFakeRuntime(),
		services: repository.NewServiceRepository(database, enc),
		deploys:  repository.NewDeployRepository(database),
		settings: repository.NewSettingRepository(database),
		proxy:    &fakeProxy{},
		source:   &fakeSource{commit: "0123456789abcdef"},
		metrics:  metrics.New(),
		cfg:      cfg,
	}

	env.orch, err = New(Dependencies{
		Runtime:  env.runtime,
		Services: env.services,
		Deploys:  env.deploys,
		Settings: env.settings,
		Proxy:    env.proxy,
		Git:      env.source,
		Config:   cfg,
		Metrics:  env.metrics,
		Now:      func() time.Time { return time.Unix(1700000000+tick.Add(1), 0) },
	})
	require.NoError(t, err)
	t.Cleanup(env.orch.Shutdown)
	return env
}

func (e *testEnv) imageService(t *testing.T, name string, mutate ...func(*domain.Service)) *domain.Service {
	t.Helper()
	svc := domain.NewService(name, domain.ImageBuildpack)
	svc.Source = domain.Source{Kind: domain.SourceImage, Image: "nginx:1.27"}
	svc.Routing = domain.Routing{Domain: []string{name + ".example.com"}}
	for _, m := range mutate {
		m(&svc)
	}
	saved, err := e.services.Save(&svc)
	require.NoError(t, err)
	return saved
}

func (e *testEnv) run(t *testing.T, svc *domain.Service) *domain.Deploy {
	t.Helper()
	d := domain.NewDeploy(svc, domain.TriggerManual)
	require.NoError(t, e.deploys.Create(&d))
	_ = e.orch.Run(context.Background(), d.ID)
	return e.reload(t, d.ID)
}

func (e *testEnv) reload(t *testing.T, id uint) *domain.Deploy {
	t.Helper()
	d, err := e.deploys.FindByID(id)
	require.NoError(t, err)
	return d
}

func (e *testEnv) logText(t *testing.T, id uint) string {
	t.Helper()
	lines, err := e.orch.Logs(id, time.Time{}, 0)
	require.NoError(t, err)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func (e *testEnv) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func recordEvents(bus *events.Bus) func() []string {
	var mu sync.Mutex
	var seen []string
	for _, kind := range events.Kinds() {
		bus.On(kind, func(_ context.Context, _ events.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, kind.String())
			return nil
		})
	}
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestRunFirstDeploy(t *testing.T) {
	env := newTestEnv(t)
	seen := recordEvents(env.orch.Bus())

	var dockerfile string
	env.runtime.BuildFunc = func(opts docker.BuildOptions) ([]string, error) {
		data, err := os.ReadFile(opts.Dockerfile)
		dockerfile = string(data)
		return []string{"#1 [1/1] FROM nginx:1.27", "#2 DONE"}, err
	}

	svc := env.imageService(t, "web")
	d := env.run(t, svc)

	assert.Equal(t, domain.DeployStatusSuccess, d.Status)
	assert.Equal(t, "nginx:1.27", d.Target)
	assert.Equal(t, "FROM nginx:1.27\n", dockerfile)
	assert.Equal(t, []string{"pre-build", "post-build", "pre-start", "post-start", "purge", "success"}, seen())

	live := env.runtime.Container("web")
	require.NotNil(t, live)
	assert.True(t, live.Running)
	assert.Equal(t, "web:1", live.Spec.Image)
	assert.Equal(t, "1", live.Spec.Labels[docker.LabelID])
	assert.Equal(t, "Host(`web.example.com`)", live.Spec.Labels["traefik.http.routers.web-1.rule"])
	assert.Len(t, env.runtime.Containers(), 1)
	assert.Equal(t, 1, env.runtime.MaxHolders("web"))
	assert.True(t, env.runtime.HasNetwork("depker"))

	text := env.logText(t, d.ID)
	assert.Contains(t, text, "#1 [1/1] FROM nginx:1.27\n#2 DONE\n")
	assert.Contains(t, text, "Container web is live")

	assert.Contains(t, env.scrape(t), `depker_deploys_total{service="web",status="success"} 1`)
}

func TestRunSwapsAndPurges(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")

	first := env.run(t, svc)
	require.Equal(t, domain.DeployStatusSuccess, first.Status)
	firstID := env.runtime.Container("web").ID

	second := env.run(t, svc)
	require.Equal(t, domain.DeployStatusSuccess, second.Status)

	containers := env.runtime.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, "web", containers[0].Name)
	assert.Equal(t, "2", containers[0].Spec.Labels[docker.LabelID])
	assert.Contains(t, env.runtime.Removed, firstID)
	assert.Equal(t, 1, env.runtime.MaxHolders("web"))

	// the previous container leaves the bare name before the replacement takes it
	var retired, promoted = -1, -1
	for i, ev := range env.runtime.NameEvents {
		if ev.ID == firstID && ev.From == "web" {
			retired = i
			assert.True(t, strings.HasSuffix(ev.To, "-old"), ev.To)
		}
		if ev.ID == containers[0].ID && ev.To == "web" {
			promoted = i
		}
	}
	require.NotEqual(t, -1, retired)
	assert.Less(t, retired, promoted)

	env.orch.Shutdown()
	assert.Equal(t, 2, env.runtime.Prunes)
}

func TestPurgeSkipsWhenSettingDisabled(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.settings.Set(db.SettingPurge, "false"))

	d := env.run(t, env.imageService(t, "web"))
	require.Equal(t, domain.DeployStatusSuccess, d.Status)

	env.orch.Shutdown()
	assert.Equal(t, 0, env.runtime.Prunes)
}

func TestPurgeKeepsLiveAndCurrentAndToleratesFailures(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")

	stale := env.runtime.AddRunning("web-1699999990-old", map[string]string{docker.LabelName: "web", docker.LabelID: "90"})
	stuck := env.runtime.AddRunning("web-91-1699999991", map[string]string{docker.LabelName: "web", docker.LabelID: "91"})
	other := env.runtime.AddRunning("api", map[string]string{docker.LabelName: "api", docker.LabelID: "3"})
	env.runtime.RemoveFunc = func(c *mocks.FakeContainer) error {
		if c.ID == stuck {
			return errors.New("device busy")
		}
		return nil
	}

	d := env.run(t, svc)
	require.Equal(t, domain.DeployStatusSuccess, d.Status)

	assert.Nil(t, env.runtime.ByID(stale))
	assert.NotNil(t, env.runtime.ByID(stuck))
	assert.NotNil(t, env.runtime.ByID(other))
	assert.NotNil(t, env.runtime.Container("web"))
	assert.Contains(t, env.logText(t, d.ID), "device busy")
}

func TestRunHealthFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	seen := recordEvents(env.orch.Bus())

	svc := env.imageService(t, "web", func(s *domain.Service) {
		s.Process.Healthcheck = &domain.Healthcheck{Commands: []string{"curl -f localhost"}}
	})
	previous := env.runtime.AddRunning("web", map[string]string{docker.LabelName: "web", docker.LabelID: "0"})
	env.runtime.HealthFunc = func(c *mocks.FakeContainer) string {
		if c.Inspects > 1 {
			return "unhealthy"
		}
		return "starting"
	}

	d := env.run(t, svc)
	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Equal(t, []string{"pre-build", "post-build", "pre-start", "failure"}, seen())

	live := env.runtime.Container("web")
	require.NotNil(t, live)
	assert.Equal(t, previous, live.ID)
	assert.True(t, live.Running)
	assert.Equal(t, 0, live.Restarts)

	containers := env.runtime.Containers()
	require.Len(t, containers, 2)
	failed := containers[1]
	assert.True(t, strings.HasPrefix(failed.Name, "web-1-"), failed.Name)
	assert.False(t, failed.Running)
	assert.Equal(t, 1, env.runtime.MaxHolders("web"))

	text := env.logText(t, d.ID)
	assert.Contains(t, text, "Start failed")
	assert.Contains(t, text, "container is unhealthy")
	assert.Contains(t, text, "Previous container web is still running")
}

func TestRunHealthFailureStartsStoppedPrevious(t *testing.T) {
	env := newTestEnv(t)

	svc := env.imageService(t, "web", func(s *domain.Service) {
		s.Process.Healthcheck = &domain.Healthcheck{Commands: []string{"curl -f localhost"}}
	})
	previous := env.runtime.AddRunning("web", map[string]string{docker.LabelName: "web", docker.LabelID: "0"})
	require.NoError(t, env.runtime.StopContainer(context.Background(), previous))
	env.runtime.HealthFunc = func(c *mocks.FakeContainer) string {
		if c.Inspects > 1 {
			return "unhealthy"
		}
		return "starting"
	}

	d := env.run(t, svc)
	assert.Equal(t, domain.DeployStatusFailed, d.Status)

	live := env.runtime.Container("web")
	require.NotNil(t, live)
	assert.Equal(t, previous, live.ID)
	assert.True(t, live.Running)
	assert.Equal(t, 0, live.Restarts)

	text := env.logText(t, d.ID)
	assert.Contains(t, text, "Starting previous container web")
	assert.Contains(t, text, "Previous container web started")
}

func TestRunPassesAllBuildArgs(t *testing.T) {
	env := newTestEnv(t)

	svc := env.imageService(t, "web", func(s *domain.Service) {
		s.BuildArgs = domain.ValueMap{
			"VERSION": {Value: "1.2.3"},
			"TOKEN":   {Value: "x", OnBuild: true},
		}
	})

	d := env.run(t, svc)
	assert.Equal(t, domain.DeployStatusSuccess, d.Status)
	require.Len(t, env.runtime.Builds, 1)
	assert.Equal(t, "1.2.3", env.runtime.Builds[0].BuildArgs["VERSION"])
	assert.Equal(t, "x", env.runtime.Builds[0].BuildArgs["TOKEN"])
}

func TestRunHealthTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.HealthPollLimit = 3
	env.runtime.HealthFunc = func(*mocks.FakeContainer) string { return "starting" }

	svc := env.imageService(t, "web", func(s *domain.Service) {
		s.Process.Healthcheck = &domain.Healthcheck{Commands: []string{"true"}}
	})
	d := env.run(t, svc)

	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Contains(t, env.logText(t, d.ID), "health check timed out")
	assert.Nil(t, env.runtime.Container("web"))
}

func TestRunStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.StartFunc = func(*mocks.FakeContainer) error { return errors.New("port already allocated") }

	d := env.run(t, env.imageService(t, "web"))
	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Contains(t, env.logText(t, d.ID), "port already allocated")
}

func TestRunBuildFailure(t *testing.T) {
	env := newTestEnv(t)
	seen := recordEvents(env.orch.Bus())
	env.runtime.BuildFunc = func(docker.BuildOptions) ([]string, error) {
		return []string{"#3 ERROR: failed to solve"}, errors.New("exit status 1")
	}

	d := env.run(t, env.imageService(t, "web"))
	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Equal(t, domain.PhaseNone, d.Phase)
	assert.Equal(t, []string{"pre-build", "failure"}, seen())
	assert.Empty(t, env.runtime.Containers())

	text := env.logText(t, d.ID)
	assert.Contains(t, text, "#3 ERROR: failed to solve")
	assert.Contains(t, text, "Build failed")
	assert.Contains(t, env.scrape(t), `depker_deploys_total{service="web",status="failed"} 1`)
}

func TestRunGitSource(t *testing.T) {
	env := newTestEnv(t)
	env.source.files = []fixtures.RepoFile{
		{Path: "Dockerfile", Content: "FROM alpine:3.20\nCMD [\"sleep\", \"infinity\"]\n"},
		{Path: ".depkerignore", Content: "notes.txt\n"},
		{Path: "notes.txt", Content: "private"},
	}

	var dockerfile string
	var notesCopied bool
	env.runtime.BuildFunc = func(opts docker.BuildOptions) ([]string, error) {
		data, err := os.ReadFile(opts.Dockerfile)
		dockerfile = string(data)
		_, statErr := os.Stat(filepath.Join(opts.ContextDir, "notes.txt"))
		notesCopied = statErr == nil
		return nil, err
	}

	svc := domain.NewService("worker", "dockerfile")
	svc.Source = domain.Source{Kind: domain.SourceGit, URL: "https://example.com/worker.git", Branch: "main"}
	saved, err := env.services.Save(&svc)
	require.NoError(t, err)

	d := env.run(t, saved)
	require.Equal(t, domain.DeployStatusSuccess, d.Status)
	assert.Equal(t, "0123456789abcdef", d.Target)
	assert.Equal(t, "FROM alpine:3.20\nCMD [\"sleep\", \"infinity\"]\n", dockerfile)
	assert.False(t, notesCopied)
	assert.Equal(t, int32(1), env.source.syncs.Load())

	stored, err := env.services.FindByName("worker")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", stored.LastCommitStr())

	live := env.runtime.Container("worker")
	require.NotNil(t, live)
	assert.Contains(t, live.Spec.Env, "DEPKER_COMMIT=0123456789abcdef")
}

func TestRunUnknownBuildpack(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	require.NoError(t, fixtures.WriteTree(dir, []fixtures.RepoFile{{Path: "main.go", Content: "package main"}}))

	svc := domain.NewService("api", "golang")
	svc.Source = domain.Source{Kind: domain.SourcePath, Path: dir}
	saved, err := env.services.Save(&svc)
	require.NoError(t, err)

	d := env.run(t, saved)
	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Contains(t, env.logText(t, d.ID), "Build failed")
	assert.Empty(t, env.runtime.Builds)
}

func TestRunPublishesProxyPorts(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "db", func(s *domain.Service) {
		s.Routing = domain.Routing{}
		s.Ports = []domain.Port{{Proto: "tcp", HostPort: 15432, ContainerPort: 5432}}
		s.Networks = map[string]string{"backend": ""}
	})

	d := env.run(t, svc)
	require.Equal(t, domain.DeployStatusSuccess, d.Status)
	assert.Equal(t, [][]repository.ProxyPort{{{Proto: "tcp", Port: 15432}}}, env.proxy.calls)

	live := env.runtime.Container("db")
	require.NotNil(t, live)
	assert.Equal(t, []string{"depker", "backend"}, live.Networks)
	assert.Equal(t, "tcp15432", live.Spec.Labels["traefik.tcp.routers.db-1-tcp-5432.entrypoints"])
}

func TestRunProxyFailure(t *testing.T) {
	env := newTestEnv(t)
	env.proxy.err = errors.New("proxy unavailable")
	svc := env.imageService(t, "db", func(s *domain.Service) {
		s.Ports = []domain.Port{{Proto: "udp", HostPort: 53, ContainerPort: 53}}
	})

	d := env.run(t, svc)
	assert.Equal(t, domain.DeployStatusFailed, d.Status)
	assert.Empty(t, env.runtime.Containers())
	assert.Contains(t, env.logText(t, d.ID), "proxy unavailable")
}

func TestRunJobDefaultsToNoRestart(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "backup", func(s *domain.Service) {
		s.Type = domain.ServiceTypeJob
		s.Cron = "0 3 * * *"
		s.Routing = domain.Routing{}
		s.Process.Restart = ""
	})

	d := env.run(t, svc)
	require.Equal(t, domain.DeployStatusSuccess, d.Status)
	live := env.runtime.Container("backup")
	require.NotNil(t, live)
	assert.Equal(t, "no", live.Spec.Restart.Name)
}

func TestHookFailures(t *testing.T) {
	t.Run("pre-start aborts before any container exists", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.Bus().On(events.PreStart, func(context.Context, events.Payload) error {
			return errors.New("migrations failed")
		})

		d := env.run(t, env.imageService(t, "web"))
		assert.Equal(t, domain.DeployStatusFailed, d.Status)
		assert.Empty(t, env.runtime.Containers())
		assert.Contains(t, env.logText(t, d.ID), "pre-start hook: migrations failed")
	})

	t.Run("post-start fails the deploy but keeps the swap", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.Bus().On(events.PostStart, func(_ context.Context, p events.Payload) error {
			assert.NotEmpty(t, p.Container)
			assert.Equal(t, "web:1", p.Image)
			return errors.New("smoke test failed")
		})

		d := env.run(t, env.imageService(t, "web"))
		assert.Equal(t, domain.DeployStatusFailed, d.Status)
		live := env.runtime.Container("web")
		require.NotNil(t, live)
		assert.Equal(t, "1", live.Spec.Labels[docker.LabelID])
	})

	t.Run("failure hook errors are only logged", func(t *testing.T) {
		env := newTestEnv(t)
		env.runtime.BuildFunc = func(docker.BuildOptions) ([]string, error) { return nil, errors.New("boom") }
		env.orch.Bus().On(events.Failure, func(context.Context, events.Payload) error {
			return errors.New("notify failed")
		})

		d := env.run(t, env.imageService(t, "web"))
		assert.Equal(t, domain.DeployStatusFailed, d.Status)
		assert.Contains(t, env.logText(t, d.ID), "failure hook: notify failed")
	})
}

func TestCancel(t *testing.T) {
	t.Run("queued deploy is skipped", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.imageService(t, "web")
		d := domain.NewDeploy(svc, domain.TriggerManual)
		require.NoError(t, env.deploys.Create(&d))

		cancelled, err := env.orch.Cancel(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DeployStatusFailed, cancelled.Status)

		require.NoError(t, env.orch.Run(context.Background(), d.ID))
		assert.Empty(t, env.runtime.Builds)

		_, err = env.orch.Cancel(context.Background(), d.ID)
		assert.ErrorIs(t, err, ErrNotCancellable)
	})

	t.Run("running deploy stops at the next phase", func(t *testing.T) {
		env := newTestEnv(t)
		svc := env.imageService(t, "web")
		env.runtime.BuildFunc = func(docker.BuildOptions) ([]string, error) {
			running, err := env.deploys.ListByStatus(domain.DeployStatusRunning)
			if err != nil || len(running) != 1 {
				return nil, errors.New("expected one running deploy")
			}
			_, err = env.orch.Cancel(context.Background(), running[0].ID)
			return nil, err
		}

		d := env.run(t, svc)
		assert.Equal(t, domain.DeployStatusFailed, d.Status)
		assert.Len(t, env.runtime.Builds, 1)
		assert.Empty(t, env.runtime.Containers())
		assert.Contains(t, env.logText(t, d.ID), "deploy cancelled before starting")
	})

	t.Run("cancel after the swap is not reverted", func(t *testing.T) {
		env := newTestEnv(t)
		env.orch.Bus().On(events.PostStart, func(_ context.Context, p events.Payload) error {
			_, err := env.orch.Cancel(context.Background(), p.Deploy.ID)
			return err
		})

		d := env.run(t, env.imageService(t, "web"))
		assert.Equal(t, domain.DeployStatusFailed, d.Status)
		assert.NotNil(t, env.runtime.Container("web"))
		assert.Contains(t, env.logText(t, d.ID), "success not recorded")
	})

	t.Run("unknown deploy", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.orch.Cancel(context.Background(), 404)
		assert.ErrorIs(t, err, domain.ErrDeployNotFound)
	})
}

func TestUpSerialisesDeploysPerService(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	env.orch.Bus().On(events.PreBuild, func(context.Context, events.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		inFlight++
		maxInFlight = max(maxInFlight, inFlight)
		return nil
	})
	done := func(context.Context, events.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		inFlight--
		return nil
	}
	env.orch.Bus().On(events.Success, done)
	env.orch.Bus().On(events.Failure, done)
	env.runtime.BuildFunc = func(docker.BuildOptions) ([]string, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	var ids []uint
	for range 3 {
		d, err := env.orch.Up(context.Background(), svc.Name, domain.TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, domain.DeployStatusQueued, d.Status)
		ids = append(ids, d.ID)
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			d, err := env.deploys.FindByID(id)
			if err != nil || !d.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		assert.Equal(t, domain.DeployStatusSuccess, env.reload(t, id).Status)
	}
	mu.Lock()
	assert.Equal(t, 1, maxInFlight)
	mu.Unlock()

	live := env.runtime.Container("web")
	require.NotNil(t, live)
	assert.Equal(t, "3", live.Spec.Labels[docker.LabelID])
	assert.Len(t, env.runtime.Containers(), 1)
	assert.Equal(t, 1, env.runtime.MaxHolders("web"))
}

func TestUpErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Up(context.Background(), "missing", domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)

	svc := env.imageService(t, "web", func(s *domain.Service) { s.Source.Image = "" })
	_, err = env.orch.Up(context.Background(), svc.Name, domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrValidation)

	deploys, err := env.deploys.ListByService(svc.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, deploys)

	env.orch.Shutdown()
	_, err = env.orch.Up(context.Background(), env.imageService(t, "api").Name, domain.TriggerManual)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestDownRemovesContainersAndEmitsTeardown(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")
	require.Equal(t, domain.DeployStatusSuccess, env.run(t, svc).Status)
	env.runtime.AddRunning("web-1-1699999999", map[string]string{docker.LabelName: "web", docker.LabelID: "1"})
	env.runtime.AddRunning("api", map[string]string{docker.LabelName: "api", docker.LabelID: "1"})

	var teardown atomic.Int32
	env.orch.Bus().On(events.Teardown, func(_ context.Context, p events.Payload) error {
		assert.Equal(t, "web", p.Service.Name)
		teardown.Add(1)
		return nil
	})

	require.NoError(t, env.orch.Down(context.Background(), "web"))
	assert.Equal(t, int32(1), teardown.Load())

	containers, err := env.orch.Containers(context.Background(), "web")
	require.NoError(t, err)
	assert.Empty(t, containers)
	assert.NotNil(t, env.runtime.Container("api"))

	current, err := env.orch.Current(context.Background(), "web")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRemoveDeletesServiceAndWorkspace(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")
	workspace := env.orch.workspaceDir(svc)
	require.NoError(t, os.MkdirAll(workspace, 0o755))

	require.NoError(t, env.orch.Remove(context.Background(), "web"))
	assert.NoDirExists(t, workspace)

	_, err := env.services.FindByName("web")
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")

	err := env.orch.Restart(context.Background(), svc.Name)
	assert.ErrorIs(t, err, ErrNoLiveContainer)

	require.Equal(t, domain.DeployStatusSuccess, env.run(t, svc).Status)
	require.NoError(t, env.orch.Restart(context.Background(), svc.Name))
	assert.Equal(t, 1, env.runtime.Container("web").Restarts)
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t)
	svc := env.imageService(t, "web")

	interrupted := domain.NewDeploy(svc, domain.TriggerManual)
	require.NoError(t, env.deploys.Create(&interrupted))
	_, err := env.deploys.UpdateStatus(interrupted.ID, domain.DeployStatusRunning)
	require.NoError(t, err)

	waiting := domain.NewDeploy(svc, domain.TriggerSchedule)
	require.NoError(t, env.deploys.Create(&waiting))

	require.NoError(t, env.orch.Recover(context.Background()))

	assert.Equal(t, domain.DeployStatusFailed, env.reload(t, interrupted.ID).Status)
	assert.Contains(t, env.logText(t, interrupted.ID), "interrupted")
	assert.Eventually(t, func() bool {
		return env.reload(t, waiting.ID).Status == domain.DeployStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLogsTail(t *testing.T) {
	env := newTestEnv(t)
	d := env.run(t, env.imageService(t, "web"))

	all, err := env.orch.Logs(d.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Greater(t, len(all), 2)

	tail, err := env.orch.Logs(d.ID, time.Time{}, 2)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-2:], tail)

	_, err = env.orch.Logs(999, time.Time{}, 0)
	assert.ErrorIs(t, err, domain.ErrDeployNotFound)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}
