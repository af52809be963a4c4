package proxy

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/depker/depker/config"
	"github.com/depker/depker/db"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/repository"
	"github.com/depker/depker/testing/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) (*Manager, *mocks.FakeRuntime, *config.Config) {
	t.Helper()

	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Network: "depker",
		Proxy: config.ProxyConfig{
			Image:         "traefik:v3.1",
			ContainerName: "depker-traefik",
			ACMEEmail:     "ops@example.com",
			ACMEChallenge: "http",
		},
	}

	runtime := mocks.NewFakeRuntime()
	return NewManager(runtime, repository.NewSettingRepository(database), cfg, nil), runtime, cfg
}

func TestEnsureStartsProxyOnce(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx))
	c := runtime.Container("depker-traefik")
	require.NotNil(t, c)
	assert.True(t, c.Running)
	assert.True(t, runtime.HasNetwork("depker"))
	assert.Equal(t, []string{"traefik:v3.1"}, runtime.Pulls)

	require.NoError(t, m.Ensure(ctx))
	again := runtime.Container("depker-traefik")
	assert.Equal(t, c.ID, again.ID, "an up to date proxy is left alone")
}

func TestEnsureRecreatesStoppedProxy(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Ensure(ctx))
	first := runtime.Container("depker-traefik")
	require.NoError(t, runtime.StopContainer(ctx, first.ID))

	require.NoError(t, m.Ensure(ctx))
	second := runtime.Container("depker-traefik")
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.Running)
	assert.Len(t, runtime.Containers(), 1)
}

func TestEnsurePortsReloadsOnlyOnChange(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Ensure(ctx))
	first := runtime.Container("depker-traefik")

	changed, err := m.EnsurePorts(ctx, []repository.ProxyPort{{Proto: "tcp", Port: 5432}})
	require.NoError(t, err)
	assert.True(t, changed)

	second := runtime.Container("depker-traefik")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Contains(t, second.Spec.Cmd, "--entrypoints.tcp5432.address=:5432/tcp")

	changed, err = m.EnsurePorts(ctx, []repository.ProxyPort{{Proto: "tcp", Port: 5432}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, second.ID, runtime.Container("depker-traefik").ID)

	ports, err := m.Ports()
	require.NoError(t, err)
	assert.Equal(t, []repository.ProxyPort{{Proto: "tcp", Port: 5432}}, ports)
}

func TestEnsurePortsConcurrent(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, port := range []int{1001, 1002, 1003, 1004} {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			_, err := m.EnsurePorts(ctx, []repository.ProxyPort{{Proto: "tcp", Port: port}})
			assert.NoError(t, err)
		}(port)
	}
	wg.Wait()

	ports, err := m.Ports()
	require.NoError(t, err)
	assert.Len(t, ports, 4)
	assert.Len(t, runtime.Containers(), 1)
	assert.Equal(t, 1, runtime.MaxHolders("depker-traefik"))
}

func TestSetPortsRemovesEntrypoints(t *testing.T) {
	m, runtime, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.EnsurePorts(ctx, []repository.ProxyPort{{Proto: "tcp", Port: 5432}, {Proto: "udp", Port: 53}})
	require.NoError(t, err)

	changed, err := m.SetPorts(ctx, []repository.ProxyPort{{Proto: "udp", Port: 53}})
	require.NoError(t, err)
	assert.True(t, changed)

	cmd := strings.Join(runtime.Container("depker-traefik").Spec.Cmd, " ")
	assert.NotContains(t, cmd, "tcp5432")
	assert.Contains(t, cmd, "--entrypoints.udp53.address=:53/udp")
}

func TestBuildSpec(t *testing.T) {
	cfg := &config.Config{
		DataDir: "/var/lib/depker",
		Network: "depker",
		Proxy: config.ProxyConfig{
			Image:            "traefik:v3.1",
			ContainerName:    "depker-traefik",
			ACMEEmail:        "ops@example.com",
			ACMEChallenge:    "dns",
			ACMEDNSProvider:  "cloudflare",
			DashboardHost:    "proxy.example.com",
			DashboardAuth:    "admin:$apr1$hash",
			ExtraEnvironment: map[string]string{"CF_DNS_API_TOKEN": "t", "A": "b"},
		},
	}

	spec := BuildSpec(cfg, []repository.ProxyPort{{Proto: "tcp", Port: 2222}})

	assert.Equal(t, "depker-traefik", spec.Name)
	assert.Equal(t, []string{"A=b", "CF_DNS_API_TOKEN=t"}, spec.Env)
	assert.Contains(t, spec.Cmd, "--certificatesresolvers.depker.acme.dnschallenge.provider=cloudflare")
	assert.Contains(t, spec.Cmd, "--api.dashboard=true")
	assert.Contains(t, spec.Cmd, "--providers.docker.exposedbydefault=false")
	assert.Equal(t, "Host(`proxy.example.com`)", spec.Labels["traefik.http.routers.traefik.rule"])
	assert.Equal(t, "admin:$apr1$hash", spec.Labels["traefik.http.middlewares.traefik-auth.basicauth.users"])
	assert.Contains(t, spec.Ports, docker.PortBinding{Proto: "tcp", HostPort: 2222, ContainerPort: 2222})
	assert.Equal(t, "always", spec.Restart.Name)

	again := BuildSpec(cfg, []repository.ProxyPort{{Proto: "tcp", Port: 2222}})
	assert.Equal(t, spec.Labels[LabelProxyHash], again.Labels[LabelProxyHash])

	cfg.Proxy.ACMEEmail = "other@example.com"
	changed := BuildSpec(cfg, []repository.ProxyPort{{Proto: "tcp", Port: 2222}})
	assert.NotEqual(t, spec.Labels[LabelProxyHash], changed.Labels[LabelProxyHash])
}
