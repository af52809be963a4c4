package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/depker/depker/config"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/logging"
	"github.com/depker/depker/metrics"
	"github.com/depker/depker/repository"
)

// Labels marking the proxy container and the digest of the configuration it was created from
const (
	LabelProxy     = "depker.proxy"
	LabelProxyHash = "depker.proxy.hash"
)

const acmeDir = "/etc/traefik/acme"

// Manager owns the lifecycle of the Traefik container. All mutations are serialised.
type Manager struct {
	runtime  docker.Runtime
	settings repository.SettingRepository
	cfg      *config.Config
	metrics  *metrics.Metrics
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewManager returns a proxy manager; m may be nil
func NewManager(runtime docker.Runtime, settings repository.SettingRepository, cfg *config.Config, m *metrics.Metrics) *Manager {
	return &Manager{
		runtime:  runtime,
		settings: settings,
		cfg:      cfg,
		metrics:  m,
		logger:   logging.Layer("proxy"),
	}
}

// Ensure starts the proxy when it is missing, stopped, or was created from a different configuration
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, err := m.spec()
	if err != nil {
		return err
	}

	existing, err := m.find(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == "running" && existing.Labels[LabelProxyHash] == spec.Labels[LabelProxyHash] {
		m.logger.Debug("Proxy is up to date", "container", existing.Name)
		return nil
	}

	return m.recreate(ctx, existing, spec)
}

// Reload recreates the proxy from the current static configuration
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, err := m.spec()
	if err != nil {
		return err
	}
	existing, err := m.find(ctx)
	if err != nil {
		return err
	}
	return m.recreate(ctx, existing, spec)
}

// EnsurePorts adds ports to the published set. The proxy is only recreated when the set changed.
func (m *Manager) EnsurePorts(ctx context.Context, ports []repository.ProxyPort) (bool, error) {
	if len(ports) == 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.settings.ProxyPorts()
	if err != nil {
		return false, err
	}
	merged := repository.SortProxyPorts(append(slices.Clone(current), ports...))
	if slices.Equal(merged, current) {
		return false, nil
	}

	if err := m.settings.SetProxyPorts(merged); err != nil {
		return false, fmt.Errorf("failed to store proxy ports: %w", err)
	}
	m.logger.Info("Proxy ports changed, reloading", "ports", portNames(merged))

	spec, err := m.spec()
	if err != nil {
		return true, err
	}
	existing, err := m.find(ctx)
	if err != nil {
		return true, err
	}
	return true, m.recreate(ctx, existing, spec)
}

// SetPorts replaces the published set, reloading when it differs from the stored one
func (m *Manager) SetPorts(ctx context.Context, ports []repository.ProxyPort) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.settings.ProxyPorts()
	if err != nil {
		return false, err
	}
	next := repository.SortProxyPorts(ports)
	if slices.Equal(next, current) {
		return false, nil
	}
	if err := m.settings.SetProxyPorts(next); err != nil {
		return false, fmt.Errorf("failed to store proxy ports: %w", err)
	}

	spec, err := m.spec()
	if err != nil {
		return true, err
	}
	existing, err := m.find(ctx)
	if err != nil {
		return true, err
	}
	return true, m.recreate(ctx, existing, spec)
}

// Ports returns the published tcp/udp ports
func (m *Manager) Ports() ([]repository.ProxyPort, error) {
	return m.settings.ProxyPorts()
}

func (m *Manager) find(ctx context.Context) (*docker.ContainerInfo, error) {
	containers, err := m.runtime.ListContainers(ctx, docker.Filter{Name: m.cfg.Proxy.ContainerName, All: true})
	if err != nil {
		return nil, err
	}
	for i := range containers {
		if containers[i].Name == m.cfg.Proxy.ContainerName {
			return &containers[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) recreate(ctx context.Context, existing *docker.ContainerInfo, spec docker.ContainerSpec) error {
	if err := m.runtime.EnsureNetwork(ctx, m.cfg.Network); err != nil {
		return err
	}
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(m.cfg.DataDir, "proxy"), 0o755); err != nil {
		return fmt.Errorf("failed to create proxy directory: %w", err)
	}

	if existing != nil {
		m.logger.Info("Removing proxy container", "container", existing.Name, "state", existing.State)
		if err := m.runtime.RemoveContainer(ctx, existing.ID, true); err != nil {
			return err
		}
	}

	id, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return err
	}
	if err := m.runtime.StartContainer(ctx, id); err != nil {
		return err
	}

	m.metrics.ProxyReloaded()
	m.logger.Info("Proxy started", "container", spec.Name, "image", spec.Image)
	return nil
}

func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	_, err := m.runtime.InspectImage(ctx, ref)
	if err == nil {
		return nil
	}
	if !docker.IsNotFound(err) {
		return err
	}

	stream, err := m.runtime.PullImage(ctx, ref)
	if err != nil {
		return err
	}
	for p := range stream.Events() {
		m.logger.Debug("Pulling proxy image", "image", ref, "progress", p.Text)
	}
	return stream.Wait()
}

// spec builds the proxy container from the static configuration and the stored port set
func (m *Manager) spec() (docker.ContainerSpec, error) {
	ports, err := m.settings.ProxyPorts()
	if err != nil {
		return docker.ContainerSpec{}, err
	}
	return BuildSpec(m.cfg, ports), nil
}

// BuildSpec is the deterministic container spec of the proxy
func BuildSpec(cfg *config.Config, ports []repository.ProxyPort) docker.ContainerSpec {
	p := cfg.Proxy
	args := []string{
		"--ping=true",
		"--api.dashboard=" + boolString(p.DashboardHost != ""),
		"--providers.docker=true",
		"--providers.docker.exposedbydefault=false",
		"--providers.docker.network=" + cfg.Network,
		"--entrypoints.http.address=:80",
		"--entrypoints.https.address=:443",
		"--certificatesresolvers." + CertResolver + ".acme.storage=" + acmeDir + "/acme.json",
	}
	if p.ACMEEmail != "" {
		args = append(args, "--certificatesresolvers."+CertResolver+".acme.email="+p.ACMEEmail)
	}
	if p.ACMEChallenge == "dns" {
		args = append(args,
			"--certificatesresolvers."+CertResolver+".acme.dnschallenge=true",
			"--certificatesresolvers."+CertResolver+".acme.dnschallenge.provider="+p.ACMEDNSProvider,
		)
	} else {
		args = append(args,
			"--certificatesresolvers."+CertResolver+".acme.httpchallenge=true",
			"--certificatesresolvers."+CertResolver+".acme.httpchallenge.entrypoint=http",
		)
	}

	bindings := []docker.PortBinding{
		{Proto: "tcp", HostPort: 80, ContainerPort: 80},
		{Proto: "tcp", HostPort: 443, ContainerPort: 443},
		{Proto: "udp", HostPort: 443, ContainerPort: 443},
	}
	for _, port := range repository.SortProxyPorts(ports) {
		args = append(args, fmt.Sprintf("--entrypoints.%s.address=:%d/%s", port.Entrypoint(), port.Port, port.Proto))
		bindings = append(bindings, docker.PortBinding{Proto: port.Proto, HostPort: port.Port, ContainerPort: port.Port})
	}

	labels := Labels{LabelProxy: "true"}
	if p.DashboardHost != "" {
		labels.Merge(map[string]string{
			"traefik.enable":                                        "true",
			"traefik.docker.network":                                cfg.Network,
			"traefik.http.routers.traefik.rule":                     "Host(`" + p.DashboardHost + "`)",
			"traefik.http.routers.traefik.entrypoints":              "https",
			"traefik.http.routers.traefik.service":                  "api@internal",
			"traefik.http.routers.traefik.tls.certresolver":         CertResolver,
			"traefik.http.routers.traefik.middlewares":              "traefik-auth",
			"traefik.http.middlewares.traefik-auth.basicauth.users": p.DashboardAuth,
		})
	}

	env := make([]string, 0, len(p.ExtraEnvironment))
	for _, k := range slices.Sorted(maps.Keys(p.ExtraEnvironment)) {
		env = append(env, k+"="+p.ExtraEnvironment[k])
	}

	spec := docker.ContainerSpec{
		Name:    p.ContainerName,
		Image:   p.Image,
		Cmd:     args,
		Env:     env,
		Restart: docker.RestartPolicy{Name: "always"},
		Ports:   bindings,
		Mounts: []docker.Mount{
			{Source: "/var/run/docker.sock", Target: "/var/run/docker.sock", ReadOnly: true},
			{Source: filepath.Join(cfg.DataDir, "proxy"), Target: acmeDir},
		},
		Network: cfg.Network,
	}

	// the digest covers everything that requires a recreate when it changes
	digest := Labels{}.Merge(labels)
	digest["image"] = spec.Image
	digest["args"] = strings.Join(args, " ")
	digest["env"] = strings.Join(env, " ")
	labels[LabelProxyHash] = digest.Hash()[:16]
	spec.Labels = labels

	return spec
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func portNames(ports []repository.ProxyPort) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = p.String()
	}
	return out
}
