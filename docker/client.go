package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/depker/depker/config"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"golang.org/x/sync/errgroup"
)

// Client implements Runtime on top of the Docker Engine SDK, with builds going through the CLI
type Client struct {
	cli     *client.Client
	command string
	host    string
}

var _ Runtime = (*Client)(nil)

// NewClient creates a new engine client for the configured docker host
func NewClient(cfg *config.Config) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &Client{
		cli:     cli,
		command: cfg.DockerCommand,
		host:    cfg.DockerHost,
	}, nil
}

// Close closes the Docker client
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

func (c *Client) ListContainers(ctx context.Context, filter Filter) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range filter.Labels {
		args.Add("label", k+"="+v)
	}
	if filter.Name != "" {
		args.Add("name", filter.Name)
	}

	summaries, err := c.cli.ContainerList(ctx, container.ListOptions{All: filter.All, Filters: args})
	if err != nil {
		return nil, wrapErr("list containers", "", err)
	}

	out := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		// the engine name filter is a substring match
		if filter.Name != "" && name != filter.Name {
			continue
		}
		out = append(out, ContainerInfo{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   string(s.State),
			Status:  s.Status,
			Labels:  s.Labels,
			Created: time.Unix(s.Created, 0),
		})
	}
	return out, nil
}

func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg, netCfg, err := toEngineConfig(spec)
	if err != nil {
		return "", wrapErr("create container", spec.Name, err)
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrapErr("create container", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container create warning", "layer", "docker", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return wrapErr("start container", id, c.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerStop(ctx, id, container.StopOptions{})
	if IsNotFound(err) {
		return nil
	}
	return wrapErr("stop container", id, err)
}

func (c *Client) RestartContainer(ctx context.Context, id string) error {
	return wrapErr("restart container", id, c.cli.ContainerRestart(ctx, id, container.StopOptions{}))
}

func (c *Client) RenameContainer(ctx context.Context, id, name string) error {
	return wrapErr("rename container", id+" to "+name, c.cli.ContainerRename(ctx, id, name))
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if IsNotFound(err) {
		return nil
	}
	return wrapErr("remove container", id, err)
}

func (c *Client) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, wrapErr("inspect container", id, err)
	}

	state := &ContainerState{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		state.Image = info.Config.Image
		state.Labels = info.Config.Labels
	}
	if info.State != nil {
		state.Status = string(info.State.Status)
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		if info.State.Health != nil {
			state.Health = string(info.State.Health.Status)
		}
	}
	return state, nil
}

func (c *Client) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	info, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, wrapErr("inspect image", ref, err)
	}

	out := &ImageInfo{ID: info.ID}
	if info.Config != nil {
		for p := range info.Config.ExposedPorts {
			port := nat.Port(p)
			if port.Proto() != "tcp" {
				continue
			}
			out.ExposedPorts = append(out.ExposedPorts, port.Int())
		}
	}
	slices.Sort(out.ExposedPorts)
	return out, nil
}

func (c *Client) PullImage(ctx context.Context, ref string) (*Stream, error) {
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, wrapErr("pull image", ref, err)
	}

	return NewStream(func(emit func(Progress)) error {
		defer func() {
			if closeErr := reader.Close(); closeErr != nil {
				slog.Debug("Failed to close image pull reader", "error", closeErr)
			}
		}()
		return wrapErr("pull image", ref, decodePull(reader, emit))
	}), nil
}

// decodePull must consume the reader completely for the pull to finish
func decodePull(r io.Reader, emit func(Progress)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		text := msg.Status
		if msg.ID != "" {
			text = msg.ID + ": " + text
		}
		if msg.Progress != nil && msg.Progress.String() != "" {
			text += " " + msg.Progress.String()
		}
		if text != "" {
			emit(Progress{Source: "pull", Text: text})
		}
	}
}

func (c *Client) ConnectNetwork(ctx context.Context, networkName, id string, aliases []string) error {
	err := c.cli.NetworkConnect(ctx, networkName, id, &network.EndpointSettings{Aliases: aliases})
	return wrapErr("connect network", networkName, err)
}

func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	_, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return wrapErr("inspect network", name, err)
	}

	slog.Info("Creating network", "layer", "docker", "network", name)
	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge", Attachable: true})
	return wrapErr("create network", name, err)
}

// Prune removes dangling images and unused volumes concurrently
func (c *Client) Prune(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := c.cli.ImagesPrune(ctx, filters.NewArgs())
		if err != nil {
			return wrapErr("prune images", "", err)
		}
		slog.Debug("Pruned images", "layer", "docker", "count", len(report.ImagesDeleted), "reclaimed", report.SpaceReclaimed)
		return nil
	})
	g.Go(func() error {
		report, err := c.cli.VolumesPrune(ctx, filters.NewArgs())
		if err != nil {
			return wrapErr("prune volumes", "", err)
		}
		slog.Debug("Pruned volumes", "layer", "docker", "count", len(report.VolumesDeleted), "reclaimed", report.SpaceReclaimed)
		return nil
	})
	return g.Wait()
}

func toEngineConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort(p.Proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Entrypoint:   spec.Entrypoint,
		Env:          spec.Env,
		Labels:       spec.Labels,
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: exposed,
	}
	if hc := spec.Healthcheck; hc != nil {
		cfg.Healthcheck = &container.HealthConfig{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			StartPeriod: hc.StartPeriod,
			Retries:     hc.Retries,
		}
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		ExtraHosts:   spec.ExtraHosts,
		Privileged:   spec.Privileged,
		AutoRemove:   spec.AutoRemove,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.Restart.Name),
			MaximumRetryCount: spec.Restart.MaxRetries,
		},
	}
	if spec.Init {
		enabled := true
		hostCfg.Init = &enabled
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	return cfg, hostCfg, netCfg, nil
}
