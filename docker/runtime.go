// Package docker talks to the container engine: containers, images, networks and builds.
package docker

import (
	"context"
	"time"
)

// Identity labels stamped on every container the orchestrator creates
const (
	LabelName = "depker.name"
	LabelID   = "depker.id"
)

// Runtime is the subset of the engine API the orchestrator and proxy manager need
type Runtime interface {
	ListContainers(ctx context.Context, filter Filter) ([]ContainerInfo, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RenameContainer(ctx context.Context, id, name string) error
	// RemoveContainer treats a missing container as removed
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*ContainerState, error)
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	PullImage(ctx context.Context, ref string) (*Stream, error)
	BuildImage(ctx context.Context, opts BuildOptions) (*Stream, error)
	ConnectNetwork(ctx context.Context, network, id string, aliases []string) error
	EnsureNetwork(ctx context.Context, name string) error
	Prune(ctx context.Context) error
}

// Filter selects containers by exact label values and optionally by name
type Filter struct {
	Labels map[string]string
	Name   string
	// All includes stopped containers
	All bool
}

type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string
	Status  string
	Labels  map[string]string
	Created time.Time
}

// ContainerState is the inspected runtime state used by the health poll
type ContainerState struct {
	ID       string
	Name     string
	Image    string
	Status   string // created, running, restarting, exited, ...
	Running  bool
	Health   string // empty when the container has no healthcheck
	ExitCode int
	Labels   map[string]string
}

// Ready reports that the engine has settled on a state worth judging
func (s *ContainerState) Ready() bool {
	return s.Status != "created" && s.Health != "starting"
}

// Healthy reports a running container that is healthy or has no healthcheck
func (s *ContainerState) Healthy() bool {
	return s.Running && (s.Health == "" || s.Health == "healthy")
}

type ImageInfo struct {
	ID string
	// ExposedPorts lists the tcp ports declared by the image, ascending
	ExposedPorts []int
}

type RestartPolicy struct {
	Name       string
	MaxRetries int
}

type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

type PortBinding struct {
	Proto         string
	HostPort      int
	ContainerPort int
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create; labels are attached in one piece
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Entrypoint  []string
	Env         []string
	Labels      map[string]string
	User        string
	WorkingDir  string
	Init        bool
	Privileged  bool
	AutoRemove  bool
	Restart     RestartPolicy
	Healthcheck *Healthcheck
	Ports       []PortBinding
	Mounts      []Mount
	ExtraHosts  []string
	Network     string
	Aliases     []string
}

type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tag        string
	Pull       bool
	BuildArgs  map[string]string
	Labels     map[string]string
	Hosts      map[string]string
	// SecretsFile is mounted into the build as the "secrets" BuildKit secret
	SecretsFile string
}

// Progress is one line of build or pull output
type Progress struct {
	Source string
	Text   string
}
