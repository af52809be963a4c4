// Package domain provides core domain types and entities for Depker.
package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ImageBuildpack is the pseudo buildpack that deploys a referenced image without building
const ImageBuildpack = "image"

// ServiceType distinguishes long-running apps from triggered jobs
type ServiceType string

const (
	ServiceTypeApp ServiceType = "app"
	ServiceTypeJob ServiceType = "job"
)

func (t ServiceType) String() string {
	return string(t)
}

// SourceKind tells where the project for a service comes from
type SourceKind string

const (
	SourceGit     SourceKind = "git"
	SourcePath    SourceKind = "path"
	SourceArchive SourceKind = "archive"
	SourceImage   SourceKind = "image"
)

type Source struct {
	Kind   SourceKind     `json:"kind" yaml:"kind" validate:"omitempty,oneof=git path archive image"`
	URL    string         `json:"url,omitempty" yaml:"url,omitempty" validate:"required_if=Kind git"`
	Branch string         `json:"branch,omitempty" yaml:"branch,omitempty"`
	Path   string         `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Kind path"`
	Image  string         `json:"image,omitempty" yaml:"image,omitempty" validate:"required_if=Kind image"`
	Auth   *GitAuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`
}

type Middleware struct {
	Name    string            `json:"name" yaml:"name" validate:"required"`
	Type    string            `json:"type" yaml:"type" validate:"required"`
	Options map[string]string `json:"options" yaml:"options"`
}

type Routing struct {
	Domain      []string     `json:"domain,omitempty" yaml:"domain,omitempty" validate:"dive,hostname_rfc1123"`
	Rule        string       `json:"rule,omitempty" yaml:"rule,omitempty"`
	Port        int          `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	Scheme      string       `json:"scheme,omitempty" yaml:"scheme,omitempty" validate:"omitempty,oneof=http https h2c"`
	TLS         bool         `json:"tls,omitempty" yaml:"tls,omitempty"`
	Middlewares []Middleware `json:"middlewares,omitempty" yaml:"middlewares,omitempty" validate:"dive"`
}

// Routed reports whether the service should be exposed through the proxy
func (r Routing) Routed() bool {
	return r.Rule != "" || len(r.Domain) > 0
}

// Healthcheck durations are expressed in seconds
type Healthcheck struct {
	Commands []string `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	Retries  int      `json:"retries,omitempty" yaml:"retries,omitempty" validate:"gte=0"`
	Interval int      `json:"interval,omitempty" yaml:"interval,omitempty" validate:"gte=0"`
	Start    int      `json:"start,omitempty" yaml:"start,omitempty" validate:"gte=0"`
	Timeout  int      `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

type Process struct {
	Commands    []string     `json:"commands,omitempty" yaml:"commands,omitempty"`
	Entrypoints []string     `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	Restart     string       `json:"restart,omitempty" yaml:"restart,omitempty" validate:"omitempty,restartpolicy"`
	Pull        bool         `json:"pull,omitempty" yaml:"pull,omitempty"`
	Init        bool         `json:"init,omitempty" yaml:"init,omitempty"`
	Remove      bool         `json:"rm,omitempty" yaml:"rm,omitempty"`
	Privileged  bool         `json:"privileged,omitempty" yaml:"privileged,omitempty"`
	User        string       `json:"user,omitempty" yaml:"user,omitempty"`
	Workdir     string       `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Healthcheck *Healthcheck `json:"healthcheck,omitempty" yaml:"healthcheck,omitempty"`
}

// Value is a map entry that may also be exposed at build time
type Value struct {
	Value   string `json:"value" yaml:"value"`
	OnBuild bool   `json:"onbuild,omitempty" yaml:"onbuild,omitempty"`
}

// UnmarshalYAML accepts either a plain scalar or a {value, onbuild} mapping
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Value = node.Value
		v.OnBuild = false
		return nil
	}
	type plain Value
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*v = Value(p)
	return nil
}

// UnmarshalJSON accepts either a plain string or a {value, onbuild} object
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Value = s
		v.OnBuild = false
		return nil
	}
	type plain Value
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = Value(p)
	return nil
}

type ValueMap map[string]Value

// All returns every entry
func (m ValueMap) All() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

// Build returns entries flagged onbuild
func (m ValueMap) Build() map[string]string {
	out := make(map[string]string)
	for k, v := range m {
		if v.OnBuild {
			out[k] = v.Value
		}
	}
	return out
}

// Keys returns the sorted keys of the map
func (m ValueMap) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

type Port struct {
	Proto         string `json:"proto" yaml:"proto" validate:"oneof=tcp udp"`
	HostPort      int    `json:"hport" yaml:"hport" validate:"gte=1,lte=65535"`
	ContainerPort int    `json:"cport" yaml:"cport" validate:"gte=1,lte=65535"`
}

type Volume struct {
	HostPath      string `json:"hpath" yaml:"hpath" validate:"required"`
	ContainerPath string `json:"cpath" yaml:"cpath" validate:"required"`
	ReadOnly      bool   `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

type Service struct {
	ID         uuid.UUID         `json:"id" yaml:"-"`
	Name       string            `json:"name" yaml:"name" validate:"required,servicename"`
	Type       ServiceType       `json:"type" yaml:"type" validate:"oneof=app job"`
	Buildpack  string            `json:"buildpack" yaml:"buildpack" validate:"required"`
	Source     Source            `json:"source" yaml:"source"`
	Routing    Routing           `json:"routing" yaml:"routing"`
	Process    Process           `json:"process" yaml:"process"`
	BuildArgs  ValueMap          `json:"build_args,omitempty" yaml:"build_args,omitempty"`
	Secrets    ValueMap          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Labels     ValueMap          `json:"labels,omitempty" yaml:"labels,omitempty"`
	Hosts      ValueMap          `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Networks   map[string]string `json:"networks,omitempty" yaml:"networks,omitempty"` // network name to alias
	Ports      []Port            `json:"ports,omitempty" yaml:"ports,omitempty" validate:"dive"`
	Volumes    []Volume          `json:"volumes,omitempty" yaml:"volumes,omitempty" validate:"dive"`
	Cron       string            `json:"cron,omitempty" yaml:"cron,omitempty" validate:"required_if=Type job,excluded_if=Type app"`
	AutoDeploy bool              `json:"auto_deploy,omitempty" yaml:"auto_deploy,omitempty"`
	Extensions map[string]any    `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	LastCommit *string           `json:"last_commit,omitempty" yaml:"-"`
	CreatedAt  time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time         `json:"updated_at" yaml:"-"`
}

// NewService returns an app service with the defaults applied
func NewService(name, buildpack string) Service {
	return Service{
		ID:        uuid.New(),
		Name:      name,
		Type:      ServiceTypeApp,
		Buildpack: buildpack,
		Source:    Source{Kind: SourcePath},
		Process:   Process{Restart: "always"},
	}
}

// ApplyDefaults fills in values omitted by declarative manifests
func (s *Service) ApplyDefaults() {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Type == "" {
		s.Type = ServiceTypeApp
	}
	if s.Process.Restart == "" && s.Type == ServiceTypeApp {
		s.Process.Restart = "always"
	}
	if s.Source.Kind == "" {
		if s.Buildpack == ImageBuildpack {
			s.Source.Kind = SourceImage
		} else {
			s.Source.Kind = SourcePath
		}
	}
	if s.Source.Kind == SourceGit && s.Source.Branch == "" {
		s.Source.Branch = "main"
	}
}

// WorkspaceDir returns the directory holding the service source
func (s *Service) WorkspaceDir(root string) string {
	return filepath.Join(root, s.Name)
}

// Extension returns a buildpack specific option
func (s *Service) Extension(name string) (any, bool) {
	if s.Extensions == nil {
		return nil, false
	}
	v, ok := s.Extensions[name]
	return v, ok
}

// ExtensionString returns a string valued extension or the fallback
func (s *Service) ExtensionString(name, fallback string) string {
	v, ok := s.Extension(name)
	if !ok {
		return fallback
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return fallback
	}
	return str
}

func (s *Service) LastCommitStr() string {
	if s.LastCommit == nil {
		return ""
	}
	return *s.LastCommit
}

// ImageRef returns the image tag built for the given deploy
func (s *Service) ImageRef(deployID uint) string {
	return fmt.Sprintf("%s:%d", s.Name, deployID)
}
