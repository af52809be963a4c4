// Package mocks provides test doubles shared by package tests.
package mocks

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/depker/depker/docker"
)

// FakeContainer is the in-memory state of a container held by FakeRuntime
type FakeContainer struct {
	ID       string
	Name     string
	Spec     docker.ContainerSpec
	Status   string
	Running  bool
	Health   string
	Networks []string
	Restarts int
	Inspects int
	created  int
}

// NameEvent records a container acquiring a name, by create or rename
type NameEvent struct {
	ID   string
	From string
	To   string
}

// FakeRuntime is an in-memory docker.Runtime. Like the engine, names are not
// checked for uniqueness here so tests can observe collisions via MaxHolders.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*FakeContainer
	images     map[string]*docker.ImageInfo
	networks   map[string]bool
	maxHolders map[string]int

	NameEvents []NameEvent
	Builds     []docker.BuildOptions
	Pulls      []string
	Removed    []string
	Prunes     int

	// BuildFunc returns the build output; the default succeeds with one line
	BuildFunc func(opts docker.BuildOptions) ([]string, error)
	// HealthFunc decides the health reported on each inspect of a started container with a healthcheck.
	// The default reports "starting" on the first inspect and "healthy" afterwards.
	HealthFunc func(c *FakeContainer) string
	// StartFunc can fail a start; the default always succeeds
	StartFunc func(c *FakeContainer) error
	// CreateFunc can fail a create; the default always succeeds
	CreateFunc func(spec docker.ContainerSpec) error
	// RemoveFunc can fail a remove
	RemoveFunc func(c *FakeContainer) error
	// PruneFunc is called by Prune
	PruneFunc func() error
}

var _ docker.Runtime = (*FakeRuntime)(nil)

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*FakeContainer),
		images:     make(map[string]*docker.ImageInfo),
		networks:   make(map[string]bool),
		maxHolders: make(map[string]int),
	}
}

// AddImage makes an image available without pulling or building it
func (f *FakeRuntime) AddImage(ref string, exposed ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = &docker.ImageInfo{ID: "sha256:" + ref, ExposedPorts: exposed}
}

// AddRunning inserts a running container, e.g. the live container of an earlier deploy
func (f *FakeRuntime) AddRunning(name string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.insert(docker.ContainerSpec{Name: name, Labels: labels})
	c.Status = "running"
	c.Running = true
	return c.ID
}

// Container returns a copy of the container holding name, or nil
func (f *FakeRuntime) Container(name string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.sorted() {
		if c.Name == name {
			cp := *c
			return &cp
		}
	}
	return nil
}

// ByID returns a copy of the container with the given id, or nil
func (f *FakeRuntime) ByID(id string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Containers returns copies of all containers in creation order
func (f *FakeRuntime) Containers() []FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeContainer
	for _, c := range f.sorted() {
		out = append(out, *c)
	}
	return out
}

// MaxHolders is the largest number of containers that held name at the same time
func (f *FakeRuntime) MaxHolders(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxHolders[name]
}

// HasNetwork reports whether EnsureNetwork created the network
func (f *FakeRuntime) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

func (f *FakeRuntime) insert(spec docker.ContainerSpec) *FakeContainer {
	f.seq++
	c := &FakeContainer{
		ID:      fmt.Sprintf("c%04d", f.seq),
		Name:    spec.Name,
		Spec:    spec,
		Status:  "created",
		created: f.seq,
	}
	if spec.Labels == nil {
		c.Spec.Labels = map[string]string{}
	}
	if spec.Network != "" {
		c.Networks = append(c.Networks, spec.Network)
	}
	f.containers[c.ID] = c
	f.NameEvents = append(f.NameEvents, NameEvent{ID: c.ID, To: c.Name})
	f.observe()
	return c
}

func (f *FakeRuntime) observe() {
	counts := map[string]int{}
	for _, c := range f.containers {
		counts[c.Name]++
	}
	for name, n := range counts {
		if n > f.maxHolders[name] {
			f.maxHolders[name] = n
		}
	}
}

func (f *FakeRuntime) sorted() []*FakeContainer {
	out := slices.Collect(maps.Values(f.containers))
	slices.SortFunc(out, func(a, b *FakeContainer) int { return a.created - b.created })
	return out
}

func (f *FakeRuntime) get(id string) (*FakeContainer, error) {
	if c, ok := f.containers[id]; ok {
		return c, nil
	}
	for _, c := range f.containers {
		if c.Name == id {
			return c, nil
		}
	}
	return nil, &docker.RuntimeError{Op: "lookup", Message: id, Err: errNotFound}
}

func (f *FakeRuntime) ListContainers(_ context.Context, filter docker.Filter) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []docker.ContainerInfo
	for _, c := range f.sorted() {
		if !filter.All && !c.Running {
			continue
		}
		if filter.Name != "" && c.Name != filter.Name {
			continue
		}
		match := true
		for k, v := range filter.Labels {
			if c.Spec.Labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, docker.ContainerInfo{
			ID:      c.ID,
			Name:    c.Name,
			Image:   c.Spec.Image,
			State:   c.Status,
			Labels:  maps.Clone(c.Spec.Labels),
			Created: time.Unix(int64(c.created), 0),
		})
	}
	return out, nil
}

func (f *FakeRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	if f.CreateFunc != nil {
		if err := f.CreateFunc(spec); err != nil {
			return "", &docker.RuntimeError{Op: "create container", Message: spec.Name, Err: err}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Image != "" {
		if _, ok := f.images[spec.Image]; !ok {
			return "", &docker.RuntimeError{Op: "create container", Message: spec.Name, Err: fmt.Errorf("image %s: %w", spec.Image, errNotFound)}
		}
	}
	return f.insert(spec).ID, nil
}

func (f *FakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	if f.StartFunc != nil {
		if err := f.StartFunc(c); err != nil {
			c.Status = "exited"
			c.Running = false
			return &docker.RuntimeError{Op: "start container", Message: id, Err: err}
		}
	}
	c.Status = "running"
	c.Running = true
	if c.Spec.Healthcheck != nil {
		c.Health = "starting"
	}
	return nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil
	}
	c.Status = "exited"
	c.Running = false
	return nil
}

func (f *FakeRuntime) RestartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Restarts++
	c.Status = "running"
	c.Running = true
	return nil
}

func (f *FakeRuntime) RenameContainer(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.NameEvents = append(f.NameEvents, NameEvent{ID: c.ID, From: c.Name, To: name})
	c.Name = name
	f.observe()
	return nil
}

func (f *FakeRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil
	}
	if f.RemoveFunc != nil {
		if err := f.RemoveFunc(c); err != nil {
			return &docker.RuntimeError{Op: "remove container", Message: id, Err: err}
		}
	}
	delete(f.containers, c.ID)
	f.Removed = append(f.Removed, c.ID)
	return nil
}

func (f *FakeRuntime) InspectContainer(_ context.Context, id string) (*docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	c.Inspects++
	if c.Running && c.Spec.Healthcheck != nil {
		if f.HealthFunc != nil {
			c.Health = f.HealthFunc(c)
		} else if c.Inspects > 1 {
			c.Health = "healthy"
		}
	}
	return &docker.ContainerState{
		ID:      c.ID,
		Name:    c.Name,
		Image:   c.Spec.Image,
		Status:  c.Status,
		Running: c.Running,
		Health:  c.Health,
		Labels:  maps.Clone(c.Spec.Labels),
	}, nil
}

func (f *FakeRuntime) InspectImage(_ context.Context, ref string) (*docker.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[ref]
	if !ok {
		return nil, &docker.RuntimeError{Op: "inspect image", Message: ref, Err: errNotFound}
	}
	cp := *img
	return &cp, nil
}

func (f *FakeRuntime) PullImage(_ context.Context, ref string) (*docker.Stream, error) {
	f.mu.Lock()
	f.Pulls = append(f.Pulls, ref)
	if _, ok := f.images[ref]; !ok {
		f.images[ref] = &docker.ImageInfo{ID: "sha256:" + ref}
	}
	f.mu.Unlock()

	return docker.NewStream(func(emit func(docker.Progress)) error {
		emit(docker.Progress{Source: "pull", Text: "Pulled " + ref})
		return nil
	}), nil
}

func (f *FakeRuntime) BuildImage(_ context.Context, opts docker.BuildOptions) (*docker.Stream, error) {
	f.mu.Lock()
	f.Builds = append(f.Builds, opts)
	f.mu.Unlock()

	lines := []string{"#1 building " + opts.Tag}
	var buildErr error
	if f.BuildFunc != nil {
		lines, buildErr = f.BuildFunc(opts)
	}
	if buildErr == nil {
		f.AddImage(opts.Tag)
	}

	return docker.NewStream(func(emit func(docker.Progress)) error {
		for _, l := range lines {
			emit(docker.Progress{Source: "build", Text: l})
		}
		if buildErr != nil {
			return &docker.BuildError{Tag: opts.Tag, ExitCode: 1, Err: buildErr}
		}
		return nil
	}), nil
}

func (f *FakeRuntime) ConnectNetwork(_ context.Context, network, id string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.Networks = append(c.Networks, network)
	return nil
}

func (f *FakeRuntime) EnsureNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *FakeRuntime) Prune(_ context.Context) error {
	f.mu.Lock()
	f.Prunes++
	fn := f.PruneFunc
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}
