package buildpack

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/depker/depker/domain"
	"github.com/depker/depker/logging"
)

// AutoDetect asks the registry to probe every buildpack in order
const AutoDetect = "auto"

// Registry holds the built-in buildpacks followed by the user installed ones
type Registry struct {
	mu       sync.RWMutex
	dir      string
	builtins []Buildpack
	user     []Buildpack
	logger   *slog.Logger
}

// NewRegistry returns a registry with the built-in buildpacks. User buildpacks are read from dir by Load.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		builtins: []Buildpack{Dockerfile(), Nodejs(), Nginx()},
		logger:   logging.Layer("buildpack"),
	}
}

// Load rereads the user buildpacks. Broken buildpacks are logged and skipped.
func (r *Registry) Load() error {
	var user []Buildpack

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read buildpacks directory: %w", err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(r.dir, entry.Name())
			if _, err := os.Stat(filepath.Join(dir, manifestFile)); err != nil {
				continue
			}

			bp, err := LoadManifest(dir)
			if err != nil {
				r.logger.Warn("Skipping buildpack",
					"operation", "Load",
					"dir", dir,
					"error", err)
				continue
			}
			if r.builtin(bp.Name()) || slices.ContainsFunc(user, named(bp.Name())) {
				r.logger.Warn("Skipping buildpack with a taken name",
					"operation", "Load",
					"buildpack", bp.Name())
				continue
			}
			user = append(user, bp)
		}
	}

	r.mu.Lock()
	r.user = user
	r.mu.Unlock()

	r.logger.Debug("Buildpacks loaded", "builtin", len(r.builtins), "user", len(user))
	return nil
}

// Register appends a buildpack after the ones already known
func (r *Registry) Register(bp Buildpack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.builtin(bp.Name()) || slices.ContainsFunc(r.user, named(bp.Name())) {
		return fmt.Errorf("buildpack %s already registered", bp.Name())
	}
	r.user = append(r.user, bp)
	return nil
}

// List returns the buildpacks in selection order
func (r *Registry) List() []Buildpack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(slices.Clone(r.builtins), r.user...)
}

func (r *Registry) Get(name string) (Buildpack, bool) {
	for _, bp := range r.List() {
		if bp.Name() == name {
			return bp, true
		}
	}
	return nil, false
}

// Select picks the buildpack for the project. An explicit name is never substituted:
// it fails with ErrTemplateNotFound when unknown or when it cannot build the project.
func (r *Registry) Select(project *Project, svc *domain.Service, explicit string) (Buildpack, error) {
	if explicit != "" && explicit != AutoDetect {
		bp, ok := r.Get(explicit)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, explicit)
		}
		if !bp.Detect(project, svc) {
			return nil, fmt.Errorf("%w: %s cannot build this project", ErrTemplateNotFound, explicit)
		}
		return bp, nil
	}

	for _, bp := range r.List() {
		if bp.Detect(project, svc) {
			return bp, nil
		}
	}
	return nil, ErrNoTemplateMatched
}

func (r *Registry) builtin(name string) bool {
	return slices.ContainsFunc(r.builtins, named(name))
}

func named(name string) func(Buildpack) bool {
	return func(bp Buildpack) bool {
		return bp.Name() == name
	}
}
