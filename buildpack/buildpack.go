// Package buildpack selects a build recipe for a project and renders its Dockerfile.
package buildpack

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/depker/depker/domain"
)

var (
	// ErrTemplateNotFound is returned when an explicitly requested buildpack is unknown
	// or cannot build the project
	ErrTemplateNotFound = errors.New("buildpack not found")
	// ErrNoTemplateMatched is returned when detection found no buildpack for the project
	ErrNoTemplateMatched = errors.New("no buildpack matched the project")
)

// Recipe is everything the orchestrator needs to build an image
type Recipe struct {
	Dockerfile string
	BuildArgs  map[string]string
	// Files are written into the build context before the build unless the project already has them
	Files map[string]string
}

// Buildpack detects projects it can build and emits their recipe. Both calls are pure.
type Buildpack interface {
	Name() string
	Detect(project *Project, svc *domain.Service) bool
	Recipe(project *Project, svc *domain.Service) (*Recipe, error)
}

// decodeOptions copies the service extension named key into out
func decodeOptions(svc *domain.Service, key string, out any) error {
	raw, ok := svc.Extension(key)
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s options: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid %s options: %w", key, err)
	}
	return nil
}
