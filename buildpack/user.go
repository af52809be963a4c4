package buildpack

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/depker/depker/domain"
	"gopkg.in/yaml.v3"
)

const (
	manifestFile = "buildpack.yml"
	templateFile = "Dockerfile.tmpl"
)

// Manifest describes a user installed buildpack in <buildpacks>/<name>/buildpack.yml
type Manifest struct {
	Name string `yaml:"name"`
	// Detect lists project files that must all exist for the buildpack to apply
	Detect []string `yaml:"detect"`
	// Dockerfile is a template; when empty Dockerfile.tmpl next to the manifest is used
	Dockerfile string            `yaml:"dockerfile"`
	BuildArgs  map[string]string `yaml:"build_args"`
}

type userBuildpack struct {
	manifest Manifest
}

// LoadManifest reads a user buildpack from its directory
func LoadManifest(dir string) (Buildpack, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestFile), err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.Dockerfile == "" {
		tmpl, err := os.ReadFile(filepath.Join(dir, templateFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("buildpack %s has neither a dockerfile nor %s", m.Name, templateFile)
			}
			return nil, err
		}
		m.Dockerfile = string(tmpl)
	}
	if len(m.Detect) == 0 {
		return nil, fmt.Errorf("buildpack %s declares no detect files", m.Name)
	}
	return &userBuildpack{manifest: m}, nil
}

func (b *userBuildpack) Name() string {
	return b.manifest.Name
}

func (b *userBuildpack) Detect(project *Project, svc *domain.Service) bool {
	for _, f := range b.manifest.Detect {
		if !project.Exists(f) {
			return false
		}
	}
	return true
}

func (b *userBuildpack) Recipe(project *Project, svc *domain.Service) (*Recipe, error) {
	options := map[string]any{}
	if err := decodeOptions(svc, b.manifest.Name, &options); err != nil {
		return nil, err
	}

	dockerfile, err := renderDockerfile(b.manifest.Name, b.manifest.Dockerfile, project, svc, options)
	if err != nil {
		return nil, err
	}

	args := make(map[string]string, len(b.manifest.BuildArgs))
	maps.Copy(args, b.manifest.BuildArgs)
	maps.Copy(args, svc.BuildArgs.All())
	return &Recipe{Dockerfile: dockerfile, BuildArgs: args}, nil
}
