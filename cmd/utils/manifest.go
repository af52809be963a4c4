package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/depker/depker/domain"
	"gopkg.in/yaml.v3"
)

// ManifestNames are looked up, in order, when a directory is given instead of a file
var ManifestNames = []string{"depker.yml", "depker.yaml"}

// FindManifest resolves path to a manifest file
func FindManifest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("manifest not found at %s: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}

	for _, name := range ManifestNames {
		candidate := filepath.Join(path, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no depker.yml found in %s", path)
}

// LoadManifest reads a service manifest. A service without a source is built from the
// directory holding the manifest.
func LoadManifest(path string) (*domain.Service, error) {
	file, err := FindManifest(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", file, err)
	}

	var svc domain.Service
	if err := yaml.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", file, err)
	}

	dir, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return nil, err
	}
	if svc.Source.Kind == "" && svc.Buildpack != domain.ImageBuildpack && svc.Source.URL == "" {
		svc.Source.Kind = domain.SourcePath
	}
	if svc.Source.Kind == domain.SourcePath && svc.Source.Path == "" {
		svc.Source.Path = dir
	} else if svc.Source.Kind == domain.SourcePath && !filepath.IsAbs(svc.Source.Path) {
		svc.Source.Path = filepath.Join(dir, svc.Source.Path)
	}

	svc.ApplyDefaults()
	return &svc, nil
}
