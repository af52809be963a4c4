package buildpack

import (
	"fmt"

	"github.com/depker/depker/domain"
)

// DockerfileOptions is read from the "dockerfile" extension
type DockerfileOptions struct {
	// Content is an inline Dockerfile and wins over File
	Content string `json:"content"`
	// File is the project relative Dockerfile path
	File string `json:"file"`
}

type dockerfileBuildpack struct{}

// Dockerfile builds projects that carry their own Dockerfile
func Dockerfile() Buildpack {
	return dockerfileBuildpack{}
}

func (dockerfileBuildpack) Name() string {
	return "dockerfile"
}

func (dockerfileBuildpack) options(svc *domain.Service) (DockerfileOptions, error) {
	opts := DockerfileOptions{}
	if err := decodeOptions(svc, "dockerfile", &opts); err != nil {
		return opts, err
	}
	if opts.File == "" {
		opts.File = "Dockerfile"
	}
	return opts, nil
}

func (b dockerfileBuildpack) Detect(project *Project, svc *domain.Service) bool {
	opts, err := b.options(svc)
	if err != nil {
		return false
	}
	return opts.Content != "" || (project.Exists(opts.File) && !project.IsDir(opts.File))
}

func (b dockerfileBuildpack) Recipe(project *Project, svc *domain.Service) (*Recipe, error) {
	opts, err := b.options(svc)
	if err != nil {
		return nil, err
	}

	content := opts.Content
	if content == "" {
		content, err = project.Read(opts.File)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", opts.File, err)
		}
	}

	return &Recipe{Dockerfile: content, BuildArgs: svc.BuildArgs.All()}, nil
}
