package deploy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/depker/depker/buildpack"
	"github.com/depker/depker/docker"
	"github.com/depker/depker/domain"
)

const generatedDockerfile = ".depker/Dockerfile"

// buildResult is what the start phase needs from the build
type buildResult struct {
	Image  string
	Target string
}

// build materialises the recipe into a temporary context and builds <service>:<deployId>
func (o *Orchestrator) build(ctx context.Context, svc *domain.Service, d *domain.Deploy, log *deployLog) (*buildResult, error) {
	if err := os.MkdirAll(o.cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	contextDir, err := os.MkdirTemp(o.cfg.TmpDir, fmt.Sprintf("build-%s-%d-", svc.Name, d.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(contextDir); err != nil {
			o.logger.Warn("Failed to remove build context", "operation", "build", "dir", contextDir, "error", err)
		}
	}()

	target := domain.UnknownTarget
	var recipe *buildpack.Recipe

	if svc.Buildpack == domain.ImageBuildpack {
		target = svc.Source.Image
		recipe = &buildpack.Recipe{
			Dockerfile: fmt.Sprintf("FROM %s\n", svc.Source.Image),
			BuildArgs:  svc.BuildArgs.All(),
		}
		log.Step("Using image %s", svc.Source.Image)
	} else {
		target, err = o.prepareSource(ctx, svc, contextDir, log)
		if err != nil {
			return nil, err
		}

		project := buildpack.NewProject(contextDir)
		bp, err := o.buildpacks.Select(project, svc, svc.Buildpack)
		if err != nil {
			return nil, err
		}
		log.Step("Using buildpack %s", bp.Name())

		recipe, err = bp.Recipe(project, svc)
		if err != nil {
			return nil, fmt.Errorf("buildpack %s: %w", bp.Name(), err)
		}
	}

	if err := writeRecipe(contextDir, recipe); err != nil {
		return nil, err
	}

	lookup := secretLookup(svc)
	opts := docker.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: filepath.Join(contextDir, filepath.FromSlash(generatedDockerfile)),
		Tag:        svc.ImageRef(d.ID),
		Pull:       svc.Process.Pull,
		BuildArgs:  expandAll(recipe.BuildArgs, lookup),
		Labels:     expandAll(svc.Labels.Build(), lookup),
		Hosts:      expandAll(svc.Hosts.Build(), lookup),
	}
	maps.Copy(opts.Labels, identityLabels(svc, d))

	if secrets := svc.Secrets.Build(); len(secrets) > 0 {
		file := filepath.Join(o.cfg.TmpDir, fmt.Sprintf("secrets-%s-%d", svc.Name, d.ID))
		if err := docker.WriteSecretsFile(file, expandAll(secrets, lookup)); err != nil {
			return nil, fmt.Errorf("failed to write build secrets: %w", err)
		}
		defer func() { _ = os.Remove(file) }()
		opts.SecretsFile = file
	}

	log.Step("Building image %s", opts.Tag)
	started := o.now()
	stream, err := o.runtime.BuildImage(ctx, opts)
	if err != nil {
		return nil, err
	}
	for event := range stream.Events() {
		log.Raw(event.Text)
	}
	if err := stream.Wait(); err != nil {
		return nil, err
	}
	log.Done("Built image %s in %s", opts.Tag, o.now().Sub(started).Round(time.Millisecond))

	return &buildResult{Image: opts.Tag, Target: target}, nil
}

// writeRecipe writes the generated Dockerfile and the support files the project lacks
func writeRecipe(contextDir string, recipe *buildpack.Recipe) error {
	project := buildpack.NewProject(contextDir)
	files := map[string]string{generatedDockerfile: recipe.Dockerfile}
	for name, content := range recipe.Files {
		if !project.Exists(name) {
			files[name] = content
		}
	}

	for name, content := range files {
		path := project.Path(name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// isBuildFailure reports errors that happened before any container existed
func isBuildFailure(err error) bool {
	var buildErr *docker.BuildError
	return errors.As(err, &buildErr) ||
		errors.Is(err, buildpack.ErrTemplateNotFound) ||
		errors.Is(err, buildpack.ErrNoTemplateMatched)
}
