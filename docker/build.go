package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// BuildArgs returns the docker CLI arguments for a BuildKit build
func BuildArgs(host string, opts BuildOptions) []string {
	var args []string
	if host != "" {
		args = append(args, "--host", host)
	}
	args = append(args, "build", "--progress=plain", "--tag="+opts.Tag)
	if opts.Dockerfile != "" {
		args = append(args, "--file="+opts.Dockerfile)
	}
	if opts.Pull {
		args = append(args, "--pull")
	}
	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	for _, k := range sortedKeys(opts.Hosts) {
		args = append(args, "--add-host", k+":"+opts.Hosts[k])
	}
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	if opts.SecretsFile != "" {
		args = append(args, "--secret", "id=secrets,src="+opts.SecretsFile)
	}
	return append(args, opts.ContextDir)
}

// BuildImage runs the build through the CLI; stdout and stderr share one pipe so lines keep their order
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions) (*Stream, error) {
	return runBuild(ctx, c.command, BuildArgs(c.host, opts), opts)
}

func runBuild(ctx context.Context, command string, args []string, opts BuildOptions) (*Stream, error) {
	slog.Debug("Executing docker build",
		"layer", "docker",
		"command", command,
		"args", args,
		"context_dir", opts.ContextDir)

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = opts.ContextDir
	cmd.Env = append(os.Environ(), "DOCKER_BUILDKIT=1")

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, wrapErr("build image", opts.Tag, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		slog.Error("Service operation failed",
			"layer", "docker",
			"operation", "docker_build",
			"command", cmd.String(),
			"error", err)
		return nil, wrapErr("build image", opts.Tag, err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	return NewStream(func(emit func(Progress)) error {
		defer pr.Close() //nolint:errcheck

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emit(Progress{Source: "build", Text: scanner.Text()})
		}

		if err := cmd.Wait(); err != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			slog.Error("Service operation failed",
				"layer", "docker",
				"operation", "docker_build",
				"tag", opts.Tag,
				"error", err)
			return &BuildError{Tag: opts.Tag, ExitCode: exitCode, Err: err}
		}
		if err := scanner.Err(); err != nil {
			return wrapErr("build image", "read output", err)
		}
		return nil
	}), nil
}

// WriteSecretsFile writes k=v lines, sorted by key, for the build secret mount
func WriteSecretsFile(path string, secrets map[string]string) error {
	var b strings.Builder
	for _, k := range sortedKeys(secrets) {
		fmt.Fprintf(&b, "%s=%s\n", k, secrets[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
