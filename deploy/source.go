package deploy

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/depker/depker/domain"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/gosimple/slug"
)

var ignoreFiles = []string{".gitignore", ".depkerignore"}

// workspaceDir is where the git checkout of a service lives between deploys
func (o *Orchestrator) workspaceDir(svc *domain.Service) string {
	return filepath.Join(o.cfg.WorkspaceDir, slug.Make(svc.Name))
}

// prepareSource materialises the project into a fresh build context and returns the
// resolved target (commit) or domain.UnknownTarget
func (o *Orchestrator) prepareSource(ctx context.Context, svc *domain.Service, contextDir string, log *deployLog) (string, error) {
	switch svc.Source.Kind {
	case domain.SourceGit:
		dir := o.workspaceDir(svc)
		log.Info("Fetching %s (%s)", svc.Source.URL, svc.Source.Branch)
		commit, err := o.git.Sync(ctx, svc.Source.URL, svc.Source.Branch, svc.Source.Auth, dir)
		if err != nil {
			return "", fmt.Errorf("failed to fetch source: %w", err)
		}
		if err := o.services.UpdateLastCommit(svc.ID, commit); err != nil {
			o.logger.Warn("Failed to record last commit",
				"operation", "prepareSource",
				"service", svc.Name,
				"error", err)
		}
		if err := CopyProject(dir, contextDir); err != nil {
			return "", err
		}
		return commit, nil

	case domain.SourcePath:
		log.Info("Copying %s", svc.Source.Path)
		if err := CopyProject(svc.Source.Path, contextDir); err != nil {
			return "", err
		}
		return domain.UnknownTarget, nil

	case domain.SourceArchive:
		log.Info("Extracting %s", svc.Source.Path)
		if err := ExtractArchive(svc.Source.Path, contextDir); err != nil {
			return "", err
		}
		return domain.UnknownTarget, nil

	default:
		return "", fmt.Errorf("unsupported source kind %q", svc.Source.Kind)
	}
}

// readIgnore parses the ignore files of one directory, scoped to that directory
func readIgnore(root string, parts []string) ([]gitignore.Pattern, error) {
	var patterns []gitignore.Pattern
	dir := filepath.Join(append([]string{root}, parts...)...)
	for _, name := range ignoreFiles {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, gitignore.ParsePattern(line, parts))
		}
		_ = f.Close()
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	return patterns, nil
}

// CopyProject copies src into dst, skipping .git and paths matched by .gitignore or
// .depkerignore files at any level
func CopyProject(src, dst string) error {
	src = filepath.Clean(src)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to read project: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project %s is not a directory", src)
	}
	if rel, err := filepath.Rel(src, dst); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("cannot copy %s into itself", src)
	}

	var patterns []gitignore.Pattern
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if rel == "." {
			loaded, err := readIgnore(src, nil)
			if err != nil {
				return err
			}
			patterns = append(patterns, loaded...)
			return os.MkdirAll(dst, 0o755)
		}

		parts := strings.Split(filepath.ToSlash(rel), "/")
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if gitignore.NewMatcher(patterns).Match(parts, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			loaded, err := readIgnore(src, parts)
			if err != nil {
				return err
			}
			patterns = append(patterns, loaded...)
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ExtractArchive unpacks a tar or tar.gz upload into dst, rejecting entries that escape it
func ExtractArchive(archive, dst string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	var reader io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target := filepath.Join(dst, filepath.FromSlash(header.Name))
		if rel, err := filepath.Rel(dst, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes the build context", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}
}
