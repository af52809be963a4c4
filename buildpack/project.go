package buildpack

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Project is a read-only view of a build context directory
type Project struct {
	root string
}

func NewProject(root string) *Project {
	return &Project{root: root}
}

func (p *Project) Root() string {
	return p.root
}

// Path resolves a slash separated project path. Paths escaping the root resolve to the root.
func (p *Project) Path(rel string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	return filepath.Join(p.root, clean)
}

// Exists reports whether the file or directory exists in the project
func (p *Project) Exists(rel string) bool {
	_, err := os.Stat(p.Path(rel))
	return err == nil
}

// IsDir reports whether rel is a directory in the project
func (p *Project) IsDir(rel string) bool {
	info, err := os.Stat(p.Path(rel))
	return err == nil && info.IsDir()
}

func (p *Project) Read(rel string) (string, error) {
	data, err := os.ReadFile(p.Path(rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Files lists every regular file as a sorted slash separated path
func (p *Project) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}

// HasSuffix reports whether any file ends with one of the suffixes
func (p *Project) HasSuffix(suffixes ...string) bool {
	files, err := p.Files()
	if err != nil {
		return false
	}
	for _, f := range files {
		for _, s := range suffixes {
			if strings.HasSuffix(f, s) {
				return true
			}
		}
	}
	return false
}
