// Package fixtures builds on-disk test inputs shared by package tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type RepoFile struct {
	Path    string
	Content string
}

// InitGitRepo creates a repository at path on branch main with one commit holding files
func InitGitRepo(path string, files []RepoFile) (*git.Repository, error) {
	repo, err := git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize git repository: %w", err)
	}

	if _, err := CommitFiles(repo, "Initial commit", files); err != nil {
		return nil, err
	}
	return repo, nil
}

// CommitFiles writes files into the worktree and commits them, returning the new hash
func CommitFiles(repo *git.Repository, message string, files []RepoFile) (string, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	repoDir := worktree.Filesystem.Root()
	for _, file := range files {
		filePath := filepath.Join(repoDir, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(filePath, []byte(file.Content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write file %s: %w", file.Path, err)
		}
		if _, err := worktree.Add(file.Path); err != nil {
			return "", fmt.Errorf("failed to add file %s to git: %w", file.Path, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "John Doe",
			Email: "john@doe.org",
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit changes: %w", err)
	}
	return hash.String(), nil
}

// WriteTree writes files below root without any git metadata
func WriteTree(root string, files []RepoFile) error {
	for _, file := range files {
		path := filepath.Join(root, filepath.FromSlash(file.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Trim trims trailing spaces left by tablewriter on each line
func Trim(input string) string {
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \n")
	}
	return strings.Join(lines, "\n")
}
