// Package git fetches service sources from Git remotes.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/depker/depker/config"
	"github.com/depker/depker/domain"
	"github.com/depker/depker/logging"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

var ErrBranchRequired = errors.New("git branch is required")

// Source is what the orchestrator and the watcher need from git
type Source interface {
	// Sync clones or updates dir to the tip of branch and returns the checked out commit
	Sync(ctx context.Context, url, branch string, auth *domain.GitAuthConfig, dir string) (string, error)
	// RemoteCommit resolves the tip of branch on the remote without touching any workspace
	RemoteCommit(ctx context.Context, url, branch string, auth *domain.GitAuthConfig) (string, error)
}

type GitService struct {
	timeout time.Duration
	logger  *slog.Logger
}

var _ Source = (*GitService)(nil)

func NewGitService(cfg *config.Config) *GitService {
	return &GitService{
		timeout: cfg.GitTimeout,
		logger:  logging.Layer("git"),
	}
}

func (s *GitService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// authMethod converts the stored credentials; nil means a public repository
func authMethod(auth *domain.GitAuthConfig) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}

	if auth.SSHAuth != nil {
		user := auth.SSHAuth.User
		if user == "" {
			user = "git"
		}
		// passwordless keys only
		return ssh.NewPublicKeys(user, []byte(auth.SSHAuth.PrivateKey), "")
	}

	if auth.HTTPAuth != nil {
		return &http.BasicAuth{
			Username: auth.HTTPAuth.Username,
			Password: auth.HTTPAuth.Password,
		}, nil
	}

	return nil, nil
}

func (s *GitService) Sync(ctx context.Context, url, branch string, auth *domain.GitAuthConfig, dir string) (string, error) {
	if branch == "" {
		return "", ErrBranchRequired
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return s.Pull(ctx, branch, auth, dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear workspace: %w", err)
	}
	if err := s.Clone(ctx, url, branch, auth, dir); err != nil {
		return "", err
	}
	return s.HeadCommit(dir)
}

// Clone clones a single branch into dir
func (s *GitService) Clone(ctx context.Context, url, branch string, auth *domain.GitAuthConfig, dir string) error {
	s.logger.Info("Cloning repository", "git_url", url, "git_branch", branch, "working_dir", dir)

	method, err := authMethod(auth)
	if err != nil {
		s.logger.Error("Service operation failed",
			"operation", "git_clone_auth",
			"git_url", url,
			"error", err)
		return fmt.Errorf("failed to create auth method: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	options := &git.CloneOptions{
		URL:          url,
		SingleBranch: true,
		Auth:         method,
	}
	if branch != "" {
		options.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, options); err != nil {
		s.logger.Error("Service operation failed",
			"operation", "git_clone",
			"git_url", url,
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

// Pull fetches branch and hard resets the worktree to origin/<branch>, surviving force pushes.
// Untracked files are left alone.
func (s *GitService) Pull(ctx context.Context, branch string, auth *domain.GitAuthConfig, dir string) (string, error) {
	if err := s.Fetch(ctx, branch, auth, dir); err != nil {
		return "", fmt.Errorf("failed to fetch changes: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", err
	}

	remote := plumbing.NewRemoteReferenceName("origin", branch)
	ref, err := repo.Reference(remote, true)
	if err != nil {
		s.logger.Error("Service operation failed",
			"operation", "git_pull_remote_ref",
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return "", fmt.Errorf("failed to get remote reference %s: %w", remote, err)
	}

	current, err := s.HeadCommit(dir)
	if err != nil {
		current = domain.UnknownTarget
	}
	target := ref.Hash().String()

	if err := worktree.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		s.logger.Error("Service operation failed",
			"operation", "git_pull_reset",
			"git_branch", branch,
			"working_dir", dir,
			"target_commit", target,
			"error", err)
		return "", fmt.Errorf("failed to reset to %s: %w", target, err)
	}

	if current != target {
		s.logger.Info("Repository updated",
			"git_branch", branch,
			"working_dir", dir,
			"from_commit", current,
			"to_commit", target)
	}
	return target, nil
}

// Fetch updates refs/remotes/origin/<branch> without touching the worktree
func (s *GitService) Fetch(ctx context.Context, branch string, auth *domain.GitAuthConfig, dir string) error {
	if branch == "" {
		return ErrBranchRequired
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return err
	}

	method, err := authMethod(auth)
	if err != nil {
		return fmt.Errorf("failed to create auth method: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = repo.FetchContext(ctx, &git.FetchOptions{
		Auth:  method,
		Force: true,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		s.logger.Error("Service operation failed",
			"operation", "git_fetch",
			"git_branch", branch,
			"working_dir", dir,
			"error", err)
		return err
	}
	return nil
}

// HeadCommit returns the commit checked out in dir
func (s *GitService) HeadCommit(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (s *GitService) listRemote(ctx context.Context, url string, auth *domain.GitAuthConfig) ([]*plumbing.Reference, error) {
	method, err := authMethod(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth method: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	remote := git.NewRemote(nil, &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	return remote.ListContext(ctx, &git.ListOptions{Auth: method})
}

func (s *GitService) RemoteCommit(ctx context.Context, url, branch string, auth *domain.GitAuthConfig) (string, error) {
	if branch == "" {
		return "", ErrBranchRequired
	}

	refs, err := s.listRemote(ctx, url, auth)
	if err != nil {
		return "", fmt.Errorf("failed to list remote references: %w", err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %s not found on %s", branch, url)
}

// TestAuthentication lists the remote, which fails fast on bad credentials
func (s *GitService) TestAuthentication(ctx context.Context, url string, auth *domain.GitAuthConfig) error {
	if _, err := s.listRemote(ctx, url, auth); err != nil {
		s.logger.Error("Git authentication test failed",
			"operation", "test_git_authentication",
			"git_url", url,
			"error", err)
		return err
	}
	return nil
}

// DefaultBranch resolves the branch HEAD points at on the remote
func (s *GitService) DefaultBranch(ctx context.Context, url string, auth *domain.GitAuthConfig) (string, error) {
	refs, err := s.listRemote(ctx, url, auth)
	if err != nil {
		return "", fmt.Errorf("failed to list remote references: %w", err)
	}

	for _, ref := range refs {
		if ref.Name() != plumbing.HEAD {
			continue
		}
		if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
			return ref.Target().Short(), nil
		}
		for _, other := range refs {
			if other.Hash() == ref.Hash() && other.Name().IsBranch() {
				return other.Name().Short(), nil
			}
		}
	}

	return "", fmt.Errorf("could not determine default branch for repository %s", url)
}
