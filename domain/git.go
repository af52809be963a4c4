package domain

import "fmt"

// GitAuthConfig holds Git authentication configuration for a service source
type GitAuthConfig struct {
	HTTPAuth *GitHTTPAuthConfig `json:"http,omitempty" yaml:"http,omitempty"`
	SSHAuth  *GitSSHAuthConfig  `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// GitHTTPAuthConfig for HTTP basic authentication (GitHub tokens, etc.)
type GitHTTPAuthConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// GitSSHAuthConfig for passwordless SSH key authentication
type GitSSHAuthConfig struct {
	PrivateKey string `json:"private_key" yaml:"private_key"` // PEM-encoded
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
}

// GitAuthType represents the Git authentication method type
type GitAuthType string

const (
	GitAuthTypeHTTP GitAuthType = "http"
	GitAuthTypeSSH  GitAuthType = "ssh"
)

func (a GitAuthType) String() string {
	return string(a)
}

func (a GitAuthType) IsValid() bool {
	switch a {
	case GitAuthTypeHTTP, GitAuthTypeSSH:
		return true
	default:
		return false
	}
}

func ParseGitAuthType(s string) (GitAuthType, error) {
	authType := GitAuthType(s)
	if !authType.IsValid() {
		return "", fmt.Errorf("invalid auth type: %s", s)
	}
	return authType, nil
}
