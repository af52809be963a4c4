// Package config provides configuration loading for Depker.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/depker/depker/logging"
	"gopkg.in/yaml.v3"
)

const (
	ServicesDir   = "services"
	StorageDir    = "storage"
	BuildpacksDir = "buildpacks"
	TmpDir        = "tmp"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// GetDefaultDataDir returns the default data directory following the XDG Base Directory layout
func GetDefaultDataDir() string {
	return getDefaultDataDirWithEnv(&DefaultEnvProvider{})
}

func getDefaultDataDirWithEnv(env EnvProvider) string {
	if xdgDataHome := env.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "depker")
	}

	homeDir, _ := env.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "depker")
}

// ProxyConfig holds settings for the managed Traefik instance
type ProxyConfig struct {
	Image            string
	ContainerName    string
	ACMEEmail        string
	ACMEChallenge    string // "http" or "dns"
	ACMEDNSProvider  string
	DashboardHost    string
	DashboardAuth    string // htpasswd formatted user:hash
	ExtraEnvironment map[string]string
}

// Config holds configuration for all services
type Config struct {
	// Core paths
	DataDir       string
	DatabasePath  string
	TmpDir        string
	WorkspaceDir  string
	StorageDir    string
	BuildpacksDir string

	// Logging
	LogLevel     string
	ColorEnabled bool

	// Docker
	DockerHost    string
	DockerCommand string
	Network       string

	// HTTP server
	HTTPHost string
	HTTPPort int

	// Git
	GitTimeout time.Duration

	// Watcher
	WatcherPollInterval time.Duration

	// Health polling of freshly started containers
	HealthPollInterval time.Duration
	HealthPollLimit    int

	// Remove dangling images, volumes and networks after successful deploys
	PurgeEnabled bool

	// Encryption
	EncryptionKey string

	Proxy ProxyConfig

	env EnvProvider
}

// yamlConfig mirrors the on-disk configuration file
type yamlConfig struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Color    *bool  `yaml:"color"`
	Docker   struct {
		Host    string `yaml:"host"`
		Command string `yaml:"command"`
		Network string `yaml:"network"`
	} `yaml:"docker"`
	HTTP struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`
	Git struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"git"`
	Watcher struct {
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"watcher"`
	Health struct {
		Interval string `yaml:"interval"`
		Limit    int    `yaml:"limit"`
	} `yaml:"health"`
	Purge         *bool  `yaml:"purge"`
	EncryptionKey string `yaml:"encryption_key"`
	Proxy         struct {
		Image     string            `yaml:"image"`
		Email     string            `yaml:"email"`
		Challenge string            `yaml:"challenge"`
		Provider  string            `yaml:"provider"`
		Dashboard string            `yaml:"dashboard"`
		Auth      string            `yaml:"auth"`
		Env       map[string]string `yaml:"env"`
	} `yaml:"proxy"`
}

// NewConfig loads configuration from an optional YAML file and the process environment
func NewConfig(configPath string) (*Config, error) {
	return NewConfigWithEnv(configPath, &DefaultEnvProvider{})
}

// NewConfigWithEnv loads configuration with a custom environment provider (for testing)
func NewConfigWithEnv(configPath string, env EnvProvider) (*Config, error) {
	c := &Config{env: env}
	c.setDefaults()

	if configPath != "" {
		if err := c.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	c.loadFromEnv()
	return c.finalize()
}

// NewConfigForCLI creates a new configuration for CLI usage with optional data directory override
func NewConfigForCLI(cliDataDir string) (*Config, error) {
	return NewConfigForCLIWithEnv(&DefaultEnvProvider{}, cliDataDir)
}

// NewConfigForCLIWithEnv creates a new configuration with custom environment provider (for testing)
func NewConfigForCLIWithEnv(env EnvProvider, cliDataDir string) (*Config, error) {
	c := &Config{env: env}
	c.setDefaults()
	c.loadFromEnv()

	if cliDataDir != "" {
		c.DataDir = cliDataDir
	}

	return c.finalize()
}

func (c *Config) finalize() (*Config, error) {
	c.derivePaths()

	// Fall back to the .env file in the data directory once the directory is final
	if c.EncryptionKey == "" {
		c.EncryptionKey = c.readEncryptionKeyFromEnvFile()
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

func (c *Config) setDefaults() {
	c.DataDir = getDefaultDataDirWithEnv(c.env)
	c.LogLevel = "info"
	c.ColorEnabled = true
	c.DockerHost = "unix:///var/run/docker.sock"
	c.DockerCommand = "docker"
	c.Network = "depker"
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 7000
	c.GitTimeout = 5 * time.Minute
	c.WatcherPollInterval = 5 * time.Minute
	c.HealthPollInterval = 3 * time.Second
	c.HealthPollLimit = 1200
	c.PurgeEnabled = true
	c.Proxy = ProxyConfig{
		Image:         "traefik:v3.1",
		ContainerName: "depker-traefik",
		ACMEChallenge: "http",
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if y.DataDir != "" {
		c.DataDir = y.DataDir
	}
	if y.LogLevel != "" {
		c.LogLevel = y.LogLevel
	}
	if y.Color != nil {
		c.ColorEnabled = *y.Color
	}
	if y.Docker.Host != "" {
		c.DockerHost = y.Docker.Host
	}
	if y.Docker.Command != "" {
		c.DockerCommand = y.Docker.Command
	}
	if y.Docker.Network != "" {
		c.Network = y.Docker.Network
	}
	if y.HTTP.Host != "" {
		c.HTTPHost = y.HTTP.Host
	}
	if y.HTTP.Port != 0 {
		c.HTTPPort = y.HTTP.Port
	}
	if y.Git.Timeout != "" {
		d, err := time.ParseDuration(y.Git.Timeout)
		if err != nil {
			return fmt.Errorf("invalid git timeout %q: %w", y.Git.Timeout, err)
		}
		c.GitTimeout = d
	}
	if y.Watcher.PollInterval != "" {
		d, err := time.ParseDuration(y.Watcher.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid watcher poll interval %q: %w", y.Watcher.PollInterval, err)
		}
		c.WatcherPollInterval = d
	}
	if y.Health.Interval != "" {
		d, err := time.ParseDuration(y.Health.Interval)
		if err != nil {
			return fmt.Errorf("invalid health interval %q: %w", y.Health.Interval, err)
		}
		c.HealthPollInterval = d
	}
	if y.Health.Limit != 0 {
		c.HealthPollLimit = y.Health.Limit
	}
	if y.Purge != nil {
		c.PurgeEnabled = *y.Purge
	}
	if y.EncryptionKey != "" {
		c.EncryptionKey = y.EncryptionKey
	}
	if y.Proxy.Image != "" {
		c.Proxy.Image = y.Proxy.Image
	}
	if y.Proxy.Email != "" {
		c.Proxy.ACMEEmail = y.Proxy.Email
	}
	if y.Proxy.Challenge != "" {
		c.Proxy.ACMEChallenge = y.Proxy.Challenge
	}
	if y.Proxy.Provider != "" {
		c.Proxy.ACMEDNSProvider = y.Proxy.Provider
	}
	if y.Proxy.Dashboard != "" {
		c.Proxy.DashboardHost = y.Proxy.Dashboard
	}
	if y.Proxy.Auth != "" {
		c.Proxy.DashboardAuth = y.Proxy.Auth
	}
	if len(y.Proxy.Env) > 0 {
		c.Proxy.ExtraEnvironment = y.Proxy.Env
	}

	return nil
}

func (c *Config) loadFromEnv() {
	if v := c.env.Getenv("DEPKER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := c.env.Getenv("DEPKER_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := c.env.Getenv("DEPKER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := c.env.Getenv("DEPKER_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	if v := c.env.Getenv("DEPKER_DOCKER_HOST"); v != "" {
		c.DockerHost = v
	}
	if v := c.env.Getenv("DEPKER_DOCKER_COMMAND"); v != "" {
		c.DockerCommand = v
	}
	if v := c.env.Getenv("DEPKER_NETWORK"); v != "" {
		c.Network = v
	}
	if v := c.env.Getenv("DEPKER_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := c.env.Getenv("DEPKER_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := c.env.Getenv("DEPKER_GIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GitTimeout = d
		}
	}
	if v := c.env.Getenv("DEPKER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WatcherPollInterval = d
		}
	}
	if v := c.env.Getenv("DEPKER_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HealthPollInterval = d
		}
	}
	if v := c.env.Getenv("DEPKER_HEALTH_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthPollLimit = n
		}
	}
	if v := c.env.Getenv("DEPKER_PURGE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.PurgeEnabled = enabled
		}
	}
	if v := c.env.Getenv("DEPKER_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := c.env.Getenv("DEPKER_ACME_EMAIL"); v != "" {
		c.Proxy.ACMEEmail = v
	}
	if v := c.env.Getenv("DEPKER_ACME_CHALLENGE"); v != "" {
		c.Proxy.ACMEChallenge = v
	}
	if v := c.env.Getenv("DEPKER_ACME_PROVIDER"); v != "" {
		c.Proxy.ACMEDNSProvider = v
	}
	if v := c.env.Getenv("DEPKER_DASHBOARD"); v != "" {
		c.Proxy.DashboardHost = v
	}
	if v := c.env.Getenv("DEPKER_DASHBOARD_AUTH"); v != "" {
		c.Proxy.DashboardAuth = v
	}
}

// readEncryptionKeyFromEnvFile reads DEPKER_ENCRYPTION_KEY from the .env file in the data directory
func (c *Config) readEncryptionKeyFromEnvFile() string {
	f, err := os.Open(filepath.Join(c.DataDir, ".env"))
	if err != nil {
		return ""
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "DEPKER_ENCRYPTION_KEY" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return ""
}

func (c *Config) derivePaths() {
	c.TmpDir = filepath.Join(c.DataDir, TmpDir)
	c.WorkspaceDir = filepath.Join(c.DataDir, ServicesDir)
	c.StorageDir = filepath.Join(c.DataDir, StorageDir)
	c.BuildpacksDir = filepath.Join(c.DataDir, BuildpacksDir)

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "depker.db")
	}
}

func (c *Config) validate() error {
	valid := false
	for _, level := range logging.ValidLogLevels() {
		if c.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log level: %s (must be one of %s)",
			c.LogLevel, strings.Join(logging.ValidLogLevels(), ", "))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d (must be 1-65535)", c.HTTPPort)
	}

	if c.GitTimeout <= 0 {
		return fmt.Errorf("git timeout must be positive, got: %v", c.GitTimeout)
	}

	if c.WatcherPollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got: %v", c.WatcherPollInterval)
	}

	if c.HealthPollInterval <= 0 {
		return fmt.Errorf("health poll interval must be positive, got: %v", c.HealthPollInterval)
	}

	if c.HealthPollLimit < 1 {
		return fmt.Errorf("health poll limit must be at least 1, got: %d", c.HealthPollLimit)
	}

	if c.DockerCommand == "" {
		return fmt.Errorf("docker command cannot be empty")
	}

	if c.Network == "" {
		return fmt.Errorf("docker network cannot be empty")
	}

	switch c.Proxy.ACMEChallenge {
	case "http":
	case "dns":
		if c.Proxy.ACMEDNSProvider == "" {
			return fmt.Errorf("dns challenge requires an ACME DNS provider")
		}
	default:
		return fmt.Errorf("invalid ACME challenge: %s (must be http or dns)", c.Proxy.ACMEChallenge)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf(
			"encryption key is required - set DEPKER_ENCRYPTION_KEY environment variable or ensure .env file exists in data directory (%s)",
			c.DataDir,
		)
	}

	return nil
}

// GetLogLevel returns the configured log level
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}
