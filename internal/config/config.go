package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted for values not set in the config file
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvGitToken = "GITHUB_TOKEN"
	EnvRepoURL  = "REPO_URL"
	EnvGitUser  = "GITHUB_USER"
	EnvAPIBase  = "OPENAI_BASE_URL"
	EnvRepoDir  = "ASSISTSYNC_REPO_DIR"
	EnvStateDir = "ASSISTSYNC_STATE_DIR"
)

// Defaults applied by Load
const (
	DefaultAPI            = "https://api.openai.com/v1"
	DefaultRemote         = "origin"
	DefaultBranch         = "main"
	DefaultDelay          = 3 * time.Second
	DefaultCommitMessage  = "Commit realizado"
	DefaultCommandTimeout = 30 * time.Second
)

// ErrMissing is returned when one or more required values are absent
var ErrMissing = errors.New("required configuration missing")

// MissingError names every required key that was not provided
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissing, strings.Join(e.Keys, ", "))
}

func (e *MissingError) Unwrap() error {
	return ErrMissing
}

// Config represents the complete assistsync configuration
type Config struct {
	API   APIConfig   `yaml:"api"`
	Repo  RepoConfig  `yaml:"repo"`
	Paths PathsConfig `yaml:"paths"`
	Sync  SyncConfig  `yaml:"sync"`
}

// APIConfig configures access to the assistants API
type APIConfig struct {
	Key     string `yaml:"key"`
	BaseURL string `yaml:"base_url"`
}

// RepoConfig configures the Git repository snapshots are published to
type RepoConfig struct {
	URL         string `yaml:"url"`
	User        string `yaml:"user"`
	Token       string `yaml:"token"`
	Remote      string `yaml:"remote"`
	Branch      string `yaml:"branch"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	RepoDir     string `yaml:"repo_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	StateDir    string `yaml:"state_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Delay          time.Duration `yaml:"delay"`
	CommitMessage  string        `yaml:"commit_message"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set are left untouched and a missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads and parses the configuration file. An empty path skips the
// file and builds the configuration from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		// Expand environment variables in path
		path = os.ExpandEnv(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Fill gaps from well-known variables
	cfg.applyEnv()

	// Apply defaults
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.API.Key = os.ExpandEnv(c.API.Key)
	c.API.BaseURL = os.ExpandEnv(c.API.BaseURL)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.User = os.ExpandEnv(c.Repo.User)
	c.Repo.Token = os.ExpandEnv(c.Repo.Token)
	c.Repo.AuthorName = os.ExpandEnv(c.Repo.AuthorName)
	c.Repo.AuthorEmail = os.ExpandEnv(c.Repo.AuthorEmail)
	c.Paths.RepoDir = os.ExpandEnv(c.Paths.RepoDir)
	c.Paths.SnapshotDir = os.ExpandEnv(c.Paths.SnapshotDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
}

// applyEnv fills empty fields from their environment variables.
func (c *Config) applyEnv() {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	fill(&c.API.Key, EnvAPIKey)
	fill(&c.API.BaseURL, EnvAPIBase)
	fill(&c.Repo.URL, EnvRepoURL)
	fill(&c.Repo.User, EnvGitUser)
	fill(&c.Repo.Token, EnvGitToken)
	fill(&c.Paths.RepoDir, EnvRepoDir)
	fill(&c.Paths.StateDir, EnvStateDir)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultAPI
	}
	if c.Repo.Remote == "" {
		c.Repo.Remote = DefaultRemote
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = DefaultBranch
	}
	if c.Repo.AuthorName == "" {
		c.Repo.AuthorName = c.Repo.User
	}
	if c.Repo.AuthorEmail == "" && c.Repo.User != "" {
		c.Repo.AuthorEmail = c.Repo.User + "@users.noreply.github.com"
	}

	if c.Paths.RepoDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		c.Paths.RepoDir = wd
	}
	if c.Paths.SnapshotDir == "" {
		c.Paths.SnapshotDir = filepath.Join(c.Paths.RepoDir, "assistants")
	}
	if c.Paths.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		c.Paths.StateDir = filepath.Join(home, ".local", "state", "assistsync")
	}

	if c.Sync.Delay == 0 {
		c.Sync.Delay = DefaultDelay
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = DefaultCommitMessage
	}
	if c.Sync.CommandTimeout == 0 {
		c.Sync.CommandTimeout = DefaultCommandTimeout
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Required values, reported together
	var missing []string
	if c.API.Key == "" {
		missing = append(missing, "api.key ("+EnvAPIKey+")")
	}
	if c.Repo.Token == "" {
		missing = append(missing, "repo.token ("+EnvGitToken+")")
	}
	if c.Repo.URL == "" {
		missing = append(missing, "repo.url ("+EnvRepoURL+")")
	}
	if c.Repo.User == "" {
		missing = append(missing, "repo.user ("+EnvGitUser+")")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	if !c.IsHTTPS() {
		return fmt.Errorf("repo.url must use the https scheme: %s", c.Repo.URL)
	}
	if _, err := url.Parse(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}

	// Ensure paths are absolute
	if !filepath.IsAbs(c.Paths.RepoDir) {
		return fmt.Errorf("paths.repo_dir must be an absolute path: %s", c.Paths.RepoDir)
	}
	if !filepath.IsAbs(c.Paths.SnapshotDir) {
		return fmt.Errorf("paths.snapshot_dir must be an absolute path: %s", c.Paths.SnapshotDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Sync.Delay < 0 {
		return fmt.Errorf("sync.delay must not be negative: %s", c.Sync.Delay)
	}
	if c.Sync.CommandTimeout < 0 {
		return fmt.Errorf("sync.command_timeout must not be negative: %s", c.Sync.CommandTimeout)
	}

	return nil
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// RemoteURL returns the repository URL with the user and token embedded
// as userinfo. The result is a credential and must go through
// git.Redact before it is logged.
func (c *Config) RemoteURL() string {
	u, err := url.Parse(c.Repo.URL)
	if err != nil || u.Host == "" {
		rest := strings.TrimPrefix(c.Repo.URL, "https://")
		return "https://" + url.UserPassword(c.Repo.User, c.Repo.Token).String() + "@" + rest
	}
	u.User = url.UserPassword(c.Repo.User, c.Repo.Token)
	return u.String()
}

// Secrets returns the credential values that must never be logged
func (c *Config) Secrets() []string {
	var secrets []string
	for _, s := range []string{c.Repo.Token, c.API.Key} {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

// LogFilePath returns the path to the history log
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.StateDir, "logs", "history.log")
}
