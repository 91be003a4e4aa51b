package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BackendType selects the hosting backend
type BackendType string

const (
	BackendGit    BackendType = "git"
	BackendSFTP   BackendType = "sftp"
	BackendObject BackendType = "object"
	BackendManual BackendType = "manual"
)

// Config represents the complete blogsync configuration
type Config struct {
	Blog    BlogConfig    `yaml:"blog" toml:"blog"`
	Paths   PathsConfig   `yaml:"paths" toml:"paths"`
	Backend BackendConfig `yaml:"backend" toml:"backend"`
	Publish PublishConfig `yaml:"publish" toml:"publish"`
	Secrets SecretsConfig `yaml:"secrets" toml:"secrets"`
	Sync    SyncConfig    `yaml:"sync" toml:"sync"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Serve   ServeConfig   `yaml:"serve" toml:"serve"`
}

// BlogConfig identifies the blog and where the renderer writes it
type BlogConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Name      string `yaml:"name" toml:"name"`
	SourceDir string `yaml:"source_dir" toml:"source_dir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// BackendConfig selects and configures the publish target
type BackendConfig struct {
	Type   BackendType  `yaml:"type" toml:"type"`
	Git    GitConfig    `yaml:"git" toml:"git"`
	SFTP   SFTPConfig   `yaml:"sftp" toml:"sftp"`
	Object ObjectConfig `yaml:"object" toml:"object"`
	Manual ManualConfig `yaml:"manual" toml:"manual"`
}

// GitConfig configures the Git backend. Secret fields hold references
// resolved at publish time (a file path, env:NAME or aws:secret-id).
type GitConfig struct {
	URL           string `yaml:"url" toml:"url"`
	Branch        string `yaml:"branch" toml:"branch"`
	Username      string `yaml:"username" toml:"username"`
	TokenRef      string `yaml:"token_ref" toml:"token_ref"`
	SSHKeyRef     string `yaml:"ssh_key_ref" toml:"ssh_key_ref"`
	AuthorName    string `yaml:"author_name" toml:"author_name"`
	AuthorEmail   string `yaml:"author_email" toml:"author_email"`
	CommitMessage string `yaml:"commit_message" toml:"commit_message"`
}

// SFTPConfig configures the SFTP backend
type SFTPConfig struct {
	Host          string `yaml:"host" toml:"host"`
	Port          int    `yaml:"port" toml:"port"`
	Username      string `yaml:"username" toml:"username"`
	PasswordRef   string `yaml:"password_ref" toml:"password_ref"`
	KeyRef        string `yaml:"key_ref" toml:"key_ref"`
	KeyPassphrase string `yaml:"key_passphrase_ref" toml:"key_passphrase_ref"`
	RemoteDir     string `yaml:"remote_dir" toml:"remote_dir"`
}

// ObjectConfig configures the S3-compatible object storage backend
type ObjectConfig struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Bucket       string `yaml:"bucket" toml:"bucket"`
	Prefix       string `yaml:"prefix" toml:"prefix"`
	Region       string `yaml:"region" toml:"region"`
	AccessKeyRef string `yaml:"access_key_ref" toml:"access_key_ref"`
	SecretKeyRef string `yaml:"secret_key_ref" toml:"secret_key_ref"`
	UseSSL       *bool  `yaml:"use_ssl" toml:"use_ssl"`
}

// ManualConfig configures the local export directory backend
type ManualConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// PublishConfig tunes publishing
type PublishConfig struct {
	Workers     int    `yaml:"workers" toml:"workers"`
	PublishedBy string `yaml:"published_by" toml:"published_by"`
	Force       bool   `yaml:"force" toml:"force"`
}

// SecretsConfig configures where secret references are resolved
type SecretsConfig struct {
	AWS       bool   `yaml:"aws" toml:"aws"`
	AWSRegion string `yaml:"aws_region" toml:"aws_region"`
}

// SyncConfig configures the sync protocol client
type SyncConfig struct {
	RemoteURL   string `yaml:"remote_url" toml:"remote_url"`
	PasswordRef string `yaml:"password_ref" toml:"password_ref"`
}

// StorageConfig configures optional shared infrastructure. Empty values
// select the local, file-backed implementations.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr" toml:"redis_addr"`
}

// ServeConfig configures the sync HTTP API
type ServeConfig struct {
	Enabled          bool    `yaml:"enabled" toml:"enabled"`
	ListenAddr       string  `yaml:"listen_addr" toml:"listen_addr"`
	WebhookSecretRef string  `yaml:"webhook_secret_ref" toml:"webhook_secret_ref"`
	AutoPull         bool    `yaml:"auto_pull" toml:"auto_pull"`
	RateLimit        float64 `yaml:"rate_limit" toml:"rate_limit"`
	// TrustProxy takes client addresses from X-Forwarded-For when the
	// request comes from a loopback or private-network proxy.
	TrustProxy bool `yaml:"trust_proxy" toml:"trust_proxy"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields.
// Secret references are expanded by the resolver when they are read.
func (c *Config) expandEnv() {
	c.Blog.URL = os.ExpandEnv(c.Blog.URL)
	c.Blog.SourceDir = os.ExpandEnv(c.Blog.SourceDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Backend.Git.URL = os.ExpandEnv(c.Backend.Git.URL)
	c.Backend.SFTP.Host = os.ExpandEnv(c.Backend.SFTP.Host)
	c.Backend.SFTP.RemoteDir = os.ExpandEnv(c.Backend.SFTP.RemoteDir)
	c.Backend.Object.Endpoint = os.ExpandEnv(c.Backend.Object.Endpoint)
	c.Backend.Manual.Dir = os.ExpandEnv(c.Backend.Manual.Dir)
	c.Sync.RemoteURL = os.ExpandEnv(c.Sync.RemoteURL)
	c.Storage.PostgresDSN = os.ExpandEnv(c.Storage.PostgresDSN)
	c.Storage.RedisAddr = os.ExpandEnv(c.Storage.RedisAddr)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Backend.Git.Branch == "" {
		c.Backend.Git.Branch = "main"
	}
	if c.Backend.Git.AuthorName == "" {
		c.Backend.Git.AuthorName = "blogsync"
	}
	if c.Backend.Git.AuthorEmail == "" {
		c.Backend.Git.AuthorEmail = "blogsync@localhost"
	}
	if c.Backend.Git.CommitMessage == "" {
		c.Backend.Git.CommitMessage = "Publish site"
	}
	if c.Backend.SFTP.Port == 0 {
		c.Backend.SFTP.Port = 22
	}
	if c.Backend.SFTP.RemoteDir == "" {
		c.Backend.SFTP.RemoteDir = "."
	}
	if c.Backend.Object.UseSSL == nil {
		useSSL := true
		c.Backend.Object.UseSSL = &useSSL
	}
	if c.Publish.Workers <= 0 {
		c.Publish.Workers = 4
	}
	if c.Publish.PublishedBy == "" {
		if host, err := os.Hostname(); err == nil {
			c.Publish.PublishedBy = host
		} else {
			c.Publish.PublishedBy = "blogsync"
		}
	}
	if c.Blog.Name == "" {
		c.Blog.Name = c.Blog.URL
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.RateLimit <= 0 {
		c.Serve.RateLimit = 10
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Blog.URL == "" {
		return fmt.Errorf("blog.url is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Blog.SourceDir != "" && !filepath.IsAbs(c.Blog.SourceDir) {
		return fmt.Errorf("blog.source_dir must be an absolute path: %s", c.Blog.SourceDir)
	}

	switch c.Backend.Type {
	case BackendGit:
		if err := c.validateGit(); err != nil {
			return err
		}
	case BackendSFTP:
		if err := c.validateSFTP(); err != nil {
			return err
		}
	case BackendObject:
		if c.Backend.Object.Endpoint == "" || c.Backend.Object.Bucket == "" {
			return fmt.Errorf("backend.object.endpoint and backend.object.bucket are required")
		}
	case BackendManual:
		if c.Backend.Manual.Dir == "" {
			return fmt.Errorf("backend.manual.dir is required")
		}
		if !filepath.IsAbs(c.Backend.Manual.Dir) {
			return fmt.Errorf("backend.manual.dir must be an absolute path: %s", c.Backend.Manual.Dir)
		}
	case "":
		// Sync-only clients may omit the backend.
	default:
		return fmt.Errorf("invalid backend.type: %s (must be git, sftp, object, or manual)", c.Backend.Type)
	}

	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when serve is enabled")
	}

	return nil
}

func (c *Config) validateGit() error {
	g := c.Backend.Git
	if g.URL == "" {
		return fmt.Errorf("backend.git.url is required")
	}
	if g.SSHKeyRef != "" && g.TokenRef != "" {
		return fmt.Errorf("backend.git: only one of ssh_key_ref or token_ref may be set")
	}
	if g.SSHKeyRef != "" && !c.IsSSH() {
		return fmt.Errorf("backend.git.ssh_key_ref is set but backend.git.url does not use an SSH scheme (git@ or ssh://)")
	}
	if g.TokenRef != "" && !c.IsHTTPS() {
		return fmt.Errorf("backend.git.token_ref is set but backend.git.url does not use HTTPS scheme")
	}
	return nil
}

func (c *Config) validateSFTP() error {
	s := c.Backend.SFTP
	if s.Host == "" || s.Username == "" {
		return fmt.Errorf("backend.sftp.host and backend.sftp.username are required")
	}
	if s.PasswordRef == "" && s.KeyRef == "" {
		return fmt.Errorf("backend.sftp requires password_ref or key_ref")
	}
	return nil
}

// StateFilePath returns the path to the publish state file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// SyncRegistryPath returns the path to the local sync config registry
func (c *Config) SyncRegistryPath() string {
	return filepath.Join(c.Paths.StateDir, "sync.json")
}

// ContentStorePath returns the path to the file-backed content snapshot
func (c *Config) ContentStorePath() string {
	return filepath.Join(c.Paths.StateDir, "content.json")
}

// KnownHostsPath returns the path where SFTP host keys are pinned
func (c *Config) KnownHostsPath() string {
	return filepath.Join(c.Paths.StateDir, "known_hosts")
}

// AuthMethod returns a description of the configured git auth method
func (c *Config) AuthMethod() string {
	if c.Backend.Git.SSHKeyRef != "" {
		return "ssh"
	}
	if c.Backend.Git.TokenRef != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the git URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Backend.Git.URL, "https://")
}

// IsSSH returns true if the git URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Backend.Git.URL, "git@") || strings.HasPrefix(c.Backend.Git.URL, "ssh://")
}
