package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
blog:
  url: "https://blog.example.com"
  source_dir: "/srv/blog/public"

paths:
  state_dir: "/home/user/.local/state/blogsync"

backend:
  type: git
  git:
    url: "git@github.com:me/blog.git"
    branch: "gh-pages"
    ssh_key_ref: "/home/user/.ssh/deploy"

publish:
  workers: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.Git.URL != "git@github.com:me/blog.git" {
		t.Errorf("expected git URL, got %s", cfg.Backend.Git.URL)
	}
	if cfg.Backend.Git.Branch != "gh-pages" {
		t.Errorf("expected branch gh-pages, got %s", cfg.Backend.Git.Branch)
	}
	if cfg.Publish.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Publish.Workers)
	}
	if cfg.Blog.Name != "https://blog.example.com" {
		t.Errorf("expected blog name to default to URL, got %s", cfg.Blog.Name)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[blog]
url = "https://blog.example.com"

[paths]
state_dir = "/var/lib/blogsync"

[backend]
type = "sftp"

[backend.sftp]
host = "sftp.example.com"
username = "deploy"
password_ref = "env:SFTP_PASSWORD"
remote_dir = "/var/www/blog"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Type != BackendSFTP {
		t.Errorf("expected sftp backend, got %s", cfg.Backend.Type)
	}
	if cfg.Backend.SFTP.Port != 22 {
		t.Errorf("expected default port 22, got %d", cfg.Backend.SFTP.Port)
	}
	if cfg.Backend.SFTP.RemoteDir != "/var/www/blog" {
		t.Errorf("unexpected remote dir %s", cfg.Backend.SFTP.RemoteDir)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeConfig(t, "bad.yaml", "blog: [unterminated")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}

	path = writeConfig(t, "invalid.yaml", "blog:\n  url: x\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected validation error, got %v", err)
	}
}

func validBase() Config {
	return Config{
		Blog:  BlogConfig{URL: "https://blog.example.com"},
		Paths: PathsConfig{StateDir: "/absolute/state"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "sync-only client", mutate: func(c *Config) {}},
		{name: "missing blog url", mutate: func(c *Config) { c.Blog.URL = "" }, wantErr: "blog.url"},
		{name: "missing state dir", mutate: func(c *Config) { c.Paths.StateDir = "" }, wantErr: "state_dir"},
		{name: "relative state dir", mutate: func(c *Config) { c.Paths.StateDir = "state" }, wantErr: "absolute"},
		{name: "relative source dir", mutate: func(c *Config) { c.Blog.SourceDir = "public" }, wantErr: "source_dir"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend.Type = "ftp" }, wantErr: "invalid backend.type"},
		{
			name: "git over ssh",
			mutate: func(c *Config) {
				c.Backend.Type = BackendGit
				c.Backend.Git = GitConfig{URL: "git@github.com:me/blog.git", SSHKeyRef: "/key"}
			},
		},
		{
			name: "git without url",
			mutate: func(c *Config) {
				c.Backend.Type = BackendGit
			},
			wantErr: "backend.git.url",
		},
		{
			name: "git with both auth methods",
			mutate: func(c *Config) {
				c.Backend.Type = BackendGit
				c.Backend.Git = GitConfig{URL: "https://github.com/me/blog.git", SSHKeyRef: "/key", TokenRef: "/token"}
			},
			wantErr: "only one of",
		},
		{
			name: "ssh key with https url",
			mutate: func(c *Config) {
				c.Backend.Type = BackendGit
				c.Backend.Git = GitConfig{URL: "https://github.com/me/blog.git", SSHKeyRef: "/key"}
			},
			wantErr: "SSH scheme",
		},
		{
			name: "token with ssh url",
			mutate: func(c *Config) {
				c.Backend.Type = BackendGit
				c.Backend.Git = GitConfig{URL: "git@github.com:me/blog.git", TokenRef: "/token"}
			},
			wantErr: "HTTPS scheme",
		},
		{
			name: "sftp without credentials",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSFTP
				c.Backend.SFTP = SFTPConfig{Host: "h", Username: "u"}
			},
			wantErr: "password_ref or key_ref",
		},
		{
			name: "object without bucket",
			mutate: func(c *Config) {
				c.Backend.Type = BackendObject
				c.Backend.Object = ObjectConfig{Endpoint: "s3.amazonaws.com"}
			},
			wantErr: "bucket",
		},
		{
			name: "manual relative dir",
			mutate: func(c *Config) {
				c.Backend.Type = BackendManual
				c.Backend.Manual.Dir = "out"
			},
			wantErr: "absolute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := validBase()
	cfg.applyDefaults()

	if cfg.Backend.Git.Branch != "main" {
		t.Errorf("expected default branch main, got %s", cfg.Backend.Git.Branch)
	}
	if cfg.Backend.Object.UseSSL == nil || !*cfg.Backend.Object.UseSSL {
		t.Error("expected object storage to default to SSL")
	}
	if cfg.Publish.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Publish.Workers)
	}
	if cfg.Publish.PublishedBy == "" {
		t.Error("expected published_by to default to the hostname")
	}
	if cfg.Serve.RateLimit != 10 {
		t.Errorf("expected rate limit 10, got %v", cfg.Serve.RateLimit)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := validBase()

	for got, want := range map[string]string{
		cfg.StateFilePath():    "/absolute/state/state.json",
		cfg.SyncRegistryPath(): "/absolute/state/sync.json",
		cfg.ContentStorePath(): "/absolute/state/content.json",
		cfg.KnownHostsPath():   "/absolute/state/known_hosts",
	} {
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		git  GitConfig
		want string
	}{
		{GitConfig{SSHKeyRef: "/key"}, "ssh"},
		{GitConfig{TokenRef: "/token"}, "https"},
		{GitConfig{}, "none"},
	}
	for _, tt := range tests {
		cfg := Config{Backend: BackendConfig{Git: tt.git}}
		if got := cfg.AuthMethod(); got != tt.want {
			t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
		}
	}
}

func TestURLSchemes(t *testing.T) {
	tests := []struct {
		url   string
		https bool
		ssh   bool
	}{
		{"https://github.com/me/blog.git", true, false},
		{"git@github.com:me/blog.git", false, true},
		{"ssh://git@github.com/me/blog.git", false, true},
		{"http://github.com/me/blog.git", false, false},
	}
	for _, tt := range tests {
		cfg := Config{Backend: BackendConfig{Git: GitConfig{URL: tt.url}}}
		if cfg.IsHTTPS() != tt.https {
			t.Errorf("IsHTTPS(%s) = %v", tt.url, cfg.IsHTTPS())
		}
		if cfg.IsSSH() != tt.ssh {
			t.Errorf("IsSSH(%s) = %v", tt.url, cfg.IsSSH())
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BLOGSYNC_TEST_HOME", "/home/tester")

	cfg := Config{
		Blog:    BlogConfig{SourceDir: "$BLOGSYNC_TEST_HOME/public"},
		Paths:   PathsConfig{StateDir: "${BLOGSYNC_TEST_HOME}/state"},
		Backend: BackendConfig{Manual: ManualConfig{Dir: "$BLOGSYNC_TEST_HOME/export"}},
	}
	cfg.expandEnv()

	if cfg.Blog.SourceDir != "/home/tester/public" {
		t.Errorf("unexpected source dir %s", cfg.Blog.SourceDir)
	}
	if cfg.Paths.StateDir != "/home/tester/state" {
		t.Errorf("unexpected state dir %s", cfg.Paths.StateDir)
	}
	if cfg.Backend.Manual.Dir != "/home/tester/export" {
		t.Errorf("unexpected manual dir %s", cfg.Backend.Manual.Dir)
	}
}
