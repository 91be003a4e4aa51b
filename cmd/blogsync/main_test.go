package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/logging"
	"github.com/schaermu/blogsync/internal/seal"
	"github.com/schaermu/blogsync/internal/sync"
	"github.com/schaermu/blogsync/internal/testutil"
)

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		want      string
	}{
		{name: "info/json", logLevel: "info", logFormat: "json", want: `"msg":"hello"`},
		{name: "debug/text", logLevel: "debug", logFormat: "text", want: "hello"},
		{name: "error/text drops info", logLevel: "error", logFormat: "text", want: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			var buf bytes.Buffer
			setupLogger(&buf).Info("hello")
			if tc.want == "" && buf.Len() != 0 {
				t.Errorf("expected no output, got %q", buf.String())
			}
			if !strings.Contains(buf.String(), tc.want) {
				t.Errorf("expected %q in %q", tc.want, buf.String())
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	stateDir := filepath.Join(t.TempDir(), "state")
	cfgFile = writeConfig(t, `blog:
  url: "https://blog.example.com"
paths:
  state_dir: "`+stateDir+`"
`)

	cfg, err := loadConfig(logging.Discard())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Blog.URL != "https://blog.example.com" {
		t.Errorf("unexpected blog url %q", cfg.Blog.URL)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(logging.Discard()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = ""

	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := defaultConfigPath()
	if err != nil {
		t.Fatalf("defaultConfigPath() failed: %v", err)
	}
	if want := filepath.Join(home, ".config", "blogsync", "config.yaml"); path != want {
		t.Errorf("defaultConfigPath() = %q, want %q", path, want)
	}
	if _, err := loadConfig(logging.Discard()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	cancel()
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, []string{})
	if !strings.Contains(buf.String(), "blogsync dev") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}

func TestReadHashes(t *testing.T) {
	if h, err := readHashes(""); err != nil || h != nil {
		t.Fatalf("readHashes(\"\") = %v, %v; want nil, nil", h, err)
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "hashes.json")
	if err := os.WriteFile(good, []byte(`{"index.html":"abc"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	h, err := readHashes(good)
	if err != nil || h["index.html"] != "abc" {
		t.Fatalf("readHashes() = %v, %v", h, err)
	}

	empty := filepath.Join(dir, "null.json")
	if err := os.WriteFile(empty, []byte(`null`), 0o600); err != nil {
		t.Fatal(err)
	}
	if h, err := readHashes(empty); err != nil || h == nil {
		t.Errorf("expected an empty map for null, got %v, %v", h, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readHashes(bad); err == nil {
		t.Error("expected parse error")
	}
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Blog:  config.BlogConfig{URL: "https://blog.example.com"},
		Paths: config.PathsConfig{StateDir: t.TempDir()},
	}
	a, err := buildApp(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("buildApp() failed: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestBuildApp_LocalStores(t *testing.T) {
	a := testApp(t)
	if _, ok := a.store.(*content.FileStore); !ok {
		t.Errorf("expected file content store, got %T", a.store)
	}
	if _, ok := a.registry.(*sync.FileRegistry); !ok {
		t.Errorf("expected file registry, got %T", a.registry)
	}

	if _, err := a.dial(a.cfg.Blog.URL); !failure.Is(err, failure.CodeConfiguration) {
		t.Errorf("expected configuration error without sync.remote_url, got %v", err)
	}
	a.cfg.Sync.RemoteURL = "http://127.0.0.1:8787"
	if _, err := a.dial(a.cfg.Blog.URL); err != nil {
		t.Errorf("dial() failed: %v", err)
	}

	if _, err := a.publisher(); !failure.Is(err, failure.CodeConfiguration) {
		t.Errorf("expected configuration error without backend, got %v", err)
	}
}

func TestServeSalt(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)
	url := a.cfg.Blog.URL

	salt, err := serveSalt(ctx, a.registry, url, "")
	if err != nil || salt != nil {
		t.Fatalf("serveSalt without password = %v, %v; want nil, nil", salt, err)
	}

	salt, err = serveSalt(ctx, a.registry, url, "s3cret")
	if err != nil {
		t.Fatalf("serveSalt() failed: %v", err)
	}
	if len(salt) != seal.SaltSize {
		t.Fatalf("expected %d byte salt, got %d", seal.SaltSize, len(salt))
	}

	again, err := serveSalt(ctx, a.registry, url, "s3cret")
	if err != nil {
		t.Fatalf("serveSalt() failed: %v", err)
	}
	if !bytes.Equal(salt, again) {
		t.Error("expected the registered salt to be reused")
	}

	rec, err := a.registry.Get(ctx, url)
	if err != nil || rec == nil || !rec.HasPassword {
		t.Errorf("expected a password record, got %+v, %v", rec, err)
	}
}

func TestPrintDelta(t *testing.T) {
	var buf bytes.Buffer
	printDelta(&buf, changes.Delta{Mode: changes.ModeHash, ToUpload: []string{"post1.html"}, ToDelete: []string{"old.html"}, Skipped: 2})
	out := buf.String()
	for _, want := range []string{"1 to upload", "1 to delete", "2 unchanged", "post1.html", "old.html"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func TestPrintCheck(t *testing.T) {
	var buf bytes.Buffer
	printCheck(&buf, "https://blog.example.com", &sync.CheckResult{
		HasChanges:    true,
		LocalVersion:  1,
		RemoteVersion: 3,
		Summary:       sync.Summary{New: 1, Deleted: 1},
		Details: sync.SyncDiff{
			content.CategoryTags:  {New: []sync.ItemRef{{ID: "d"}}},
			content.CategoryPosts: {Deleted: []sync.ItemRef{{ID: "a"}}},
		},
	})
	out := buf.String()
	if !strings.Contains(out, "remote version 3") {
		t.Errorf("missing versions in %q", out)
	}
	if strings.Index(out, string(content.CategoryTags)) > strings.Index(out, string(content.CategoryPosts)) {
		t.Errorf("expected categories in display order, got %q", out)
	}

	buf.Reset()
	printCheck(&buf, "https://blog.example.com", &sync.CheckResult{RemoteVersion: 3})
	if !strings.Contains(buf.String(), "up to date") {
		t.Errorf("expected up to date message, got %q", buf.String())
	}
}

func TestPublishAndManifestCommands(t *testing.T) {
	origCfgFile, origLevel := cfgFile, logLevel
	t.Cleanup(func() {
		cfgFile, logLevel = origCfgFile, origLevel
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	root := t.TempDir()
	src := filepath.Join(root, "site")
	export := filepath.Join(root, "export")
	testutil.WriteTree(t, src, map[string]string{
		"index.html":       "<h1>home</h1>",
		"posts/post1.html": "<p>first</p>",
	})
	path := writeConfig(t, `blog:
  url: "https://blog.example.com"
  source_dir: "`+src+`"
paths:
  state_dir: "`+filepath.Join(root, "state")+`"
backend:
  type: manual
  manual:
    dir: "`+export+`"
`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "--log-level", "error", "publish"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !strings.Contains(out.String(), "published to manual") {
		t.Errorf("unexpected publish output %q", out.String())
	}
	got := testutil.ReadTree(t, export, ".blogsync")
	if got["posts/post1.html"] != "<p>first</p>" || len(got) != 2 {
		t.Errorf("unexpected export tree %v", got)
	}

	out.Reset()
	rootCmd.SetArgs([]string{"--config", path, "--log-level", "error", "manifest"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("manifest failed: %v", err)
	}
	if !strings.Contains(out.String(), `"posts/post1.html"`) {
		t.Errorf("expected manifest listing, got %q", out.String())
	}
}
