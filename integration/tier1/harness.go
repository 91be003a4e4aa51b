//go:build integration

package tier1

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schaermu/blogsync/internal/backend"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/logging"
	"github.com/schaermu/blogsync/internal/publish"
	"github.com/schaermu/blogsync/internal/seal"
	"github.com/schaermu/blogsync/internal/server"
	"github.com/schaermu/blogsync/internal/sync"
	"github.com/schaermu/blogsync/internal/testutil"
)

const (
	blogURL        = "https://notes.example.com"
	defaultTimeout = 2 * time.Minute
)

// Harness runs several devices of one blog in a single process. All
// devices publish to the same export directory.
type Harness struct {
	t         *testing.T
	exportDir string
	logger    *slog.Logger
	redisAddr string
}

// NewHarness creates a harness. BLOGSYNC_TEST_REDIS_ADDR switches the
// devices to a shared Redis lock.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	logger := logging.Discard()
	if os.Getenv("INTEGRATION_VERBOSE") == "1" {
		logger = logging.New(logging.Options{Level: "debug", Output: os.Stderr})
	}
	return &Harness{
		t:         t,
		exportDir: filepath.Join(t.TempDir(), "export"),
		logger:    logger,
		redisAddr: os.Getenv("BLOGSYNC_TEST_REDIS_ADDR"),
	}
}

// Device is one installation of blogsync with its own state directory.
type Device struct {
	Name     string
	Cfg      *config.Config
	Store    content.Store
	Registry sync.Registry
	Locker   lock.Locker
	h        *Harness
}

// Device creates a device named name.
func (h *Harness) Device(name string) *Device {
	h.t.Helper()
	root := filepath.Join(h.t.TempDir(), name)
	cfg := &config.Config{
		Blog:    config.BlogConfig{URL: blogURL, Name: "Notes", SourceDir: filepath.Join(root, "site")},
		Paths:   config.PathsConfig{StateDir: filepath.Join(root, "state")},
		Backend: config.BackendConfig{Type: config.BackendManual, Manual: config.ManualConfig{Dir: h.exportDir}},
		Publish: config.PublishConfig{Workers: 2, PublishedBy: name},
		Serve:   config.ServeConfig{RateLimit: 1000},
	}
	logger := h.logger.With("device", name)

	locker, closeLocker := lock.Open(h.redisAddr, logger)
	h.t.Cleanup(func() { _ = closeLocker() })

	return &Device{
		Name:     name,
		Cfg:      cfg,
		Store:    content.NewFileStore(cfg.ContentStorePath(), logger),
		Registry: sync.NewFileRegistry(cfg.SyncRegistryPath()),
		Locker:   locker,
		h:        h,
	}
}

// Author applies local edits to the device's content.
func (d *Device) Author(ctx context.Context, cs content.ChangeSet) {
	d.h.t.Helper()
	if err := d.Store.Apply(ctx, blogURL, cs); err != nil {
		d.h.t.Fatalf("%s: failed to apply edits: %v", d.Name, err)
	}
}

// Render replaces the device's rendered site with files.
func (d *Device) Render(files map[string]string) {
	d.h.t.Helper()
	if err := os.RemoveAll(d.Cfg.Blog.SourceDir); err != nil {
		d.h.t.Fatalf("failed to clear site: %v", err)
	}
	testutil.WriteTree(d.h.t, d.Cfg.Blog.SourceDir, files)
}

// Publish publishes the rendered site to the shared export directory.
func (d *Device) Publish(ctx context.Context) *publish.Report {
	d.h.t.Helper()
	publisher, err := backend.New(d.Cfg, backend.Deps{Logger: d.h.logger})
	if err != nil {
		d.h.t.Fatalf("failed to create backend: %v", err)
	}
	report, err := publish.NewEngine(d.Cfg, publisher, d.Locker, d.h.logger).Run(ctx, publish.Options{})
	if err != nil {
		d.h.t.Fatalf("%s: publish failed: %v", d.Name, err)
	}
	return report
}

// Serve exposes the device's content with drafts sealed under password
// and returns the server's base URL.
func (d *Device) Serve(ctx context.Context, password string) string {
	d.h.t.Helper()
	salt, err := seal.NewSalt()
	if err != nil {
		d.h.t.Fatal(err)
	}
	if err := d.Registry.Put(ctx, &sync.SyncConfig{BlogURL: blogURL, HasPassword: true, DraftSalt: salt}); err != nil {
		d.h.t.Fatal(err)
	}

	s := server.NewServer(d.Cfg, server.Deps{
		Source: &sync.StoreSource{
			BlogURL:  blogURL,
			BlogName: d.Cfg.Blog.Name,
			Store:    d.Store,
			Password: password,
			Salt:     salt,
		},
		Logger: d.h.logger,
	})
	srv := httptest.NewServer(s.Handler())
	d.h.t.Cleanup(srv.Close)
	return srv.URL
}

// Client returns a sync client pulling from remoteURL.
func (d *Device) Client(remoteURL string) *sync.Client {
	dial := func(string) (sync.Source, error) { return sync.NewHTTPSource(remoteURL, nil), nil }
	return sync.NewClient(d.Registry, d.Store, dial, d.Locker, sync.NewSessionCache(), d.h.logger.With("device", d.Name))
}

// Snapshot returns the device's current content.
func (d *Device) Snapshot(ctx context.Context) *content.Snapshot {
	d.h.t.Helper()
	snap, err := d.Store.Snapshot(ctx, blogURL)
	if err != nil {
		d.h.t.Fatalf("%s: failed to read content: %v", d.Name, err)
	}
	return snap
}
