// Package backend publishes a rendered site to a hosting target and keeps
// the target's manifest in step with what was published.
package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/manifest"
	"github.com/schaermu/blogsync/internal/site"
)

// Publisher is implemented by every hosting backend.
type Publisher interface {
	// Name identifies the backend in logs and results.
	Name() string
	// Publish brings the backend in line with req.Files.
	Publish(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)
	// FetchManifest returns the backend's manifest, or nil when none exists.
	FetchManifest(ctx context.Context) (*manifest.Manifest, error)
	// WriteManifest replaces the backend's manifest without touching content.
	WriteManifest(ctx context.Context, fileHashes map[string]string, publishedBy string) error
	// Close releases any connection held by the backend.
	Close() error
}

// Request describes one publish.
type Request struct {
	SourceDir   string
	Files       site.Files
	Previous    *manifest.Manifest
	Force       bool
	PublishedBy string
	Message     string
}

// Result summarizes a publish.
type Result struct {
	Backend string
	// Committed is true when the backend was modified. A publish of an
	// unchanged site leaves it false.
	Committed bool
	Commit    string
	Uploaded  []string
	Deleted   []string
	Skipped   int
	// Warnings holds non-fatal cleanup failures.
	Warnings []error
	Manifest *manifest.Manifest
}

// Phase names the step a publish is in.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseDiffing    Phase = "diffing"
	PhaseUploading  Phase = "uploading"
	PhaseDeleting   Phase = "deleting"
	PhaseCleaning   Phase = "cleaning"
	PhaseCommitting Phase = "committing"
	PhasePushing    Phase = "pushing"
	PhaseDone       Phase = "done"
)

// Progress is reported to a ProgressFunc as a publish advances.
type Progress struct {
	Phase Phase
	Path  string
	Done  int
	Total int
}

// ProgressFunc receives progress updates. It may be called from several
// goroutines at once and must not block.
type ProgressFunc func(Progress)

func (f ProgressFunc) report(p Progress) {
	if f != nil {
		f(p)
	}
}

// Deps are the collaborators shared by all backends.
type Deps struct {
	Logger  *slog.Logger
	Secrets *credential.Resolver
	// KnownHostsPath is where SFTP host keys are pinned.
	KnownHostsPath string
	// Now is the clock used for manifest timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Secrets == nil {
		d.Secrets = credential.NewResolver()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// New creates the Publisher selected by cfg.Backend.Type.
func New(cfg *config.Config, deps Deps) (Publisher, error) {
	deps = deps.withDefaults()
	logger := deps.Logger.With("backend", string(cfg.Backend.Type))

	switch cfg.Backend.Type {
	case config.BackendGit:
		return NewGitBackend(cfg.Backend.Git, deps.Secrets, logger, deps.Now), nil
	case config.BackendSFTP:
		return NewSFTPBackend(cfg.Backend.SFTP, deps.Secrets, deps.KnownHostsPath, cfg.Publish.Workers, logger, deps.Now), nil
	case config.BackendObject:
		return NewObjectBackend(cfg.Backend.Object, deps.Secrets, cfg.Publish.Workers, logger, deps.Now), nil
	case config.BackendManual:
		return NewManualBackend(cfg.Backend.Manual.Dir, cfg.Publish.Workers, logger, deps.Now), nil
	case "":
		return nil, failure.Configuration("new backend", "no backend configured")
	default:
		return nil, failure.Configuration("new backend", "unknown backend type %q", cfg.Backend.Type)
	}
}
