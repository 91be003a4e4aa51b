// Package publish orchestrates a publish: it takes the blog's publish slot,
// reads the rendered site, diffs it against the backend and records the
// outcome.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/blogsync/internal/backend"
	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/site"
)

// Options tunes one run
type Options struct {
	// SourceDir overrides blog.source_dir.
	SourceDir string
	// Hashes is the renderer-computed path to hash map. When nil the
	// source directory is scanned and hashed.
	Hashes  map[string]string
	Force   bool
	DryRun  bool
	Message string
	// Progress receives backend progress. May be nil.
	Progress backend.ProgressFunc
}

// Report describes a completed run
type Report struct {
	PublishID string
	DryRun    bool
	// Delta is the planned change set. For a dry run against a backend
	// without a manifest it assumes every file is new.
	Delta  changes.Delta
	Result *backend.Result
}

// Engine orchestrates the publish process
type Engine struct {
	cfg     *config.Config
	backend backend.Publisher
	locker  lock.Locker
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a new publish engine
func NewEngine(cfg *config.Config, publisher backend.Publisher, locker lock.Locker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		backend: publisher,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes the complete publish process
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	sourceDir := opts.SourceDir
	if sourceDir == "" {
		sourceDir = e.cfg.Blog.SourceDir
	}
	if sourceDir == "" {
		return nil, failure.Configuration("publish", "no source directory given and blog.source_dir is not set")
	}
	force := opts.Force || e.cfg.Publish.Force

	release, err := e.locker.TryAcquire(ctx, lock.PublishKey(e.cfg.Blog.URL))
	if err != nil {
		return nil, err
	}
	defer release()

	report := &Report{PublishID: uuid.NewString(), DryRun: opts.DryRun}
	logger := e.logger.With("publish_id", report.PublishID)

	logger.Info("starting publish",
		"blog", e.cfg.Blog.URL,
		"backend", e.backend.Name(),
		"source", sourceDir,
		"force", force,
		"dry_run", opts.DryRun)

	files, err := e.readSite(sourceDir, opts.Hashes)
	if err != nil {
		return nil, err
	}
	logger.Info("read rendered site", "files", len(files))

	prev, err := e.backend.FetchManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	if prev == nil {
		logger.Info("no manifest on backend, treating as first publish")
	} else {
		logger.Info("fetched manifest", "version", prev.Version, "files", len(prev.FileHashes), "published_by", prev.PublishedBy)
	}

	ref := changes.Reference{}
	if prev != nil {
		ref.Hashes = prev.FileHashes
	}
	report.Delta = changes.Detect(files.Local(), ref, changes.Options{Force: force})

	logger.Info("publish plan",
		"mode", report.Delta.Mode,
		"upload", len(report.Delta.ToUpload),
		"delete", len(report.Delta.ToDelete),
		"unchanged", report.Delta.Skipped)

	if opts.DryRun {
		e.logPlanDetails(logger, report.Delta)
		logger.Info("dry-run complete, no changes applied")
		return report, nil
	}

	result, err := e.backend.Publish(ctx, backend.Request{
		SourceDir:   sourceDir,
		Files:       files,
		Previous:    prev,
		Force:       force,
		PublishedBy: e.cfg.Publish.PublishedBy,
		Message:     opts.Message,
	}, opts.Progress)
	if err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", e.backend.Name(), err)
	}
	report.Result = result

	for _, w := range result.Warnings {
		logger.Warn("cleanup incomplete", "error", w)
	}

	state := &State{
		LastPublishID:   report.PublishID,
		LastPublishedAt: e.now().UTC(),
		Backend:         result.Backend,
		Committed:       result.Committed,
		Uploaded:        len(result.Uploaded),
		Deleted:         len(result.Deleted),
		Warnings:        len(result.Warnings),
	}
	if result.Manifest != nil {
		state.LastManifestVersion = result.Manifest.Version
	}
	if err := SaveState(e.cfg.StateFilePath(), state); err != nil {
		// The backend is already up to date; only local bookkeeping is lost.
		logger.Warn("failed to save publish state", "error", err)
	}

	logger.Info("publish completed",
		"committed", result.Committed,
		"uploaded", len(result.Uploaded),
		"deleted", len(result.Deleted),
		"warnings", len(result.Warnings))
	return report, nil
}

func (e *Engine) readSite(dir string, hashes map[string]string) (site.Files, error) {
	if hashes != nil {
		files, err := site.FromHashes(dir, hashes)
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered site: %w", err)
		}
		return files, nil
	}
	files, err := site.Scan(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered site: %w", err)
	}
	return files, nil
}

func (e *Engine) logPlanDetails(logger *slog.Logger, delta changes.Delta) {
	for _, p := range delta.ToUpload {
		logger.Info("[dry-run] would upload", "path", p)
	}
	for _, p := range delta.ToDelete {
		logger.Info("[dry-run] would delete", "path", p)
	}
}
