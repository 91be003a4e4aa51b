package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/manifest"
	"github.com/schaermu/blogsync/internal/site"
)

// store is the file-level view of a backend that is written file by file.
// Paths are slash-separated and relative to the published root.
type store interface {
	// List returns every file under the root, excluding the management dir.
	List(ctx context.Context) (map[string]changes.RemoteFile, error)
	Upload(ctx context.Context, rel string, f site.File) error
	Delete(ctx context.Context, rel string) error
	// Prune removes directories that became empty through deleting the
	// given paths, leaves-first. Each failure is returned as a warning.
	Prune(ctx context.Context, deleted []string) []error
	// ReadManifest returns nil when no manifest exists.
	ReadManifest(ctx context.Context) (*manifest.Manifest, error)
	// WriteManifest must replace the manifest atomically.
	WriteManifest(ctx context.Context, m *manifest.Manifest) error
	Close() error
}

// StoreBackend publishes to any store: SFTP, object storage or a local
// export directory.
type StoreBackend struct {
	name    string
	open    func(ctx context.Context) (store, error)
	workers int
	logger  *slog.Logger
	now     func() time.Time
}

// Name implements Publisher.
func (b *StoreBackend) Name() string { return b.name }

// Close implements Publisher. Connections are scoped to each operation.
func (b *StoreBackend) Close() error { return nil }

func (b *StoreBackend) connect(ctx context.Context) (store, error) {
	s, err := b.open(ctx)
	if err != nil {
		if failure.CodeOf(err) != "" {
			return nil, err
		}
		return nil, failure.Connection("connect "+b.name, err)
	}
	return s, nil
}

// FetchManifest implements Publisher.
func (b *StoreBackend) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	s, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = s.Close()
	}()
	return s.ReadManifest(ctx)
}

// WriteManifest implements Publisher.
func (b *StoreBackend) WriteManifest(ctx context.Context, fileHashes map[string]string, publishedBy string) error {
	s, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	prev, err := s.ReadManifest(ctx)
	if err != nil {
		return err
	}
	return s.WriteManifest(ctx, manifest.Next(prev, fileHashes, publishedBy, b.now()))
}

// Publish uploads changed files, deletes files the previous publish owned
// that are gone locally, prunes empty directories and writes the manifest
// last. Upload failures are fatal; cleanup failures become warnings.
func (b *StoreBackend) Publish(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	progress.report(Progress{Phase: PhaseConnecting})
	s, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = s.Close()
	}()

	progress.report(Progress{Phase: PhaseDiffing})
	remote, err := s.List(ctx)
	if err != nil {
		return nil, failure.Connection("list "+b.name, err)
	}

	ref := changes.Reference{Remote: remote}
	if req.Previous != nil {
		ref.Hashes = req.Previous.FileHashes
		if ref.Hashes == nil {
			ref.Hashes = map[string]string{}
		}
	}
	delta := changes.Detect(req.Files.Local(), ref, changes.Options{Force: req.Force})

	b.logger.Info("computed publish delta",
		"mode", delta.Mode,
		"upload", len(delta.ToUpload),
		"delete", len(delta.ToDelete),
		"skipped", delta.Skipped)

	result := &Result{Backend: b.name, Skipped: delta.Skipped}

	if err := b.upload(ctx, s, req.Files, delta.ToUpload, progress); err != nil {
		return nil, err
	}
	result.Uploaded = delta.ToUpload

	hashes := req.Files.Hashes()
	for i, rel := range delta.ToDelete {
		if err := ctx.Err(); err != nil {
			return nil, failure.Wrap(failure.CodeCanceled, "publish", err)
		}
		progress.report(Progress{Phase: PhaseDeleting, Path: rel, Done: i, Total: len(delta.ToDelete)})
		if manifest.IsManaged(rel) {
			continue
		}
		if err := s.Delete(ctx, rel); err != nil {
			b.logger.Warn("failed to delete stale file", "path", rel, "error", err)
			result.Warnings = append(result.Warnings, failure.Warning("delete "+rel, err))
			// Keep ownership so the next publish retries the delete.
			hashes[rel] = req.Previous.FileHashes[rel]
			continue
		}
		result.Deleted = append(result.Deleted, rel)
	}

	if len(result.Deleted) > 0 {
		progress.report(Progress{Phase: PhaseCleaning})
		for _, w := range s.Prune(ctx, result.Deleted) {
			b.logger.Warn("failed to remove empty directory", "error", w)
			result.Warnings = append(result.Warnings, w)
		}
	}

	if len(result.Uploaded) == 0 && len(result.Deleted) == 0 && req.Previous.SameFiles(hashes) {
		b.logger.Info("remote already up to date")
		result.Manifest = req.Previous
		progress.report(Progress{Phase: PhaseDone})
		return result, nil
	}

	next := manifest.Next(req.Previous, hashes, req.PublishedBy, b.now())
	if err := s.WriteManifest(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	result.Manifest = next
	result.Committed = true

	progress.report(Progress{Phase: PhaseDone})
	return result, nil
}

// upload transfers paths through a bounded worker pool. The first failure
// cancels the remaining transfers.
func (b *StoreBackend) upload(ctx context.Context, s store, files site.Files, paths []string, progress ProgressFunc) error {
	if len(paths) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(b.workers, 1))

	var (
		mu   sync.Mutex
		done int
	)
	for _, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.Upload(gctx, rel, files[rel]); err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
			mu.Lock()
			done++
			p := Progress{Phase: PhaseUploading, Path: rel, Done: done, Total: len(paths)}
			mu.Unlock()
			progress.report(p)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return failure.Wrap(failure.CodeCanceled, "publish", ctx.Err())
		}
		if failure.CodeOf(err) != "" {
			return err
		}
		return failure.Connection("upload to "+b.name, err)
	}
	return nil
}
