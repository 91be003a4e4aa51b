package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/manifest"
	"github.com/schaermu/blogsync/internal/site"
)

// remoteFS is the subset of filesystem operations the tree store needs.
// Paths are slash-separated. It is implemented by an SFTP client and by the
// local filesystem.
type remoteFS interface {
	Stat(p string) (os.FileInfo, error)
	MkdirAll(p string) error
	Create(p string) (io.WriteCloser, error)
	Open(p string) (io.ReadCloser, error)
	Remove(p string) error
	RemoveDirectory(p string) error
	ReadDir(p string) ([]os.FileInfo, error)
	Rename(oldname, newname string) error
	Close() error
}

// treeStore maps a published site onto a directory tree under root.
type treeStore struct {
	fs     remoteFS
	root   string
	logger *slog.Logger
}

func newTreeStore(rfs remoteFS, root string, logger *slog.Logger) (*treeStore, error) {
	if err := rfs.MkdirAll(root); err != nil {
		return nil, fmt.Errorf("failed to ensure remote directory %s: %w", root, err)
	}
	return &treeStore{fs: rfs, root: root, logger: logger}, nil
}

// openTreeStore is newTreeStore for a connection the store takes over: the
// connection is closed when the store cannot be set up.
func openTreeStore(rfs remoteFS, root string, logger *slog.Logger) (store, error) {
	t, err := newTreeStore(rfs, root, logger)
	if err != nil {
		if cerr := rfs.Close(); cerr != nil {
			logger.Warn("failed to close connection", "error", cerr)
		}
		return nil, err
	}
	return t, nil
}

func (t *treeStore) abs(rel string) string {
	return path.Join(t.root, rel)
}

func (t *treeStore) List(_ context.Context) (map[string]changes.RemoteFile, error) {
	out := make(map[string]changes.RemoteFile)
	if err := t.walk("", out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *treeStore) walk(rel string, out map[string]changes.RemoteFile) error {
	entries, err := t.fs.ReadDir(t.abs(rel))
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", t.abs(rel), err)
	}
	for _, e := range entries {
		child := path.Join(rel, e.Name())
		if manifest.IsManaged(child) {
			continue
		}
		if e.IsDir() {
			if err := t.walk(child, out); err != nil {
				return err
			}
			continue
		}
		out[child] = changes.RemoteFile{Path: child, Size: e.Size()}
	}
	return nil
}

func (t *treeStore) Upload(_ context.Context, rel string, f site.File) error {
	src, err := os.Open(f.Abs)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	dst := t.abs(rel)
	if err := t.fs.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	w, err := t.fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (t *treeStore) Delete(_ context.Context, rel string) error {
	err := t.fs.Remove(t.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Prune removes the directories that held deleted, leaves-first, as long
// as they are empty. Directories no deleted file lived in are left alone.
func (t *treeStore) Prune(_ context.Context, deleted []string) []error {
	dirs := make(map[string]struct{})
	for _, rel := range deleted {
		for dir := path.Dir(rel); dir != "." && dir != "/"; dir = path.Dir(dir) {
			dirs[dir] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		if !manifest.IsManaged(dir) {
			ordered = append(ordered, dir)
		}
	}
	// Deeper directories first so a parent sees its children removed.
	sort.Slice(ordered, func(i, j int) bool {
		di, dj := strings.Count(ordered[i], "/"), strings.Count(ordered[j], "/")
		if di != dj {
			return di > dj
		}
		return ordered[i] < ordered[j]
	})

	var warnings []error
	for _, dir := range ordered {
		entries, err := t.fs.ReadDir(t.abs(dir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			warnings = append(warnings, failure.Warning("list "+t.abs(dir), err))
			continue
		}
		if len(entries) > 0 {
			continue
		}
		if err := t.fs.RemoveDirectory(t.abs(dir)); err != nil {
			warnings = append(warnings, failure.Warning("remove directory "+dir, err))
			continue
		}
		t.logger.Debug("removed empty directory", "path", dir)
	}
	return warnings
}

func (t *treeStore) ReadManifest(_ context.Context) (*manifest.Manifest, error) {
	p := t.abs(manifest.Path)
	if _, err := t.fs.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, failure.Connection("stat manifest", err)
	}

	r, err := t.fs.Open(p)
	if err != nil {
		return nil, failure.Connection("open manifest", err)
	}
	defer func() {
		_ = r.Close()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, failure.Connection("read manifest", err)
	}
	return manifest.Parse(data)
}

// WriteManifest writes to a temporary file and renames it into place so a
// reader never sees a partial document.
func (t *treeStore) WriteManifest(_ context.Context, m *manifest.Manifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}

	dir := t.abs(manifest.Dir)
	if err := t.fs.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create management directory: %w", err)
	}

	tmp := path.Join(dir, "."+manifest.FileName+"."+uuid.NewString()+".tmp")
	w, err := t.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		_ = t.fs.Remove(tmp)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = t.fs.Remove(tmp)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}

	if err := t.fs.Rename(tmp, t.abs(manifest.Path)); err != nil {
		_ = t.fs.Remove(tmp)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

func (t *treeStore) Close() error {
	return t.fs.Close()
}

// osFS implements remoteFS on the local filesystem.
type osFS struct{}

func (osFS) Stat(p string) (os.FileInfo, error) { return os.Stat(filepath.FromSlash(p)) }
func (osFS) MkdirAll(p string) error            { return os.MkdirAll(filepath.FromSlash(p), 0755) }
func (osFS) Remove(p string) error              { return os.Remove(filepath.FromSlash(p)) }
func (osFS) RemoveDirectory(p string) error     { return os.Remove(filepath.FromSlash(p)) }
func (osFS) Close() error                       { return nil }

func (osFS) Create(p string) (io.WriteCloser, error) {
	return os.OpenFile(filepath.FromSlash(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func (osFS) Open(p string) (io.ReadCloser, error) {
	return os.Open(filepath.FromSlash(p))
}

func (osFS) Rename(oldname, newname string) error {
	return os.Rename(filepath.FromSlash(oldname), filepath.FromSlash(newname))
}

func (osFS) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(filepath.FromSlash(p))
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// NewManualBackend publishes into a local export directory, for hosts that
// are uploaded by hand.
func NewManualBackend(dir string, workers int, logger *slog.Logger, now func() time.Time) *StoreBackend {
	return &StoreBackend{
		name: "manual",
		open: func(context.Context) (store, error) {
			return openTreeStore(osFS{}, filepath.ToSlash(dir), logger)
		},
		workers: workers,
		logger:  logger,
		now:     now,
	}
}
