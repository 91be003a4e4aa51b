package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps every blog's snapshot in one JSON document, rewritten
// atomically on each Apply.
type FileStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger, now: time.Now}
}

func (f *FileStore) load() (map[string]*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*Snapshot), nil
		}
		return nil, fmt.Errorf("failed to read content store: %w", err)
	}

	blogs := make(map[string]*Snapshot)
	if err := json.Unmarshal(data, &blogs); err != nil {
		return nil, fmt.Errorf("failed to parse content store: %w", err)
	}
	for _, s := range blogs {
		if s.Collections == nil {
			s.Collections = make(map[Category][]Entity)
		}
	}
	return blogs, nil
}

func (f *FileStore) save(blogs map[string]*Snapshot) error {
	data, err := json.MarshalIndent(blogs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal content store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create content store directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".content-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write content store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write content store: %w", err)
	}
	return os.Rename(tmpPath, f.path)
}

// Snapshot implements Store.
func (f *FileStore) Snapshot(_ context.Context, blogURL string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blogs, err := f.load()
	if err != nil {
		return nil, err
	}
	if s, ok := blogs[blogURL]; ok {
		return s, nil
	}
	return NewSnapshot(), nil
}

// Apply implements Store.
func (f *FileStore) Apply(_ context.Context, blogURL string, cs ChangeSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blogs, err := f.load()
	if err != nil {
		return err
	}
	current, ok := blogs[blogURL]
	if !ok {
		current = NewSnapshot()
	}
	next := current.Apply(cs, f.now())
	blogs[blogURL] = next

	if err := f.save(blogs); err != nil {
		return err
	}
	f.logger.Debug("applied change set", "blog", blogURL, "version", next.Version, "categories", cs.Affected())
	return nil
}

// Refresh implements Store. Readers always reload the file, so there is
// nothing to invalidate.
func (f *FileStore) Refresh(_ context.Context, blogURL string, cats []Category) error {
	f.logger.Debug("content refreshed", "blog", blogURL, "categories", cats)
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }
