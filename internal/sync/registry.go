package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncConfig is the per-blog sync registration. Records are never deleted
// implicitly; disabling sync keeps the record with SyncEnabled false.
type SyncConfig struct {
	BlogURL     string `json:"blogUrl"`
	SyncEnabled bool   `json:"syncEnabled"`
	HasPassword bool   `json:"hasPassword"`
	// DraftSalt is regenerated on every password change.
	DraftSalt         []byte     `json:"draftSalt,omitempty"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
	LastSyncedVersion int        `json:"lastSyncedVersion"`
}

// Registry persists SyncConfig records.
type Registry interface {
	// Get returns the record for blogURL, or nil when none exists.
	Get(ctx context.Context, blogURL string) (*SyncConfig, error)
	Put(ctx context.Context, cfg *SyncConfig) error
	List(ctx context.Context) ([]*SyncConfig, error)
}

// FileRegistry stores records in a JSON file keyed by blog URL.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

// NewFileRegistry creates a registry backed by path.
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (r *FileRegistry) load() (map[string]*SyncConfig, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*SyncConfig), nil
		}
		return nil, fmt.Errorf("failed to read sync registry: %w", err)
	}
	records := make(map[string]*SyncConfig)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse sync registry: %w", err)
	}
	return records, nil
}

// Get implements Registry.
func (r *FileRegistry) Get(_ context.Context, blogURL string) (*SyncConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return nil, err
	}
	return records[blogURL], nil
}

// List implements Registry.
func (r *FileRegistry) List(_ context.Context) ([]*SyncConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*SyncConfig, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	return out, nil
}

// Put implements Registry. The file is replaced atomically.
func (r *FileRegistry) Put(_ context.Context, cfg *SyncConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.load()
	if err != nil {
		return err
	}
	records[cfg.BlogURL] = cfg

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write sync registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace sync registry: %w", err)
	}
	return nil
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS blogsync_sync_configs (
	blog_url            TEXT PRIMARY KEY,
	sync_enabled        BOOLEAN NOT NULL,
	has_password        BOOLEAN NOT NULL,
	draft_salt          BYTEA,
	last_synced_at      TIMESTAMPTZ,
	last_synced_version INTEGER NOT NULL DEFAULT 0
);
`

// PostgresRegistry stores records in PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates the table if needed.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	if _, err := pool.Exec(ctx, registrySchema); err != nil {
		return nil, fmt.Errorf("failed to migrate sync registry schema: %w", err)
	}
	return &PostgresRegistry{pool: pool}, nil
}

const selectConfig = `
	SELECT blog_url, sync_enabled, has_password, draft_salt, last_synced_at, last_synced_version
	FROM blogsync_sync_configs
`

func scanConfig(row pgx.Row) (*SyncConfig, error) {
	cfg := &SyncConfig{}
	err := row.Scan(&cfg.BlogURL, &cfg.SyncEnabled, &cfg.HasPassword, &cfg.DraftSalt, &cfg.LastSyncedAt, &cfg.LastSyncedVersion)
	return cfg, err
}

// Get implements Registry.
func (r *PostgresRegistry) Get(ctx context.Context, blogURL string) (*SyncConfig, error) {
	cfg, err := scanConfig(r.pool.QueryRow(ctx, selectConfig+` WHERE blog_url = $1`, blogURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync config: %w", err)
	}
	return cfg, nil
}

// List implements Registry.
func (r *PostgresRegistry) List(ctx context.Context) ([]*SyncConfig, error) {
	rows, err := r.pool.Query(ctx, selectConfig+` ORDER BY blog_url`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync configs: %w", err)
	}
	defer rows.Close()

	var out []*SyncConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// Put implements Registry.
func (r *PostgresRegistry) Put(ctx context.Context, cfg *SyncConfig) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO blogsync_sync_configs
			(blog_url, sync_enabled, has_password, draft_salt, last_synced_at, last_synced_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (blog_url) DO UPDATE
		SET sync_enabled = EXCLUDED.sync_enabled,
			has_password = EXCLUDED.has_password,
			draft_salt = EXCLUDED.draft_salt,
			last_synced_at = EXCLUDED.last_synced_at,
			last_synced_version = EXCLUDED.last_synced_version
	`, cfg.BlogURL, cfg.SyncEnabled, cfg.HasPassword, cfg.DraftSalt, cfg.LastSyncedAt, cfg.LastSyncedVersion)
	if err != nil {
		return fmt.Errorf("failed to put sync config: %w", err)
	}
	return nil
}
