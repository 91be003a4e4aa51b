package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS blogsync_blogs (
	blog_url   TEXT PRIMARY KEY,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blogsync_entities (
	blog_url   TEXT NOT NULL,
	category   TEXT NOT NULL,
	id         TEXT NOT NULL,
	hash       TEXT NOT NULL,
	local_only BOOLEAN NOT NULL DEFAULT false,
	data       JSONB,
	PRIMARY KEY (blog_url, category, id)
);
`

// NotifyChannel is the LISTEN channel Refresh notifies on.
const NotifyChannel = "blogsync_content"

// blogEntityID keys the blog settings row in blogsync_entities.
const blogEntityID = "blog"

// Connect opens a connection pool to dsn and verifies it.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected", "host", poolConfig.ConnConfig.Host, "db", poolConfig.ConnConfig.Database)
	return pool, nil
}

// PostgresStore keeps snapshots in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates the tables if needed and returns a store on pool.
// The store does not own pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate content schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Snapshot implements Store.
func (s *PostgresStore) Snapshot(ctx context.Context, blogURL string) (*Snapshot, error) {
	snap := NewSnapshot()

	err := s.pool.QueryRow(ctx,
		`SELECT version, updated_at FROM blogsync_blogs WHERE blog_url = $1`, blogURL,
	).Scan(&snap.Version, &snap.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get blog version: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT category, id, hash, local_only, data
		FROM blogsync_entities
		WHERE blog_url = $1
		ORDER BY category, id
	`, blogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			category string
			e        Entity
			data     []byte
		)
		if err := rows.Scan(&category, &e.ID, &e.Hash, &e.LocalOnly, &data); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Data = data

		if Category(category) == CategoryBlog {
			blog := e
			snap.Blog = &blog
			continue
		}
		snap.Collections[Category(category)] = append(snap.Collections[Category(category)], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}

	return snap, nil
}

// Apply implements Store inside a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, blogURL string, cs ChangeSet) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}

		if cs.Blog != nil {
			queueUpsert(batch, blogURL, CategoryBlog, Entity{
				ID:        blogEntityID,
				Hash:      cs.Blog.Hash,
				LocalOnly: cs.Blog.LocalOnly,
				Data:      cs.Blog.Data,
			})
		}
		for c, ids := range cs.Deletes {
			for _, id := range ids {
				batch.Queue(`DELETE FROM blogsync_entities WHERE blog_url = $1 AND category = $2 AND id = $3`,
					blogURL, string(c), id)
			}
		}
		for c, items := range cs.Upserts {
			for _, e := range items {
				queueUpsert(batch, blogURL, c, e)
			}
		}
		batch.Queue(`
			INSERT INTO blogsync_blogs (blog_url, version, updated_at)
			VALUES ($1, 1, now())
			ON CONFLICT (blog_url) DO UPDATE
			SET version = blogsync_blogs.version + 1, updated_at = now()
		`, blogURL)

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to apply change set: %w", err)
	}

	s.logger.Debug("applied change set", "blog", blogURL, "categories", cs.Affected())
	return nil
}

func queueUpsert(batch *pgx.Batch, blogURL string, c Category, e Entity) {
	var data []byte
	if len(e.Data) > 0 {
		data = e.Data
	}
	batch.Queue(`
		INSERT INTO blogsync_entities (blog_url, category, id, hash, local_only, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (blog_url, category, id) DO UPDATE
		SET hash = EXCLUDED.hash, local_only = EXCLUDED.local_only, data = EXCLUDED.data
	`, blogURL, string(c), e.ID, e.Hash, e.LocalOnly, data)
}

// Refresh implements Store by notifying listeners on NotifyChannel with
// "<blogURL> <category>,<category>".
func (s *PostgresStore) Refresh(ctx context.Context, blogURL string, cats []Category) error {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	payload := blogURL + " " + strings.Join(names, ",")
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, payload); err != nil {
		return fmt.Errorf("failed to notify content refresh: %w", err)
	}
	return nil
}

// Close implements Store. The pool is closed by its owner.
func (s *PostgresStore) Close() error { return nil }
