// Package sync lets a second device discover content published elsewhere,
// diff it against the local Content Store and merge it in. Drafts travel
// only sealed, and only to a client that knows the sync password.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/seal"
)

// CheckResult reports how a blog's local content relates to its remote.
type CheckResult struct {
	// HasChanges is the authoritative staleness signal: the remote
	// version differs from the last version pulled.
	HasChanges    bool     `json:"hasChanges"`
	LocalVersion  int      `json:"localVersion"`
	RemoteVersion int      `json:"remoteVersion"`
	Summary       Summary  `json:"summary"`
	Details       SyncDiff `json:"details"`
	Manifest      Manifest `json:"manifest"`
}

// PullResult reports an applied pull.
type PullResult struct {
	Version        int      `json:"version"`
	Applied        SyncDiff `json:"applied"`
	DraftsIncluded bool     `json:"draftsIncluded"`
}

// Dialer returns the Source serving blogURL.
type Dialer func(blogURL string) (Source, error)

// Client runs the sync protocol against remotes on behalf of the local
// Content Store.
type Client struct {
	registry Registry
	store    content.Store
	dial     Dialer
	locker   lock.Locker
	session  *SessionCache
	logger   *slog.Logger
	now      func() time.Time
	params   seal.Params
}

// NewClient creates a sync client. The session cache is owned by the
// caller so it can be scoped to a UI session or a test case.
func NewClient(registry Registry, store content.Store, dial Dialer, locker lock.Locker, session *SessionCache, logger *slog.Logger) *Client {
	return &Client{
		registry: registry,
		store:    store,
		dial:     dial,
		locker:   locker,
		session:  session,
		logger:   logger,
		now:      time.Now,
		params:   seal.DefaultParams,
	}
}

func (c *Client) acquire(ctx context.Context, blogURL string) (func(), error) {
	return c.locker.TryAcquire(ctx, lock.SyncKey(blogURL))
}

func (c *Client) enabledConfig(ctx context.Context, blogURL string) (*SyncConfig, error) {
	cfg, err := c.registry.Get(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, failure.Configuration("sync", "blog %s is not registered for sync; import it first", blogURL)
	}
	if !cfg.SyncEnabled {
		return nil, failure.Configuration("sync", "sync is disabled for %s", blogURL)
	}
	return cfg, nil
}

// Check compares the remote against the local content without changing
// anything. Drafts are never part of the result.
func (c *Client) Check(ctx context.Context, blogURL string) (*CheckResult, error) {
	release, err := c.acquire(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg, err := c.enabledConfig(ctx, blogURL)
	if err != nil {
		return nil, err
	}

	source, err := c.dial(blogURL)
	if err != nil {
		return nil, err
	}
	payload, err := source.Payload(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}

	local, err := c.store.Snapshot(ctx, blogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read local content: %w", err)
	}

	details := Diff(local, payload.Snapshot(), false)
	result := &CheckResult{
		HasChanges:    payload.Manifest.Version != cfg.LastSyncedVersion,
		LocalVersion:  cfg.LastSyncedVersion,
		RemoteVersion: payload.Manifest.Version,
		Summary:       details.Summary(),
		Details:       details,
		Manifest:      payload.Manifest,
	}
	c.session.MarkChecked(blogURL)

	c.logger.Info("sync check",
		"blog", blogURL,
		"local_version", result.LocalVersion,
		"remote_version", result.RemoteVersion,
		"has_changes", result.HasChanges,
		"new", result.Summary.New,
		"modified", result.Summary.Modified,
		"deleted", result.Summary.Deleted)
	return result, nil
}

// Pull fetches the remote snapshot and applies it to the Content Store in
// one atomic change set. Without a password drafts are left out. With one,
// drafts are decrypted locally; any decryption failure aborts the pull
// before anything is written.
func (c *Client) Pull(ctx context.Context, blogURL, password string) (*PullResult, error) {
	release, err := c.acquire(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg, err := c.enabledConfig(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	return c.pull(ctx, cfg, password)
}

func (c *Client) pull(ctx context.Context, cfg *SyncConfig, password string) (*PullResult, error) {
	blogURL := cfg.BlogURL
	source, err := c.dial(blogURL)
	if err != nil {
		return nil, err
	}

	manifest, err := source.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote manifest: %w", err)
	}

	var key *seal.Key
	token := ""
	if manifest.HasDrafts && password != "" {
		key, err = seal.DeriveKeyWithParams(password, manifest.DraftSalt, c.params)
		if err != nil {
			return nil, failure.Wrap(failure.CodeDecryption, "derive draft key", err)
		}
		token = key.Token()
	} else if manifest.HasDrafts {
		c.logger.Info("remote has drafts, skipping them without a sync password", "blog", blogURL)
	}

	payload, err := source.Payload(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, failure.Wrap(failure.CodeDecryption, "pull", err)
		}
		return nil, fmt.Errorf("failed to fetch remote snapshot: %w", err)
	}

	remote := payload.Snapshot()
	includeDrafts := false
	if key != nil && payload.Manifest.HasDrafts {
		drafts, err := openDrafts(key, payload.Drafts, blogURL)
		if err != nil {
			return nil, err
		}
		remote.Collections[content.CategoryDrafts] = drafts
		includeDrafts = true
	}

	local, err := c.store.Snapshot(ctx, blogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read local content: %w", err)
	}

	diff := Diff(local, remote, includeDrafts)
	cs := ChangeSetFor(diff, remote)
	if !cs.Empty() {
		if err := c.store.Apply(ctx, blogURL, cs); err != nil {
			return nil, fmt.Errorf("failed to apply remote changes: %w", err)
		}
		if err := c.store.Refresh(ctx, blogURL, cs.Affected()); err != nil {
			c.logger.Warn("failed to refresh content collections", "blog", blogURL, "error", err)
		}
	}

	now := c.now().UTC()
	cfg.LastSyncedVersion = payload.Manifest.Version
	cfg.LastSyncedAt = &now
	if err := c.registry.Put(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to record sync: %w", err)
	}
	c.session.Clear(blogURL)

	summary := diff.Summary()
	c.logger.Info("sync pull applied",
		"blog", blogURL,
		"version", payload.Manifest.Version,
		"drafts", includeDrafts,
		"new", summary.New,
		"modified", summary.Modified,
		"deleted", summary.Deleted)

	return &PullResult{Version: payload.Manifest.Version, Applied: diff, DraftsIncluded: includeDrafts}, nil
}

func openDrafts(key *seal.Key, box *seal.Box, blogURL string) ([]content.Entity, error) {
	plain, err := key.Open(box, []byte(blogURL))
	if err != nil {
		return nil, err
	}
	var drafts []content.Entity
	if err := json.Unmarshal(plain, &drafts); err != nil {
		return nil, failure.Wrap(failure.CodeDecryption, "open drafts", fmt.Errorf("invalid draft content: %w", err))
	}
	return drafts, nil
}

// Import registers a blog that is new to this device and pulls it. With no
// prior version every remote item is new.
func (c *Client) Import(ctx context.Context, blogURL, password string) (*PullResult, error) {
	release, err := c.acquire(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := c.registry.Get(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, failure.Configuration("import", "blog %s is already registered; use pull", blogURL)
	}

	cfg := &SyncConfig{BlogURL: blogURL, SyncEnabled: true, HasPassword: password != ""}
	result, err := c.pull(ctx, cfg, password)
	if err != nil {
		return nil, err
	}
	c.logger.Info("imported blog", "blog", blogURL, "version", result.Version)
	return result, nil
}

// EnableSync turns sync on, creating the record if needed. A non-empty
// password sets the sync password and rotates the draft salt.
func (c *Client) EnableSync(ctx context.Context, blogURL, password string) (*SyncConfig, error) {
	cfg, err := c.registry.Get(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &SyncConfig{BlogURL: blogURL}
	}
	cfg.SyncEnabled = true
	if password != "" {
		if err := rotateSalt(cfg); err != nil {
			return nil, err
		}
	}
	if err := c.registry.Put(ctx, cfg); err != nil {
		return nil, err
	}
	c.logger.Info("sync enabled", "blog", blogURL, "has_password", cfg.HasPassword)
	return cfg, nil
}

// DisableSync turns sync off but keeps the record.
func (c *Client) DisableSync(ctx context.Context, blogURL string) error {
	cfg, err := c.registry.Get(ctx, blogURL)
	if err != nil {
		return err
	}
	if cfg == nil {
		return failure.Configuration("disable sync", "blog %s is not registered for sync", blogURL)
	}
	cfg.SyncEnabled = false
	if err := c.registry.Put(ctx, cfg); err != nil {
		return err
	}
	c.session.Clear(blogURL)
	c.logger.Info("sync disabled", "blog", blogURL)
	return nil
}

// ChangePassword replaces the sync password. An empty password removes it.
func (c *Client) ChangePassword(ctx context.Context, blogURL, password string) (*SyncConfig, error) {
	cfg, err := c.registry.Get(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, failure.Configuration("change password", "blog %s is not registered for sync", blogURL)
	}
	if password == "" {
		cfg.HasPassword = false
		cfg.DraftSalt = nil
	} else if err := rotateSalt(cfg); err != nil {
		return nil, err
	}
	if err := c.registry.Put(ctx, cfg); err != nil {
		return nil, err
	}
	c.logger.Info("sync password changed", "blog", blogURL, "has_password", cfg.HasPassword)
	return cfg, nil
}

// rotateSalt marks cfg as password protected under a fresh draft salt.
// The password itself is never stored.
func rotateSalt(cfg *SyncConfig) error {
	salt, err := seal.NewSalt()
	if err != nil {
		return err
	}
	cfg.HasPassword = true
	cfg.DraftSalt = salt
	return nil
}
