package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/blogsync/internal/backend"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/sync"
)

// app holds the components a command needs, built from the config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	secrets  *credential.Resolver
	locker   lock.Locker
	store    content.Store
	registry sync.Registry
	closers  []func() error
}

func newApp(ctx context.Context) (*app, error) {
	logger := setupLogger(os.Stderr)
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return buildApp(ctx, cfg, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, secrets: credential.NewResolver()}

	if cfg.Secrets.AWS {
		src, err := credential.NewAWSSecretsSourceFromEnv(ctx, cfg.Secrets.AWSRegion)
		if err != nil {
			return nil, err
		}
		a.secrets.Register("aws", src)
	}

	locker, closeLocker := lock.Open(cfg.Storage.RedisAddr, logger)
	a.locker = locker
	a.closers = append(a.closers, closeLocker)

	if cfg.Storage.PostgresDSN != "" {
		pool, err := content.Connect(ctx, cfg.Storage.PostgresDSN, logger)
		if err != nil {
			a.Close()
			return nil, failure.Connection("connect content store", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })

		store, err := content.NewPostgresStore(ctx, pool, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		registry, err := sync.NewPostgresRegistry(ctx, pool)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store, a.registry = store, registry
	} else {
		a.store = content.NewFileStore(cfg.ContentStorePath(), logger)
		a.registry = sync.NewFileRegistry(cfg.SyncRegistryPath())
	}
	a.closers = append(a.closers, a.store.Close)

	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("failed to release resources", "error", err)
	}
}

func (a *app) publisher() (backend.Publisher, error) {
	return backend.New(a.cfg, backend.Deps{
		Logger:         a.logger,
		Secrets:        a.secrets,
		KnownHostsPath: a.cfg.KnownHostsPath(),
	})
}

// dial connects to the configured sync remote. Every blog served by one
// remote shares its base URL.
func (a *app) dial(string) (sync.Source, error) {
	if a.cfg.Sync.RemoteURL == "" {
		return nil, failure.Configuration("sync", "sync.remote_url is not set")
	}
	return sync.NewHTTPSource(a.cfg.Sync.RemoteURL, nil), nil
}

func (a *app) syncClient(session *sync.SessionCache) *sync.Client {
	return sync.NewClient(a.registry, a.store, a.dial, a.locker, session, a.logger)
}

func (a *app) syncPassword(ctx context.Context) (string, error) {
	password, err := a.secrets.Resolve(ctx, a.cfg.Sync.PasswordRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sync password: %w", err)
	}
	return password, nil
}
