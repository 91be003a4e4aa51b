package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/schaermu/blogsync/internal/activation"
	"github.com/schaermu/blogsync/internal/seal"
	"github.com/schaermu/blogsync/internal/server"
	"github.com/schaermu/blogsync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the blog's content to other devices",
	Long: `Serve starts an HTTP server exposing the sync manifest and snapshot of blog.url
so other devices can check and pull from it.

When serve.webhook_secret_ref and sync.remote_url are set it also accepts signed
push notifications on /hooks/push and checks the remote for changes, pulling
them in when serve.auto_pull is enabled.

The server uses sockets passed by systemd socket activation when present and
listens on serve.listen_addr otherwise.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := a.syncPassword(ctx)
	if err != nil {
		return err
	}
	salt, err := serveSalt(ctx, a.registry, a.cfg.Blog.URL, password)
	if err != nil {
		return err
	}

	secret, err := a.secrets.Resolve(ctx, a.cfg.Serve.WebhookSecretRef)
	if err != nil {
		return fmt.Errorf("failed to resolve webhook secret: %w", err)
	}

	deps := server.Deps{
		Source: &sync.StoreSource{
			BlogURL:  a.cfg.Blog.URL,
			BlogName: a.cfg.Blog.Name,
			Store:    a.store,
			Password: password,
			Salt:     salt,
		},
		WebhookSecret: []byte(secret),
		PullPassword:  password,
		Logger:        a.logger,
	}
	if a.cfg.Sync.RemoteURL != "" {
		deps.Syncer = a.syncClient(sync.NewSessionCache())
	}

	listeners, err := activation.Listeners("")
	if err != nil {
		return fmt.Errorf("failed to get activation listeners: %w", err)
	}
	if len(listeners) > 0 {
		a.logger.Info("using systemd socket activation", "listeners", len(listeners))
	}

	return server.NewServer(a.cfg, deps).Start(ctx, listeners)
}

// serveSalt returns the draft salt registered for blogURL, creating one
// when a password is configured but none is registered yet.
func serveSalt(ctx context.Context, registry sync.Registry, blogURL, password string) ([]byte, error) {
	if password == "" {
		return nil, nil
	}
	rec, err := registry.Get(ctx, blogURL)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.HasPassword && len(rec.DraftSalt) == seal.SaltSize {
		return rec.DraftSalt, nil
	}
	if rec == nil {
		rec = &sync.SyncConfig{BlogURL: blogURL}
	}
	salt, err := seal.NewSalt()
	if err != nil {
		return nil, err
	}
	rec.HasPassword = true
	rec.DraftSalt = salt
	if err := registry.Put(ctx, rec); err != nil {
		return nil, err
	}
	return salt, nil
}
