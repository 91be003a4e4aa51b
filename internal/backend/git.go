package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/git"
	"github.com/schaermu/blogsync/internal/manifest"
)

// GitBackend publishes by committing the site to a branch and pushing it.
type GitBackend struct {
	cfg       config.GitConfig
	secrets   *credential.Resolver
	logger    *slog.Logger
	now       func() time.Time
	newClient func(git.Auth, *slog.Logger) git.Client
}

// NewGitBackend creates a git backend that shells out to the git command.
func NewGitBackend(cfg config.GitConfig, secrets *credential.Resolver, logger *slog.Logger, now func() time.Time) *GitBackend {
	return &GitBackend{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger,
		now:     now,
		newClient: func(auth git.Auth, logger *slog.Logger) git.Client {
			return git.NewShellClient(auth, logger)
		},
	}
}

// Name implements Publisher.
func (b *GitBackend) Name() string { return "git" }

// Close implements Publisher.
func (b *GitBackend) Close() error { return nil }

// withCheckout materializes credentials, clones the branch into a temporary
// directory and runs fn against it. The key file and the checkout are
// removed on every exit path.
func (b *GitBackend) withCheckout(ctx context.Context, shallow bool, fn func(client git.Client, dir string, existed bool) error) error {
	auth := git.Auth{Username: b.cfg.Username}

	sshKey, err := b.secrets.Resolve(ctx, b.cfg.SSHKeyRef)
	if err != nil {
		return failure.Wrap(failure.CodeConfiguration, "resolve ssh key", err)
	}
	if err := credential.RequireForURL(b.cfg.URL, sshKey); err != nil {
		return err
	}
	if sshKey != "" {
		key, err := credential.MaterializeSSHKey(sshKey)
		if err != nil {
			return err
		}
		defer func() {
			if err := key.Cleanup(); err != nil {
				b.logger.Warn("failed to remove key file", "error", err)
			}
		}()
		auth.SSHKeyFile = key.Path
	}

	token, err := b.secrets.Resolve(ctx, b.cfg.TokenRef)
	if err != nil {
		return failure.Wrap(failure.CodeConfiguration, "resolve token", err)
	}
	auth.Token = token

	tmp, err := os.MkdirTemp("", "blogsync-git-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	client := b.newClient(auth, b.logger)
	dir := filepath.Join(tmp, "checkout")
	existed, err := client.Clone(ctx, b.cfg.URL, b.cfg.Branch, dir, shallow)
	if err != nil {
		return err
	}
	return fn(client, dir, existed)
}

// FetchManifest reads the manifest from a shallow clone of the branch.
func (b *GitBackend) FetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	var m *manifest.Manifest
	err := b.withCheckout(ctx, true, func(_ git.Client, dir string, existed bool) error {
		if !existed {
			return nil
		}
		var err error
		m, err = readLocalManifest(dir)
		return err
	})
	return m, err
}

// WriteManifest commits a replacement manifest without touching content.
func (b *GitBackend) WriteManifest(ctx context.Context, fileHashes map[string]string, publishedBy string) error {
	return b.withCheckout(ctx, false, func(client git.Client, dir string, _ bool) error {
		prev, err := readLocalManifest(dir)
		if err != nil {
			return err
		}
		if err := writeLocalManifest(dir, manifest.Next(prev, fileHashes, publishedBy, b.now())); err != nil {
			return err
		}
		if err := client.StageAll(ctx, dir); err != nil {
			return err
		}
		if _, err := client.Commit(ctx, dir, b.author(), "Update publish manifest"); err != nil {
			return err
		}
		return client.Push(ctx, dir, b.cfg.Branch)
	})
}

// Publish clones the branch, removes files the previous publish owned that
// are gone locally, copies the site over the working tree and commits and
// pushes if anything changed. It never force-pushes.
func (b *GitBackend) Publish(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	result := &Result{Backend: b.Name()}

	progress.report(Progress{Phase: PhaseConnecting})
	err := b.withCheckout(ctx, false, func(client git.Client, dir string, existed bool) error {
		progress.report(Progress{Phase: PhaseDiffing})

		// The clone is authoritative for what the last publish owned.
		prev, err := readLocalManifest(dir)
		if err != nil {
			return err
		}

		ref := changes.Reference{}
		if prev != nil {
			ref.Hashes = prev.FileHashes
		}
		delta := changes.Detect(req.Files.Local(), ref, changes.Options{Force: req.Force})
		result.Skipped = delta.Skipped

		for i, rel := range delta.ToDelete {
			progress.report(Progress{Phase: PhaseDeleting, Path: rel, Done: i, Total: len(delta.ToDelete)})
			if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove %s from working tree: %w", rel, err)
			}
			result.Deleted = append(result.Deleted, rel)
		}

		paths := req.Files.Paths()
		for i, rel := range paths {
			if err := ctx.Err(); err != nil {
				return failure.Wrap(failure.CodeCanceled, "publish", err)
			}
			if err := copyFile(req.Files[rel].Abs, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
				return fmt.Errorf("failed to copy %s: %w", rel, err)
			}
			progress.report(Progress{Phase: PhaseUploading, Path: rel, Done: i + 1, Total: len(paths)})
		}
		result.Uploaded = delta.ToUpload

		if err := client.StageAll(ctx, dir); err != nil {
			return err
		}
		changed, err := client.HasStagedChanges(ctx, dir)
		if err != nil {
			return err
		}
		if !changed && existed && prev != nil {
			b.logger.Info("no changes to publish")
			result.Manifest = prev
			return nil
		}

		progress.report(Progress{Phase: PhaseCommitting})
		next := manifest.Next(prev, req.Files.Hashes(), req.PublishedBy, b.now())
		if err := writeLocalManifest(dir, next); err != nil {
			return err
		}
		if err := client.StageAll(ctx, dir); err != nil {
			return err
		}

		message := req.Message
		if message == "" {
			message = b.cfg.CommitMessage
		}
		commit, err := client.Commit(ctx, dir, b.author(), message)
		if err != nil {
			return err
		}

		progress.report(Progress{Phase: PhasePushing})
		if err := client.Push(ctx, dir, b.cfg.Branch); err != nil {
			return err
		}

		b.logger.Info("pushed publish commit", "commit", commit, "branch", b.cfg.Branch)
		result.Committed = true
		result.Commit = commit
		result.Manifest = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	progress.report(Progress{Phase: PhaseDone})
	return result, nil
}

func (b *GitBackend) author() git.Author {
	return git.Author{Name: b.cfg.AuthorName, Email: b.cfg.AuthorEmail}
}

func readLocalManifest(root string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(manifest.Path)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return manifest.Parse(data)
}

// writeLocalManifest discards the management directory and rewrites it.
func writeLocalManifest(root string, m *manifest.Manifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	dir := filepath.Join(root, manifest.Dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear management directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create management directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// copyFile copies src to dst atomically using a temporary file and rename.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, dst)
}
