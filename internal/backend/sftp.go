package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
)

const sftpDialTimeout = 30 * time.Second

// NewSFTPBackend publishes over SFTP. Key authentication takes precedence
// over the password when both are configured.
func NewSFTPBackend(cfg config.SFTPConfig, secrets *credential.Resolver, knownHostsPath string, workers int, logger *slog.Logger, now func() time.Time) *StoreBackend {
	return &StoreBackend{
		name: "sftp",
		open: func(ctx context.Context) (store, error) {
			client, err := dialSFTP(ctx, cfg, secrets, knownHostsPath, logger)
			if err != nil {
				return nil, err
			}
			return openTreeStore(client, cfg.RemoteDir, logger)
		},
		workers: workers,
		logger:  logger,
		now:     now,
	}
}

func sftpAuth(ctx context.Context, cfg config.SFTPConfig, secrets *credential.Resolver) (ssh.AuthMethod, error) {
	if cfg.KeyRef != "" {
		key, err := secrets.Resolve(ctx, cfg.KeyRef)
		if err != nil {
			return nil, failure.Wrap(failure.CodeConfiguration, "resolve sftp key", err)
		}
		passphrase, err := secrets.Resolve(ctx, cfg.KeyPassphrase)
		if err != nil {
			return nil, failure.Wrap(failure.CodeConfiguration, "resolve sftp key passphrase", err)
		}
		signer, err := credential.Signer(key, passphrase)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	}

	if cfg.PasswordRef != "" {
		password, err := secrets.Resolve(ctx, cfg.PasswordRef)
		if err != nil {
			return nil, failure.Wrap(failure.CodeConfiguration, "resolve sftp password", err)
		}
		return ssh.Password(password), nil
	}

	return nil, failure.Configuration("sftp auth", "neither key_ref nor password_ref is configured")
}

func dialSFTP(ctx context.Context, cfg config.SFTPConfig, secrets *credential.Resolver, knownHostsPath string, logger *slog.Logger) (*sftpFS, error) {
	auth, err := sftpAuth(ctx, cfg, secrets)
	if err != nil {
		return nil, err
	}
	hostKeys, err := trustOnFirstUse(knownHostsPath, logger)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: sftpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, failure.Connection("dial "+addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         sftpDialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, failure.Connection("ssh handshake with "+addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, failure.Connection("start sftp session", err)
	}

	logger.Debug("connected to sftp server", "addr", addr, "user", cfg.Username)
	return &sftpFS{client: client, closer: sshClient}, nil
}

// trustOnFirstUse pins unknown host keys into path and rejects changed ones,
// the same policy as OpenSSH's StrictHostKeyChecking=accept-new.
func trustOnFirstUse(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		return nil, failure.Configuration("known hosts", "no known_hosts path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	_ = f.Close()

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("failed to load known_hosts: %w", err)
		}
		err = check(hostname, remote, key)

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			// nil, a revoked key, or a mismatch against a pinned key.
			return err
		}

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to open known_hosts: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("failed to pin host key: %w", err)
		}

		logger.Warn("trusting new host key", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

// sftpFS adapts an SFTP client to remoteFS.
type sftpFS struct {
	client *sftp.Client
	closer io.Closer
}

func (s *sftpFS) Stat(p string) (os.FileInfo, error)      { return s.client.Stat(p) }
func (s *sftpFS) MkdirAll(p string) error                 { return s.client.MkdirAll(p) }
func (s *sftpFS) Remove(p string) error                   { return s.client.Remove(p) }
func (s *sftpFS) RemoveDirectory(p string) error          { return s.client.RemoveDirectory(p) }
func (s *sftpFS) ReadDir(p string) ([]os.FileInfo, error) { return s.client.ReadDir(p) }

func (s *sftpFS) Create(p string) (io.WriteCloser, error) {
	return s.client.Create(p)
}

func (s *sftpFS) Open(p string) (io.ReadCloser, error) {
	return s.client.Open(p)
}

// Rename replaces newname. Servers without the posix-rename extension
// refuse to overwrite, so the target is removed first for them.
func (s *sftpFS) Rename(oldname, newname string) error {
	if err := s.client.PosixRename(oldname, newname); err == nil {
		return nil
	}
	if err := s.client.Remove(newname); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.client.Rename(oldname, newname)
}

func (s *sftpFS) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
