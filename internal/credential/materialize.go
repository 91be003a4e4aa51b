// Package credential turns stored secrets into the short-lived form a
// backend's protocol library needs, and resolves secret references.
package credential

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/schaermu/blogsync/internal/failure"
)

// KeyFile is a private key written to disk for the duration of one
// operation. Callers must defer Cleanup right after materializing.
type KeyFile struct {
	Path string

	dir  string
	once sync.Once
	err  error
}

// MaterializeSSHKey writes secret to a uniquely named file readable only by
// the current user. The key is trimmed and newline-terminated because
// OpenSSH rejects keys without a final newline.
func MaterializeSSHKey(secret string) (*KeyFile, error) {
	key := strings.TrimSpace(secret)
	if key == "" {
		return nil, failure.Configuration("materialize ssh key", "ssh key is empty")
	}

	dir, err := os.MkdirTemp("", "blogsync-key-")
	if err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to restrict key directory: %w", err)
	}

	path := filepath.Join(dir, "id_"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		_ = f.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	return &KeyFile{Path: path, dir: dir}, nil
}

// Cleanup removes the key file. Safe to call more than once and on nil.
func (k *KeyFile) Cleanup() error {
	if k == nil {
		return nil
	}
	k.once.Do(func() {
		if err := os.RemoveAll(k.dir); err != nil {
			k.err = fmt.Errorf("failed to remove key file: %w", err)
		}
	})
	return k.err
}

// Signer parses a PEM private key for libraries that authenticate with an
// in-memory signer instead of a key file.
func Signer(secret, passphrase string) (ssh.Signer, error) {
	key := []byte(strings.TrimSpace(secret) + "\n")

	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		// The parse error never contains key material.
		return nil, failure.Configuration("parse ssh key", "invalid private key: %v", err)
	}
	return signer, nil
}

// IsSSHURL reports whether a remote URL uses an SSH transport.
func IsSSHURL(url string) bool {
	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git+ssh://") {
		return true
	}
	if strings.Contains(url, "://") {
		return false
	}
	// scp-like syntax: user@host:path
	at := strings.Index(url, "@")
	colon := strings.Index(url, ":")
	return at > 0 && colon > at
}

// RequireForURL fails fast when an SSH remote has no key configured.
func RequireForURL(url, secret string) error {
	if IsSSHURL(url) && strings.TrimSpace(secret) == "" {
		return failure.Configuration("credentials", "remote %s uses SSH but no ssh key is configured", url)
	}
	return nil
}
