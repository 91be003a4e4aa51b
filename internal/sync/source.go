package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/seal"
)

// ErrInvalidToken is returned by a Source when a draft access token does
// not match the remote's sync password.
var ErrInvalidToken = errors.New("invalid sync token")

// Source is the remote side of the sync protocol.
type Source interface {
	// Manifest returns the discovery document.
	Manifest(ctx context.Context) (*Manifest, error)
	// Payload returns the snapshot. An empty token requests the public
	// snapshot; a valid token adds the sealed drafts.
	Payload(ctx context.Context, token string) (*Payload, error)
}

// HTTPSource talks to a blogsync server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source for the server at baseURL. A nil client
// uses one with a 30 second timeout.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Manifest implements Source.
func (s *HTTPSource) Manifest(ctx context.Context) (*Manifest, error) {
	var m Manifest
	if err := s.get(ctx, "/sync/manifest", "", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Payload implements Source.
func (s *HTTPSource) Payload(ctx context.Context, token string) (*Payload, error) {
	var p Payload
	if err := s.get(ctx, "/sync/snapshot", token, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *HTTPSource) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return failure.Configuration("sync request", "invalid remote url %q: %v", s.baseURL, err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return failure.Wrap(failure.CodeCanceled, "GET "+path, ctx.Err())
		}
		return failure.Connection("GET "+path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failure.Wrap(failure.CodeDecryption, "GET "+path, ErrInvalidToken)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return failure.Connection("GET "+path, fmt.Errorf("remote returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: remote returned %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// StoreSource serves a blog straight from a Content Store. It backs the
// HTTP server and in-process syncs.
type StoreSource struct {
	BlogURL  string
	BlogName string
	Store    content.Store
	// Password is the sync password; empty disables draft access.
	Password string
	// Salt is the registered draft salt for Password.
	Salt []byte
	// Params are the key derivation costs. Zero means seal.DefaultParams.
	Params seal.Params

	once   sync.Once
	key    *seal.Key
	keyErr error
}

func (s *StoreSource) draftKey() (*seal.Key, error) {
	s.once.Do(func() {
		params := s.Params
		if params == (seal.Params{}) {
			params = seal.DefaultParams
		}
		s.key, s.keyErr = seal.DeriveKeyWithParams(s.Password, s.Salt, params)
	})
	return s.key, s.keyErr
}

func (s *StoreSource) draftsEnabled() bool {
	return s.Password != "" && len(s.Salt) == seal.SaltSize
}

func (s *StoreSource) manifest(snap *content.Snapshot) Manifest {
	m := Manifest{
		BlogName:     s.BlogName,
		LastModified: snap.UpdatedAt,
		AppSource:    AppSource,
		FileCount:    countPublic(snap),
		Version:      snap.Version,
	}
	if s.draftsEnabled() && len(snap.Get(content.CategoryDrafts)) > 0 {
		m.HasDrafts = true
		m.DraftSalt = append([]byte(nil), s.Salt...)
	}
	return m
}

// Manifest implements Source.
func (s *StoreSource) Manifest(ctx context.Context) (*Manifest, error) {
	snap, err := s.Store.Snapshot(ctx, s.BlogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	m := s.manifest(snap)
	return &m, nil
}

// Payload implements Source. Drafts leave only sealed, and only for a
// token derived from the sync password.
func (s *StoreSource) Payload(ctx context.Context, token string) (*Payload, error) {
	var key *seal.Key
	if token != "" {
		if !s.draftsEnabled() {
			return nil, ErrInvalidToken
		}
		k, err := s.draftKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive draft key: %w", err)
		}
		if !k.VerifyToken(token) {
			return nil, ErrInvalidToken
		}
		key = k
	}

	snap, err := s.Store.Snapshot(ctx, s.BlogURL)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	public := snap.Without(content.CategoryDrafts)
	p := &Payload{
		Manifest:    s.manifest(snap),
		Blog:        public.Blog,
		Collections: public.Collections,
	}

	if key != nil && p.Manifest.HasDrafts {
		plain, err := json.Marshal(snap.Get(content.CategoryDrafts))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal drafts: %w", err)
		}
		box, err := key.Seal(plain, []byte(s.BlogURL))
		if err != nil {
			return nil, fmt.Errorf("failed to seal drafts: %w", err)
		}
		p.Drafts = box
	}
	return p, nil
}
