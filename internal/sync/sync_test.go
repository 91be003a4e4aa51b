package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/lock"
	"github.com/schaermu/blogsync/internal/logging"
	"github.com/schaermu/blogsync/internal/seal"
)

const testBlog = "https://blog.example.com"

var fastParams = seal.Params{Time: 1, Memory: 1024, Threads: 1}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func entity(id, body string) content.Entity {
	return content.NewEntity(id, json.RawMessage(body))
}

func snapshotOf(items map[content.Category][]content.Entity) *content.Snapshot {
	s := content.NewSnapshot()
	for c, e := range items {
		s.Collections[c] = e
	}
	return s
}

func TestDiff_Categorization(t *testing.T) {
	local := snapshotOf(map[content.Category][]content.Entity{
		content.CategoryTags: {entity("a", `"a"`), entity("b", `"b"`), entity("c", `"c"`)},
	})
	remote := snapshotOf(map[content.Category][]content.Entity{
		content.CategoryTags: {entity("b", `"b changed"`), entity("c", `"c"`), entity("d", `"d"`)},
	})

	diff := Diff(local, remote, false)
	assert.Equal(t, SyncDiff{
		content.CategoryTags: {
			New:      []ItemRef{{ID: "d"}},
			Modified: []ItemRef{{ID: "b"}},
			Deleted:  []ItemRef{{ID: "a"}},
		},
	}, diff)
	assert.Equal(t, Summary{New: 1, Modified: 1, Deleted: 1}, diff.Summary())
}

func TestDiff_Rules(t *testing.T) {
	tests := []struct {
		name          string
		local         *content.Snapshot
		remote        *content.Snapshot
		includeDrafts bool
		want          SyncDiff
	}{
		{
			name:   "identical",
			local:  snapshotOf(map[content.Category][]content.Entity{content.CategoryPosts: {entity("p", `1`)}}),
			remote: snapshotOf(map[content.Category][]content.Entity{content.CategoryPosts: {entity("p", `1`)}}),
			want:   SyncDiff{},
		},
		{
			name: "local-only items are never deleted",
			local: snapshotOf(map[content.Category][]content.Entity{content.CategoryPosts: {
				{ID: "mine", Hash: "h", LocalOnly: true},
			}}),
			remote: content.NewSnapshot(),
			want:   SyncDiff{},
		},
		{
			name:   "blog settings are modified, never new",
			local:  content.NewSnapshot(),
			remote: &content.Snapshot{Blog: &content.Entity{ID: "blog", Hash: "h"}},
			want:   SyncDiff{content.CategoryBlog: {Modified: []ItemRef{{ID: "blog"}}}},
		},
		{
			name:   "blog settings unchanged",
			local:  &content.Snapshot{Blog: &content.Entity{ID: "blog", Hash: "h"}},
			remote: &content.Snapshot{Blog: &content.Entity{ID: "blog", Hash: "h"}},
			want:   SyncDiff{},
		},
		{
			name:   "drafts ignored without access",
			local:  content.NewSnapshot(),
			remote: snapshotOf(map[content.Category][]content.Entity{content.CategoryDrafts: {entity("d", `1`)}}),
			want:   SyncDiff{},
		},
		{
			name:          "drafts compared with access",
			local:         content.NewSnapshot(),
			remote:        snapshotOf(map[content.Category][]content.Entity{content.CategoryDrafts: {entity("d", `1`)}}),
			includeDrafts: true,
			want:          SyncDiff{content.CategoryDrafts: {New: []ItemRef{{ID: "d"}}}},
		},
		{
			name:   "nil snapshots",
			local:  nil,
			remote: snapshotOf(map[content.Category][]content.Entity{content.CategoryThemes: {entity("t2", `1`), entity("t1", `1`)}}),
			want:   SyncDiff{content.CategoryThemes: {New: []ItemRef{{ID: "t1"}, {ID: "t2"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.local, tt.remote, tt.includeDrafts)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, len(tt.want) == 0, got.Empty())
		})
	}
}

func TestChangeSetFor(t *testing.T) {
	local := snapshotOf(map[content.Category][]content.Entity{
		content.CategoryTags: {entity("a", `"a"`), entity("b", `"b"`)},
	})
	remote := snapshotOf(map[content.Category][]content.Entity{
		content.CategoryTags: {entity("b", `"b2"`), entity("c", `"c"`)},
	})
	remote.Blog = &content.Entity{ID: "blog", Hash: "settings"}

	cs := ChangeSetFor(Diff(local, remote, false), remote)
	applied := local.Apply(cs, fixedNow())

	assert.Equal(t, remote.Get(content.CategoryTags), applied.Get(content.CategoryTags))
	assert.Equal(t, "settings", applied.Blog.Hash)
	assert.True(t, Diff(applied, remote, false).Empty())
}

// fixture is a remote blog served from a Content Store and a local device
// syncing from it.
type fixture struct {
	remote   *content.MemoryStore
	local    *content.MemoryStore
	source   *StoreSource
	registry *FileRegistry
	locker   *lock.MemoryLocker
	session  *SessionCache
	client   *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	remote := content.NewMemoryStore()
	var cs content.ChangeSet
	cs.Blog = &content.Entity{ID: "blog", Hash: "settings-1", Data: json.RawMessage(`{"title":"Notes"}`)}
	cs.Upsert(content.CategoryPosts, entity("p1", `{"title":"first"}`))
	cs.Upsert(content.CategoryPosts, entity("p2", `{"title":"second"}`))
	cs.Upsert(content.CategoryTags, entity("go", `{"name":"go"}`))
	cs.Upsert(content.CategoryDrafts, entity("d1", `{"title":"secret draft"}`))
	require.NoError(t, remote.Apply(ctx, testBlog, cs))

	salt, err := seal.NewSalt()
	require.NoError(t, err)

	f := &fixture{
		remote:   remote,
		local:    content.NewMemoryStore(),
		registry: NewFileRegistry(filepath.Join(t.TempDir(), "sync.json")),
		locker:   lock.NewMemoryLocker(),
		session:  NewSessionCache(),
		source: &StoreSource{
			BlogURL:  testBlog,
			BlogName: "Notes",
			Store:    remote,
			Password: "s3cret",
			Salt:     salt,
			Params:   fastParams,
		},
	}
	dial := func(string) (Source, error) { return f.source, nil }
	f.client = NewClient(f.registry, f.local, dial, f.locker, f.session, logging.Discard())
	f.client.params = fastParams
	f.client.now = fixedNow
	return f
}

func TestClient_CheckThenPull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.Check(ctx, testBlog)
	assert.True(t, failure.Is(err, failure.CodeConfiguration), "unregistered blogs are not checked")

	_, err = f.client.EnableSync(ctx, testBlog, "")
	require.NoError(t, err)

	res, err := f.client.Check(ctx, testBlog)
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, 0, res.LocalVersion)
	assert.Equal(t, 1, res.RemoteVersion)
	assert.True(t, res.Manifest.HasDrafts)
	assert.Equal(t, Summary{New: 3, Modified: 1}, res.Summary)
	assert.NotContains(t, res.Details, content.CategoryDrafts)
	assert.True(t, f.session.HasChecked(testBlog))

	// Check is read-only.
	snap, err := f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version)

	pulled, err := f.client.Pull(ctx, testBlog, "")
	require.NoError(t, err)
	assert.False(t, pulled.DraftsIncluded)
	assert.Equal(t, 1, pulled.Version)
	assert.False(t, f.session.HasChecked(testBlog))

	snap, err = f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	assert.Len(t, snap.Get(content.CategoryPosts), 2)
	assert.Empty(t, snap.Get(content.CategoryDrafts), "drafts never arrive without a password")
	assert.Equal(t, "settings-1", snap.Blog.Hash)
	assert.ElementsMatch(t,
		[]content.Category{content.CategoryBlog, content.CategoryPosts, content.CategoryTags},
		f.local.Refreshed(testBlog))

	cfg, err := f.registry.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.LastSyncedVersion)
	require.NotNil(t, cfg.LastSyncedAt)
	assert.True(t, fixedNow().Equal(*cfg.LastSyncedAt))

	res, err = f.client.Check(ctx, testBlog)
	require.NoError(t, err)
	assert.False(t, res.HasChanges)
	assert.True(t, res.Details.Empty())

	// A remote deletion propagates.
	var cs content.ChangeSet
	cs.Delete(content.CategoryPosts, "p2")
	require.NoError(t, f.remote.Apply(ctx, testBlog, cs))

	res, err = f.client.Check(ctx, testBlog)
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.Equal(t, []ItemRef{{ID: "p2"}}, res.Details[content.CategoryPosts].Deleted)

	_, err = f.client.Pull(ctx, testBlog, "")
	require.NoError(t, err)
	snap, err = f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	assert.Len(t, snap.Get(content.CategoryPosts), 1)
}

func TestClient_PullWithPassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.EnableSync(ctx, testBlog, "s3cret")
	require.NoError(t, err)

	res, err := f.client.Pull(ctx, testBlog, "s3cret")
	require.NoError(t, err)
	assert.True(t, res.DraftsIncluded)
	assert.Equal(t, []ItemRef{{ID: "d1"}}, res.Applied[content.CategoryDrafts].New)

	snap, err := f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	drafts := snap.Get(content.CategoryDrafts)
	require.Len(t, drafts, 1)
	assert.JSONEq(t, `{"title":"secret draft"}`, string(drafts[0].Data))
}

func TestClient_PullWrongPasswordFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.EnableSync(ctx, testBlog, "")
	require.NoError(t, err)

	_, err = f.client.Pull(ctx, testBlog, "wrong")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeDecryption))

	snap, err := f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Version, "nothing is applied")

	cfg, err := f.registry.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.LastSyncedVersion)
	assert.Nil(t, cfg.LastSyncedAt)
}

// tamperingSource corrupts the sealed drafts it passes on.
type tamperingSource struct {
	Source
}

func (s tamperingSource) Payload(ctx context.Context, token string) (*Payload, error) {
	p, err := s.Source.Payload(ctx, token)
	if err != nil || p.Drafts == nil {
		return p, err
	}
	p.Drafts.Ciphertext[0] ^= 0xff
	return p, nil
}

func TestClient_PullCorruptDraftsFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.client.dial = func(string) (Source, error) { return tamperingSource{f.source}, nil }
	_, err := f.client.EnableSync(ctx, testBlog, "")
	require.NoError(t, err)

	_, err = f.client.Pull(ctx, testBlog, "s3cret")
	assert.True(t, failure.Is(err, failure.CodeDecryption))

	snap, err := f.local.Snapshot(ctx, testBlog)
	require.NoError(t, err)
	assert.Empty(t, snap.Get(content.CategoryPosts), "public content is not merged either")
}

func TestClient_Import(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.client.Import(ctx, testBlog, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, Summary{New: 3, Modified: 1}, res.Applied.Summary())

	cfg, err := f.registry.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.True(t, cfg.SyncEnabled)
	assert.Equal(t, 1, cfg.LastSyncedVersion)

	_, err = f.client.Import(ctx, testBlog, "")
	assert.True(t, failure.Is(err, failure.CodeConfiguration))
}

func TestClient_EnableDisablePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.True(t, failure.Is(f.client.DisableSync(ctx, testBlog), failure.CodeConfiguration))

	cfg, err := f.client.EnableSync(ctx, testBlog, "pw")
	require.NoError(t, err)
	assert.True(t, cfg.HasPassword)
	firstSalt := cfg.DraftSalt
	assert.Len(t, firstSalt, seal.SaltSize)

	cfg, err = f.client.ChangePassword(ctx, testBlog, "pw2")
	require.NoError(t, err)
	assert.NotEqual(t, firstSalt, cfg.DraftSalt)

	f.session.MarkChecked(testBlog)
	require.NoError(t, f.client.DisableSync(ctx, testBlog))
	assert.False(t, f.session.HasChecked(testBlog))

	cfg, err = f.registry.Get(ctx, testBlog)
	require.NoError(t, err)
	require.NotNil(t, cfg, "disabling keeps the record")
	assert.False(t, cfg.SyncEnabled)
	assert.True(t, cfg.HasPassword)

	_, err = f.client.Check(ctx, testBlog)
	assert.True(t, failure.Is(err, failure.CodeConfiguration))

	cfg, err = f.client.ChangePassword(ctx, testBlog, "")
	require.NoError(t, err)
	assert.False(t, cfg.HasPassword)
	assert.Nil(t, cfg.DraftSalt)

	_, err = f.client.ChangePassword(ctx, "https://unknown.example.com", "pw")
	assert.True(t, failure.Is(err, failure.CodeConfiguration))
}

func TestClient_SlotBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.EnableSync(ctx, testBlog, "")
	require.NoError(t, err)

	release, err := f.locker.TryAcquire(ctx, lock.SyncKey(testBlog))
	require.NoError(t, err)
	defer release()

	_, err = f.client.Check(ctx, testBlog)
	assert.True(t, failure.Is(err, failure.CodeBusy))
	_, err = f.client.Pull(ctx, testBlog, "")
	assert.True(t, failure.Is(err, failure.CodeBusy))
}

func TestStoreSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m, err := f.source.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Notes", m.BlogName)
	assert.Equal(t, AppSource, m.AppSource)
	assert.Equal(t, 4, m.FileCount)
	assert.True(t, m.HasDrafts)
	assert.Equal(t, f.source.Salt, m.DraftSalt)

	public, err := f.source.Payload(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, public.Drafts)
	assert.NotContains(t, public.Collections, content.CategoryDrafts)

	_, err = f.source.Payload(ctx, "forged")
	assert.ErrorIs(t, err, ErrInvalidToken)

	key, err := seal.DeriveKeyWithParams("s3cret", f.source.Salt, fastParams)
	require.NoError(t, err)
	private, err := f.source.Payload(ctx, key.Token())
	require.NoError(t, err)
	require.NotNil(t, private.Drafts)
	assert.NotContains(t, string(private.Drafts.Ciphertext), "secret draft")

	// Without a configured password drafts are not even advertised.
	closed := &StoreSource{BlogURL: testBlog, Store: f.remote}
	m, err = closed.Manifest(ctx)
	require.NoError(t, err)
	assert.False(t, m.HasDrafts)
	_, err = closed.Payload(ctx, key.Token())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPayloadSnapshotDropsDrafts(t *testing.T) {
	p := &Payload{
		Manifest: Manifest{Version: 3},
		Collections: map[content.Category][]content.Entity{
			content.CategoryPosts:  {entity("p", `1`)},
			content.CategoryDrafts: {entity("d", `1`)},
		},
	}
	s := p.Snapshot()
	assert.Equal(t, 3, s.Version)
	assert.Len(t, s.Get(content.CategoryPosts), 1)
	assert.Empty(t, s.Get(content.CategoryDrafts))
}

func TestHTTPSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/manifest", func(w http.ResponseWriter, r *http.Request) {
		m, _ := f.source.Manifest(r.Context())
		_ = json.NewEncoder(w).Encode(m)
	})
	mux.HandleFunc("/sync/snapshot", func(w http.ResponseWriter, r *http.Request) {
		p, err := f.source.Payload(r.Context(), r.Header.Get(TokenHeader))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	})
	mux.HandleFunc("/broken/sync/manifest", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", nil)
	m, err := src.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)

	_, err = src.Payload(ctx, "forged")
	assert.True(t, failure.Is(err, failure.CodeDecryption))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewHTTPSource(srv.URL+"/broken", nil).Manifest(ctx)
	assert.True(t, failure.Is(err, failure.CodeConnection))

	// The whole protocol works over HTTP.
	f.client.dial = func(string) (Source, error) { return src, nil }
	res, err := f.client.Import(ctx, testBlog, "s3cret")
	require.NoError(t, err)
	assert.True(t, res.DraftsIncluded)
}

func TestSessionCache(t *testing.T) {
	var s SessionCache
	assert.False(t, s.HasChecked("a"))
	s.MarkChecked("a")
	assert.True(t, s.HasChecked("a"))
	assert.False(t, s.HasChecked("b"))
	s.Clear("a")
	assert.False(t, s.HasChecked("a"))
	s.Clear("never-marked")
}

func TestFileRegistry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "sync.json")
	r := NewFileRegistry(path)

	cfg, err := r.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, r.Put(ctx, &SyncConfig{BlogURL: testBlog, SyncEnabled: true, LastSyncedVersion: 4}))
	require.NoError(t, r.Put(ctx, &SyncConfig{BlogURL: "https://other.example.com"}))

	cfg, err = NewFileRegistry(path).Get(ctx, testBlog)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.LastSyncedVersion)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPostgresRegistry(t *testing.T) {
	dsn := os.Getenv("BLOGSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BLOGSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	pool, err := content.Connect(ctx, dsn, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS blogsync_sync_configs`)
	require.NoError(t, err)

	r, err := NewPostgresRegistry(ctx, pool)
	require.NoError(t, err)

	cfg, err := r.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	now := fixedNow()
	require.NoError(t, r.Put(ctx, &SyncConfig{BlogURL: testBlog, SyncEnabled: true, HasPassword: true, DraftSalt: []byte("0123456789abcdef"), LastSyncedAt: &now, LastSyncedVersion: 2}))
	cfg, err = r.Get(ctx, testBlog)
	require.NoError(t, err)
	assert.True(t, cfg.HasPassword)
	assert.Equal(t, []byte("0123456789abcdef"), cfg.DraftSalt)
	assert.Equal(t, 2, cfg.LastSyncedVersion)
	assert.True(t, now.Equal(*cfg.LastSyncedAt))

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
