package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/logging"
	"github.com/schaermu/blogsync/internal/manifest"
)

func runGit(t *testing.T, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", args...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func testWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func bareRemote(t *testing.T) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "site.git")
	runGit(t, "init", "--bare", remote)
	return remote
}

// remoteFiles lists the files on branch of a bare repository.
func remoteFiles(t *testing.T, remote, branch string) []string {
	t.Helper()
	out := runGit(t, "--git-dir", remote, "ls-tree", "-r", "--name-only", branch)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func newTestGitBackend(remote string) *GitBackend {
	return NewGitBackend(config.GitConfig{
		URL:           remote,
		Branch:        "gh-pages",
		AuthorName:    "blogsync",
		AuthorEmail:   "blogsync@localhost",
		CommitMessage: "Publish site",
	}, credential.NewResolver(), logging.Discard(), fixedNow)
}

func TestGitBackend_PublishLifecycle(t *testing.T) {
	ctx := context.Background()
	remote := bareRemote(t)
	b := newTestGitBackend(remote)

	m, err := b.FetchManifest(ctx)
	require.NoError(t, err)
	assert.Nil(t, m, "a missing branch is a first publish")

	v1 := map[string]string{
		"index.html":   "home",
		"posts/a.html": "a",
		"posts/b.html": "b",
		".nojekyll":    "",
	}
	res := publishManual(t, b, v1, false)
	assert.True(t, res.Committed)
	assert.Len(t, res.Commit, 40)
	assert.Equal(t, 1, res.Manifest.Version)
	assert.ElementsMatch(t,
		[]string{".blogsync/manifest.json", ".nojekyll", "index.html", "posts/a.html", "posts/b.html"},
		remoteFiles(t, remote, "gh-pages"))

	// Same site again: no empty commit.
	head := runGit(t, "--git-dir", remote, "rev-parse", "gh-pages")
	res = publishManual(t, b, v1, false)
	assert.False(t, res.Committed)
	assert.Equal(t, head, runGit(t, "--git-dir", remote, "rev-parse", "gh-pages"))

	// Someone adds a file by hand; it was never published so it survives.
	work := filepath.Join(t.TempDir(), "work")
	runGit(t, "clone", "--branch", "gh-pages", remote, work)
	testWrite(t, filepath.Join(work, "CNAME"), "blog.example.com")
	runGit(t, "-C", work, "add", "CNAME")
	runGit(t, "-C", work, "-c", "user.name=me", "-c", "user.email=me@example.com", "commit", "--no-gpg-sign", "-m", "add CNAME")
	runGit(t, "-C", work, "push", "origin", "gh-pages")

	res = publishManual(t, b, map[string]string{
		"index.html":   "home v2",
		"posts/a.html": "a",
		".nojekyll":    "",
	}, false)
	assert.True(t, res.Committed)
	assert.Equal(t, []string{"posts/b.html"}, res.Deleted)
	assert.Equal(t, 2, res.Manifest.Version)
	assert.ElementsMatch(t,
		[]string{".blogsync/manifest.json", ".nojekyll", "CNAME", "index.html", "posts/a.html"},
		remoteFiles(t, remote, "gh-pages"))

	m, err = b.FetchManifest(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, []string{".nojekyll", "index.html", "posts/a.html"}, m.Keys())
	assert.Equal(t, "home v2", runGit(t, "--git-dir", remote, "show", "gh-pages:index.html"))
}

func TestGitBackend_ManifestWrittenForExistingContent(t *testing.T) {
	ctx := context.Background()
	remote := bareRemote(t)

	// A branch populated before blogsync managed it.
	work := filepath.Join(t.TempDir(), "work")
	runGit(t, "clone", remote, work)
	runGit(t, "-C", work, "checkout", "-b", "gh-pages")
	testWrite(t, filepath.Join(work, "index.html"), "home")
	runGit(t, "-C", work, "add", "-A")
	runGit(t, "-C", work, "-c", "user.name=me", "-c", "user.email=me@example.com", "commit", "--no-gpg-sign", "-m", "init")
	runGit(t, "-C", work, "push", "origin", "gh-pages")

	b := newTestGitBackend(remote)
	res := publishManual(t, b, map[string]string{"index.html": "home"}, false)
	assert.True(t, res.Committed, "the first manifest is committed even when content matches")

	m, err := b.FetchManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version)

	require.NoError(t, b.WriteManifest(ctx, map[string]string{"index.html": "abc"}, "me"))
	m, err = b.FetchManifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, "abc", m.FileHashes["index.html"])
	assert.Contains(t, remoteFiles(t, remote, "gh-pages"), manifest.Path)
}

func TestGitBackend_SSHWithoutKeyFailsFast(t *testing.T) {
	b := NewGitBackend(config.GitConfig{URL: "git@github.com:me/blog.git", Branch: "main"},
		credential.NewResolver(), logging.Discard(), fixedNow)

	_, err := b.FetchManifest(context.Background())
	assert.True(t, failure.Is(err, failure.CodeConfiguration))
}

func TestGitBackend_UnreachableRemote(t *testing.T) {
	b := newTestGitBackend(filepath.Join(t.TempDir(), "missing.git"))
	_, err := b.FetchManifest(context.Background())
	assert.True(t, failure.Is(err, failure.CodeConnection))
}

func TestGitBackend_KeyFileRemovedAfterFailedPublish(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	testWrite(t, keyPath, testKeyPEM(t))

	b := NewGitBackend(config.GitConfig{
		URL:       "ssh://git@127.0.0.1:1/blog.git",
		Branch:    "main",
		SSHKeyRef: "file:" + keyPath,
	}, credential.NewResolver(), logging.Discard(), fixedNow)

	_, err := b.Publish(context.Background(), Request{PublishedBy: "tester"}, nil)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeConnection), "got %v", err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "blogsync-key-"), "key material left behind: %s", e.Name())
		assert.False(t, strings.HasPrefix(e.Name(), "blogsync-git-"), "checkout left behind: %s", e.Name())
	}
}

func TestGitBackend_ManifestEscapingCheckoutIsRejected(t *testing.T) {
	remote := bareRemote(t)
	b := newTestGitBackend(remote)
	publishManual(t, b, map[string]string{"index.html": "home"}, false)

	victim := filepath.Join(t.TempDir(), "victim.txt")
	testWrite(t, victim, "keep me")

	// Rewrite the manifest on the branch so it claims a file outside the checkout.
	work := filepath.Join(t.TempDir(), "work")
	runGit(t, "clone", "--branch", "gh-pages", remote, work)
	rel := strings.Repeat("../", 32) + strings.TrimPrefix(filepath.ToSlash(victim), "/")
	doc := `{"version": 1, "fileHashes": {"index.html": "x", "` + rel + `": "y"}}`
	testWrite(t, filepath.Join(work, filepath.FromSlash(manifest.Path)), doc)
	runGit(t, "-C", work, "-c", "user.name=me", "-c", "user.email=me@example.com", "commit", "--no-gpg-sign", "-am", "tamper")
	runGit(t, "-C", work, "push", "origin", "gh-pages")

	dir, files := scanSite(t, map[string]string{"index.html": "home v2"})
	_, err := b.Publish(context.Background(), Request{SourceDir: dir, Files: files, PublishedBy: "tester"}, nil)
	assert.True(t, failure.Is(err, failure.CodeInvalidManifest), "got %v", err)

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}
