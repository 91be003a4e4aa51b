package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteAndReadTree(t *testing.T) {
	dir := t.TempDir()
	WriteTree(t, dir, map[string]string{
		"index.html":         "home",
		"posts/a/index.html": "a",
		"skip/me.txt":        "x",
	})

	assert.Equal(t, map[string]string{
		"index.html":         "home",
		"posts/a/index.html": "a",
	}, ReadTree(t, dir, "skip"))
	assert.Equal(t, []string{"posts", "posts/a", "skip"}, ListDirs(t, dir))
}
