// Package manifest defines the record of what was last published to a
// backend and its JSON contract.
//
// The manifest lives in a dot-prefixed management directory under the
// published root. That directory is owned entirely by blogsync: it is
// rewritten wholesale on every publish and never counted as site content.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/schaermu/blogsync/internal/failure"
)

const (
	// Dir is the management directory relative to the published root.
	Dir = ".blogsync"
	// FileName is the manifest document inside Dir.
	FileName = "manifest.json"
)

// Path is the slash-separated location of the manifest relative to the
// published root.
var Path = path.Join(Dir, FileName)

// Manifest records the file set of the last successful publish.
type Manifest struct {
	Version           int               `json:"version"`
	LastPublishedDate time.Time         `json:"lastPublishedDate"`
	PublishedBy       string            `json:"publishedBy"`
	FileHashes        map[string]string `json:"fileHashes"`
}

// IsManaged reports whether rel is inside the management directory.
func IsManaged(rel string) bool {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), "/")
	return rel == Dir || strings.HasPrefix(rel, Dir+"/")
}

// Parse validates and decodes a manifest document. A missing fileHashes
// field is filled with an empty map.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, failure.New(failure.CodeInvalidManifest, "parse manifest", "document is not a JSON object")
	}

	var raw struct {
		Version           *int            `json:"version"`
		LastPublishedDate *time.Time      `json:"lastPublishedDate"`
		PublishedBy       string          `json:"publishedBy"`
		FileHashes        json.RawMessage `json:"fileHashes"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, failure.Wrap(failure.CodeInvalidManifest, "parse manifest", err)
	}

	m := &Manifest{
		PublishedBy: raw.PublishedBy,
		FileHashes:  make(map[string]string),
	}
	if raw.Version != nil {
		if *raw.Version < 0 {
			return nil, failure.New(failure.CodeInvalidManifest, "parse manifest", "negative version %d", *raw.Version)
		}
		m.Version = *raw.Version
	}
	if raw.LastPublishedDate != nil {
		m.LastPublishedDate = *raw.LastPublishedDate
	}
	if len(raw.FileHashes) > 0 && string(raw.FileHashes) != "null" {
		if err := json.Unmarshal(raw.FileHashes, &m.FileHashes); err != nil {
			return nil, failure.Wrap(failure.CodeInvalidManifest, "parse manifest",
				fmt.Errorf("fileHashes must map paths to strings: %w", err))
		}
		if m.FileHashes == nil {
			m.FileHashes = make(map[string]string)
		}
	}
	for k := range m.FileHashes {
		if err := ValidKey(k); err != nil {
			return nil, failure.Wrap(failure.CodeInvalidManifest, "parse manifest", err)
		}
	}

	return m, nil
}

// ValidKey checks that rel is a clean, relative, slash-separated path that
// stays below the published root and outside the management directory.
func ValidKey(rel string) error {
	switch {
	case rel == "" || rel == ".":
		return fmt.Errorf("empty path")
	case strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\"):
		return fmt.Errorf("path %q is not relative", rel)
	case path.Clean(rel) != rel:
		return fmt.Errorf("path %q is not clean", rel)
	case rel == ".." || strings.HasPrefix(rel, "../"):
		return fmt.Errorf("path %q escapes the published root", rel)
	case IsManaged(rel):
		return fmt.Errorf("path %q is inside %s", rel, Dir)
	}
	return nil
}

// Marshal encodes m as indented JSON with a trailing newline.
func Marshal(m *Manifest) ([]byte, error) {
	out := *m
	if out.FileHashes == nil {
		out.FileHashes = map[string]string{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Next builds the manifest replacing prev after a publish of hashes.
// prev may be nil on the first publish.
func Next(prev *Manifest, hashes map[string]string, publishedBy string, now time.Time) *Manifest {
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	copied := make(map[string]string, len(hashes))
	for k, v := range hashes {
		copied[k] = v
	}

	return &Manifest{
		Version:           version,
		LastPublishedDate: now.UTC(),
		PublishedBy:       publishedBy,
		FileHashes:        copied,
	}
}

// Keys returns the sorted set of paths tracked by m. A nil manifest
// tracks nothing.
func (m *Manifest) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.FileHashes))
	for k := range m.FileHashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tracks reports whether rel was part of the publish m describes.
func (m *Manifest) Tracks(rel string) bool {
	if m == nil {
		return false
	}
	_, ok := m.FileHashes[rel]
	return ok
}

// SameFiles reports whether m already describes exactly hashes.
func (m *Manifest) SameFiles(hashes map[string]string) bool {
	if m == nil || len(m.FileHashes) != len(hashes) {
		return false
	}
	for k, v := range hashes {
		if prev, ok := m.FileHashes[k]; !ok || prev != v {
			return false
		}
	}
	return true
}
