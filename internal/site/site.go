// Package site reads the output of the site renderer: a source directory of
// rendered files and the content hash of each.
package site

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/manifest"
)

// File is one rendered file.
type File struct {
	Path string // slash-separated, relative to the source dir
	Abs  string
	Hash string // hex SHA-256 of the content
	Size int64
}

// Files maps relative paths to rendered files.
type Files map[string]File

// Scan walks dir and hashes every regular file. VCS metadata and the
// management directory are skipped; other dotfiles (.well-known, .nojekyll)
// are site content.
func Scan(dir string) (Files, error) {
	files := make(Files)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if path != dir && (info.Name() == ".git" || manifest.IsManaged(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		hash, err := FileHash(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}

		files[rel] = File{
			Path: rel,
			Abs:  path,
			Hash: hash,
			Size: info.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan site %s: %w", dir, err)
	}

	return files, nil
}

// FromHashes builds Files from a renderer-supplied hash map, statting each
// file under dir for its size.
func FromHashes(dir string, hashes map[string]string) (Files, error) {
	files := make(Files, len(hashes))
	for rel, hash := range hashes {
		if err := manifest.ValidKey(rel); err != nil {
			return nil, fmt.Errorf("rendered file: %w", err)
		}
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("rendered file %s: %w", rel, err)
		}
		files[rel] = File{Path: rel, Abs: abs, Hash: hash, Size: info.Size()}
	}
	return files, nil
}

// Hashes returns the path→hash map recorded in manifests.
func (f Files) Hashes() map[string]string {
	out := make(map[string]string, len(f))
	for rel, file := range f {
		out[rel] = file.Hash
	}
	return out
}

// Local converts to the change detector's input.
func (f Files) Local() map[string]changes.LocalFile {
	out := make(map[string]changes.LocalFile, len(f))
	for rel, file := range f {
		out[rel] = changes.LocalFile{Path: rel, Hash: file.Hash, Size: file.Size}
	}
	return out
}

// Paths returns the sorted relative paths.
func (f Files) Paths() []string {
	out := make([]string, 0, len(f))
	for rel := range f {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// FileHash computes the SHA256 hash of a file.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
