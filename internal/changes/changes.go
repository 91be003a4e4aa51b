// Package changes computes the minimal upload/delete delta between a freshly
// rendered site and the last known state of a backend. It performs no I/O.
package changes

import (
	"sort"
)

// LocalFile is a file produced by the site renderer.
type LocalFile struct {
	Path string
	Hash string
	Size int64
}

// RemoteFile is a file found on the backend by listing it.
type RemoteFile struct {
	Path  string
	Size  int64
	IsDir bool
}

// Reference describes what the backend is believed to hold.
type Reference struct {
	// Hashes is the file set of the previous manifest. Nil means no manifest
	// exists; an empty non-nil map means a manifest that tracked nothing.
	Hashes map[string]string

	// Remote is the live listing of the backend, when one was taken.
	Remote map[string]RemoteFile
}

// Options tunes detection.
type Options struct {
	// Force uploads every local file regardless of hashes or sizes.
	Force bool
}

// Mode names the comparison policy that was applied.
type Mode string

const (
	ModeForce Mode = "force"
	ModeHash  Mode = "hash"
	ModeSize  Mode = "size"
)

// Delta is the set of operations needed to bring the backend in line with
// the local site. Both slices are sorted and free of duplicates.
type Delta struct {
	Mode     Mode
	ToUpload []string
	ToDelete []string
	Skipped  int
}

// Empty reports whether the delta requires no transfer.
func (d Delta) Empty() bool {
	return len(d.ToUpload) == 0 && len(d.ToDelete) == 0
}

// Detect compares local against ref.
//
// With a manifest, a file uploads when it is new, when its hash differs, or
// when the manifest holds no hash for it. Without one, only sizes from the
// remote listing are available, so content changes that keep the size are
// missed. Deletion candidates are limited to paths the previous manifest
// tracked: files the tool never published are never removed.
func Detect(local map[string]LocalFile, ref Reference, opts Options) Delta {
	d := Delta{}
	switch {
	case opts.Force:
		d.Mode = ModeForce
	case ref.Hashes != nil:
		d.Mode = ModeHash
	default:
		d.Mode = ModeSize
	}

	for p, lf := range local {
		if needsUpload(d.Mode, p, lf, ref) {
			d.ToUpload = append(d.ToUpload, p)
		} else {
			d.Skipped++
		}
	}

	for p := range ref.Hashes {
		if _, ok := local[p]; ok {
			continue
		}
		if ref.Remote != nil {
			if rf, ok := ref.Remote[p]; !ok || rf.IsDir {
				// Already gone from the backend.
				continue
			}
		}
		d.ToDelete = append(d.ToDelete, p)
	}

	sort.Strings(d.ToUpload)
	sort.Strings(d.ToDelete)
	return d
}

func needsUpload(mode Mode, p string, lf LocalFile, ref Reference) bool {
	switch mode {
	case ModeForce:
		return true
	case ModeHash:
		prev, ok := ref.Hashes[p]
		if !ok || prev == "" || lf.Hash == "" {
			return true
		}
		if prev != lf.Hash {
			return true
		}
		// The manifest says the content is there; trust it unless a listing
		// proves the file has gone missing.
		if ref.Remote != nil {
			if _, present := ref.Remote[p]; !present {
				return true
			}
		}
		return false
	default:
		rf, ok := ref.Remote[p]
		if !ok || rf.IsDir {
			return true
		}
		return rf.Size != lf.Size
	}
}

// FromHashes adapts a plain path→hash map into LocalFiles.
func FromHashes(hashes map[string]string) map[string]LocalFile {
	out := make(map[string]LocalFile, len(hashes))
	for p, h := range hashes {
		out[p] = LocalFile{Path: p, Hash: h}
	}
	return out
}
