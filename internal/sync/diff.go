package sync

import (
	"sort"

	"github.com/schaermu/blogsync/internal/content"
)

// ItemRef identifies one entity in a diff.
type ItemRef struct {
	ID string `json:"id"`
}

// CategoryDiff lists the differences found in one category.
type CategoryDiff struct {
	New      []ItemRef `json:"new"`
	Modified []ItemRef `json:"modified"`
	Deleted  []ItemRef `json:"deleted"`
}

// Empty reports whether the category has no differences.
func (d CategoryDiff) Empty() bool {
	return len(d.New) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// SyncDiff holds the per-category differences between a local and a
// remote snapshot. Categories without differences are absent.
type SyncDiff map[content.Category]CategoryDiff

// Summary counts the items of a diff.
type Summary struct {
	New      int `json:"new"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
}

// Summary totals the diff across categories.
func (d SyncDiff) Summary() Summary {
	var s Summary
	for _, c := range d {
		s.New += len(c.New)
		s.Modified += len(c.Modified)
		s.Deleted += len(c.Deleted)
	}
	return s
}

// Empty reports whether the snapshots were equivalent.
func (d SyncDiff) Empty() bool {
	return len(d) == 0
}

// Diff categorizes the differences between local and remote. It is pure:
// the result depends only on the two snapshots. Drafts are compared only
// when includeDrafts is set.
//
// An item is new when only remote has it, modified when both have it
// with different hashes, and deleted when only local has it and it is not
// local-only. The blog settings are a singleton that can only be modified.
func Diff(local, remote *content.Snapshot, includeDrafts bool) SyncDiff {
	if local == nil {
		local = content.NewSnapshot()
	}
	if remote == nil {
		remote = content.NewSnapshot()
	}

	out := make(SyncDiff)

	if remote.Blog != nil && (local.Blog == nil || local.Blog.Hash != remote.Blog.Hash) {
		out[content.CategoryBlog] = CategoryDiff{Modified: []ItemRef{{ID: remote.Blog.ID}}}
	}

	for _, c := range content.Collections() {
		if c == content.CategoryDrafts && !includeDrafts {
			continue
		}
		if d := diffCollection(local.Get(c), remote.Get(c)); !d.Empty() {
			out[c] = d
		}
	}
	return out
}

func diffCollection(local, remote []content.Entity) CategoryDiff {
	localByID := make(map[string]content.Entity, len(local))
	for _, e := range local {
		localByID[e.ID] = e
	}
	remoteByID := make(map[string]content.Entity, len(remote))
	for _, e := range remote {
		remoteByID[e.ID] = e
	}

	var d CategoryDiff
	for id, r := range remoteByID {
		l, ok := localByID[id]
		switch {
		case !ok:
			d.New = append(d.New, ItemRef{ID: id})
		case l.Hash != r.Hash:
			d.Modified = append(d.Modified, ItemRef{ID: id})
		}
	}
	for id, l := range localByID {
		if _, ok := remoteByID[id]; !ok && !l.LocalOnly {
			d.Deleted = append(d.Deleted, ItemRef{ID: id})
		}
	}

	sortRefs(d.New)
	sortRefs(d.Modified)
	sortRefs(d.Deleted)
	return d
}

func sortRefs(refs []ItemRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
}

// ChangeSetFor turns a diff into the writes that bring local in line with
// remote. Entities are taken from remote.
func ChangeSetFor(diff SyncDiff, remote *content.Snapshot) content.ChangeSet {
	var cs content.ChangeSet

	if _, ok := diff[content.CategoryBlog]; ok && remote.Blog != nil {
		blog := *remote.Blog
		cs.Blog = &blog
	}

	for c, d := range diff {
		if c == content.CategoryBlog {
			continue
		}
		byID := make(map[string]content.Entity, len(remote.Get(c)))
		for _, e := range remote.Get(c) {
			byID[e.ID] = e
		}
		for _, ref := range append(append([]ItemRef(nil), d.New...), d.Modified...) {
			e := byID[ref.ID]
			e.LocalOnly = false
			cs.Upsert(c, e)
		}
		for _, ref := range d.Deleted {
			cs.Delete(c, ref.ID)
		}
	}
	return cs
}
