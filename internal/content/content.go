// Package content defines the blog's entity model as seen by sync and the
// Content Store contract that holds it.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Category names an entity collection.
type Category string

const (
	CategoryBlog        Category = "blog"
	CategoryCategories  Category = "categories"
	CategoryTags        Category = "tags"
	CategoryPosts       Category = "posts"
	CategoryDrafts      Category = "drafts"
	CategorySidebar     Category = "sidebar"
	CategoryStaticFiles Category = "staticFiles"
	CategoryEmbedImages Category = "embedImages"
	CategoryThemes      Category = "themes"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryBlog,
	CategoryCategories,
	CategoryTags,
	CategoryPosts,
	CategoryDrafts,
	CategorySidebar,
	CategoryStaticFiles,
	CategoryEmbedImages,
	CategoryThemes,
}

// Collections lists the id-keyed categories, drafts included.
func Collections() []Category {
	return Categories[1:]
}

// Entity is one record of a collection. Hash covers the content and
// metadata that matter for sync.
type Entity struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	// LocalOnly marks an item created on this device that was never
	// published or synced. Pull never deletes it.
	LocalOnly bool            `json:"localOnly,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEntity builds an entity whose hash is computed from data.
func NewEntity(id string, data json.RawMessage) Entity {
	return Entity{ID: id, Hash: HashData(data), Data: data}
}

// HashData returns the hex SHA-256 of data.
func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Snapshot is the full entity state of one blog.
type Snapshot struct {
	// Version increases with every applied change set.
	Version     int                   `json:"version"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	Blog        *Entity               `json:"blog,omitempty"`
	Collections map[Category][]Entity `json:"collections"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Collections: make(map[Category][]Entity)}
}

// Get returns the entities of c.
func (s *Snapshot) Get(c Category) []Entity {
	if s == nil {
		return nil
	}
	return s.Collections[c]
}

// Clone returns a deep copy. Entity data is shared since it is never
// mutated in place.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:     s.Version,
		UpdatedAt:   s.UpdatedAt,
		Collections: make(map[Category][]Entity, len(s.Collections)),
	}
	if s.Blog != nil {
		blog := *s.Blog
		out.Blog = &blog
	}
	for c, items := range s.Collections {
		out.Collections[c] = append([]Entity(nil), items...)
	}
	return out
}

// Without returns a copy lacking the given categories.
func (s *Snapshot) Without(cats ...Category) *Snapshot {
	out := s.Clone()
	for _, c := range cats {
		delete(out.Collections, c)
	}
	return out
}

// Apply returns a new snapshot with cs applied, its version bumped and
// its timestamp set to now. s is left unchanged.
func (s *Snapshot) Apply(cs ChangeSet, now time.Time) *Snapshot {
	out := s.Clone()
	if cs.Blog != nil {
		blog := *cs.Blog
		out.Blog = &blog
	}

	for _, c := range cs.Affected() {
		if c == CategoryBlog {
			continue
		}
		byID := make(map[string]Entity, len(out.Collections[c]))
		for _, e := range out.Collections[c] {
			byID[e.ID] = e
		}
		for _, id := range cs.Deletes[c] {
			delete(byID, id)
		}
		for _, e := range cs.Upserts[c] {
			byID[e.ID] = e
		}

		items := make([]Entity, 0, len(byID))
		for _, e := range byID {
			items = append(items, e)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		out.Collections[c] = items
	}

	out.Version++
	out.UpdatedAt = now.UTC()
	return out
}

// ChangeSet is a batch of writes applied to a store in one step.
type ChangeSet struct {
	Blog    *Entity
	Upserts map[Category][]Entity
	Deletes map[Category][]string
}

// Upsert records an insert or replacement of e in c.
func (cs *ChangeSet) Upsert(c Category, e Entity) {
	if cs.Upserts == nil {
		cs.Upserts = make(map[Category][]Entity)
	}
	cs.Upserts[c] = append(cs.Upserts[c], e)
}

// Delete records the removal of id from c.
func (cs *ChangeSet) Delete(c Category, id string) {
	if cs.Deletes == nil {
		cs.Deletes = make(map[Category][]string)
	}
	cs.Deletes[c] = append(cs.Deletes[c], id)
}

// Empty reports whether cs writes nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Affected()) == 0
}

// Affected returns the categories cs touches, in display order.
func (cs ChangeSet) Affected() []Category {
	var out []Category
	for _, c := range Categories {
		switch {
		case c == CategoryBlog && cs.Blog != nil:
			out = append(out, c)
		case len(cs.Upserts[c]) > 0 || len(cs.Deletes[c]) > 0:
			out = append(out, c)
		}
	}
	return out
}

// Store is the Content Store. Apply is atomic: either the whole change
// set lands or none of it does.
type Store interface {
	// Snapshot returns the current state of blogURL. An unknown blog
	// yields an empty snapshot at version 0.
	Snapshot(ctx context.Context, blogURL string) (*Snapshot, error)
	// Apply writes cs.
	Apply(ctx context.Context, blogURL string, cs ChangeSet) error
	// Refresh tells consumers that the given collections changed.
	Refresh(ctx context.Context, blogURL string, cats []Category) error
	Close() error
}
