package sync

import (
	"time"

	"github.com/schaermu/blogsync/internal/content"
	"github.com/schaermu/blogsync/internal/seal"
)

// AppSource identifies this tool in sync manifests.
const AppSource = "blogsync"

// TokenHeader carries the draft access token on snapshot requests.
const TokenHeader = "X-Sync-Token"

// Manifest is the discovery document a remote serves for check.
type Manifest struct {
	BlogName     string    `json:"blogName"`
	LastModified time.Time `json:"lastModified"`
	AppSource    string    `json:"appSource"`
	// FileCount is the number of public entities.
	FileCount int  `json:"fileCount"`
	HasDrafts bool `json:"hasDrafts"`
	Version   int  `json:"version"`
	// DraftSalt is set when HasDrafts is. Clients derive their key and
	// access token from it and the sync password.
	DraftSalt []byte `json:"draftSalt,omitempty"`
}

// Payload is the snapshot a remote serves for pull. Drafts are present
// only for a request carrying a valid access token, and only sealed.
type Payload struct {
	Manifest    Manifest                             `json:"manifest"`
	Blog        *content.Entity                      `json:"blog,omitempty"`
	Collections map[content.Category][]content.Entity `json:"collections"`
	Drafts      *seal.Box                            `json:"drafts,omitempty"`
}

// Snapshot returns the public part of the payload as a content snapshot.
// Drafts are never part of it, even if a sender put them in Collections.
func (p *Payload) Snapshot() *content.Snapshot {
	s := content.NewSnapshot()
	s.Version = p.Manifest.Version
	s.UpdatedAt = p.Manifest.LastModified
	if p.Blog != nil {
		blog := *p.Blog
		s.Blog = &blog
	}
	for c, items := range p.Collections {
		if c == content.CategoryDrafts || c == content.CategoryBlog {
			continue
		}
		s.Collections[c] = append([]content.Entity(nil), items...)
	}
	return s
}

// countPublic counts the entities a public payload carries.
func countPublic(s *content.Snapshot) int {
	n := 0
	if s.Blog != nil {
		n++
	}
	for c, items := range s.Collections {
		if c != content.CategoryDrafts {
			n += len(items)
		}
	}
	return n
}
