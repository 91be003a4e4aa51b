package content

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in memory.
type MemoryStore struct {
	mu        sync.Mutex
	blogs     map[string]*Snapshot
	refreshed map[string][]Category
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blogs:     make(map[string]*Snapshot),
		refreshed: make(map[string][]Category),
		now:       time.Now,
	}
}

// Put replaces the snapshot of blogURL.
func (m *MemoryStore) Put(blogURL string, s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blogs[blogURL] = s.Clone()
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(_ context.Context, blogURL string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.blogs[blogURL]; ok {
		return s.Clone(), nil
	}
	return NewSnapshot(), nil
}

// Apply implements Store.
func (m *MemoryStore) Apply(_ context.Context, blogURL string, cs ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.blogs[blogURL]
	if !ok {
		current = NewSnapshot()
	}
	m.blogs[blogURL] = current.Apply(cs, m.now())
	return nil
}

// Refresh implements Store by recording the categories.
func (m *MemoryStore) Refresh(_ context.Context, blogURL string, cats []Category) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed[blogURL] = append(m.refreshed[blogURL], cats...)
	return nil
}

// Refreshed returns the categories refreshed for blogURL so far.
func (m *MemoryStore) Refreshed(blogURL string) []Category {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Category(nil), m.refreshed[blogURL]...)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
