package sync

import "sync"

// SessionCache remembers which blogs were already checked in the current
// session, so callers do not prompt for the same remote changes twice.
// The zero value is ready to use.
type SessionCache struct {
	mu      sync.Mutex
	checked map[string]struct{}
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{}
}

// HasChecked reports whether blogURL was checked this session.
func (s *SessionCache) HasChecked(blogURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checked[blogURL]
	return ok
}

// MarkChecked records a check of blogURL.
func (s *SessionCache) MarkChecked(blogURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checked == nil {
		s.checked = make(map[string]struct{})
	}
	s.checked[blogURL] = struct{}{}
}

// Clear forgets blogURL so the next opportunity checks it again.
func (s *SessionCache) Clear(blogURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checked, blogURL)
}
