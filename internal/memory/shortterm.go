package memory

import (
	"sync"
	"time"
)

// ShortTerm is a TTL-bounded key/value layer. Entries expire after the fixed
// window and are swept opportunistically on access and by Sweep.
type ShortTerm struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]shortEntry
}

type shortEntry struct {
	value   any
	expires time.Time
}

// NewShortTerm creates a short-term layer with the given window.
func NewShortTerm(ttl time.Duration) *ShortTerm {
	return &ShortTerm{ttl: ttl, entries: make(map[string]shortEntry)}
}

// Put stores a value; an existing key restarts its window.
func (s *ShortTerm) Put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = shortEntry{value: value, expires: time.Now().Add(s.ttl)}
}

// Get returns the value if present and unexpired. An expired entry is
// removed on the spot.
func (s *ShortTerm) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

// Sweep removes every entry expired at the given instant and returns the
// number removed.
func (s *ShortTerm) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports entries currently held, expired or not.
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
