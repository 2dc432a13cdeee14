// Package working implements the short-lived, capacity-bounded buffer
// of recent conversation turns. Eviction is FIFO once capacity is
// exceeded; expired entries are dropped opportunistically on access.
package working

import (
	"fmt"
	"sync"
	"time"

	"github.com/atomiklabs/atom-memory/memory"
)

// Store is a FIFO ring of working memory entries. Safe for concurrent
// use. Operations are O(1) amortized.
type Store struct {
	mu       sync.Mutex
	entries  []memory.WorkingEntry
	capacity int
	ttl      time.Duration
	clock    func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a working memory store with the given capacity and
// default per-entry TTL. Capacity must be positive.
func New(capacity int, ttl time.Duration, opts ...Option) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("working memory capacity must be positive, got %d", capacity)
	}
	s := &Store{
		entries:  make([]memory.WorkingEntry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Push appends an entry. The oldest entry is evicted when the store
// would exceed capacity.
func (s *Store) Push(entry memory.WorkingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.TTL == 0 {
		entry.TTL = s.ttl
	}

	s.dropExpired(now)
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.capacity {
		// FIFO eviction from the head.
		s.entries = s.entries[len(s.entries)-s.capacity:]
	}
}

// Recent returns up to n unexpired entries, most recent first, and
// refreshes their last-access time.
func (s *Store) Recent(n int) []memory.WorkingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.dropExpired(now)

	if n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]memory.WorkingEntry, 0, n)
	for i := len(s.entries) - 1; i >= len(s.entries)-n; i-- {
		s.entries[i].LastAccess = now
		out = append(out, s.entries[i])
	}
	return out
}

// Forget removes the entry with the given ID if present.
func (s *Store) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of unexpired entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpired(s.clock())
	return len(s.entries)
}

// dropExpired removes entries whose TTL has elapsed. Entries are in
// insertion order but TTLs may differ per entry, so the whole slice is
// filtered. Caller holds the lock.
func (s *Store) dropExpired(now time.Time) {
	kept := s.entries[:0]
	for _, e := range s.entries {
		if now.Sub(e.CreatedAt) < e.TTL {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}
