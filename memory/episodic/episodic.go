// Package episodic implements the event log tier: an append-oriented
// store of significant events whose importance decays exponentially
// over time. Events move through a one-way lifecycle (pending ->
// consolidated | expired | failed) driven by the consolidation
// scheduler.
package episodic

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atomiklabs/atom-memory/memory"
)

// Store is an in-memory episodic event log with JSON snapshots.
// Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	events map[string]*memory.Event
	order  []string // append order, for deterministic scheduling
	clock  func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates an empty episodic store.
func New(opts ...Option) *Store {
	s := &Store{
		events: make(map[string]*memory.Event),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a new event. Missing IDs are assigned, missing states
// default to pending.
func (s *Store) Append(ev memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("duplicate event id %s", ev.ID)
	}
	if ev.State == "" {
		ev.State = memory.EventPending
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock()
	}
	if ev.Importance < 0 {
		ev.Importance = 0
	}
	if ev.Importance > 1 {
		ev.Importance = 1
	}

	s.events[ev.ID] = &ev
	s.order = append(s.order, ev.ID)
	return nil
}

// Query returns non-terminal events (pending or consolidated) inside
// the range whose decayed importance is at least minImportance, most
// recent first. Expired and failed events are never returned; a read
// refreshes last-access.
func (s *Store) Query(r memory.TimeRange, minImportance float64) []memory.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var out []memory.Event
	for _, ev := range s.events {
		if ev.State == memory.EventExpired || ev.State == memory.EventFailed {
			continue
		}
		if !r.Contains(ev.CreatedAt) {
			continue
		}
		if ev.DecayedImportance(now) < minImportance {
			continue
		}
		ev.LastAccess = now
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pending returns events awaiting consolidation whose retry backoff
// has elapsed by now, in append order.
func (s *Store) Pending(now time.Time) []memory.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []memory.Event
	for _, id := range s.order {
		ev, ok := s.events[id]
		if !ok || ev.State != memory.EventPending {
			continue
		}
		if !ev.NextAttempt.IsZero() && now.Before(ev.NextAttempt) {
			continue
		}
		out = append(out, *ev)
	}
	return out
}

// Get looks up an event by ID.
func (s *Store) Get(id string) (memory.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return memory.Event{}, false
	}
	return *ev, true
}

// MarkConsolidated transitions a pending event to consolidated.
// Terminal states are never revisited.
func (s *Store) MarkConsolidated(id string) {
	s.transition(id, memory.EventConsolidated)
}

// MarkExpired transitions a pending event to expired.
func (s *Store) MarkExpired(id string) {
	s.transition(id, memory.EventExpired)
}

func (s *Store) transition(id string, to memory.EventState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.State != memory.EventPending {
		return
	}
	ev.State = to
}

// RecordFailure increments the event's retry counter and defers its
// next attempt. After maxRetries failures the event becomes failed and
// is retained for audit only.
func (s *Store) RecordFailure(id string, next time.Time, maxRetries int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok || ev.State != memory.EventPending {
		return
	}
	ev.Retries++
	if ev.Retries >= maxRetries {
		ev.State = memory.EventFailed
		log.Printf("[EPISODIC] event %s failed after %d attempts", id, ev.Retries)
		return
	}
	ev.NextAttempt = next
}

// Forget removes the event entirely.
func (s *Store) Forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[id]; !ok {
		return false
	}
	delete(s.events, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len reports the number of retained events, terminal states included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// snapshot is the persisted wire form of the store.
type snapshot struct {
	Events []memory.Event `json:"events"`
}

// Snapshot writes the full store state as JSON.
func (s *Store) Snapshot(w io.Writer) error {
	s.mu.RLock()
	snap := snapshot{Events: make([]memory.Event, 0, len(s.order))}
	for _, id := range s.order {
		if ev, ok := s.events[id]; ok {
			snap.Events = append(snap.Events, *ev)
		}
	}
	s.mu.RUnlock()

	enc := json.NewEncoder(w)
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("encode episodic snapshot: %w", err)
	}
	return nil
}

// Restore replaces the store state from a JSON snapshot. On a corrupt
// stream the store is left empty and ErrIndexCorrupted is returned so
// the system can run memory-less rather than not run at all.
func (s *Store) Restore(r io.Reader) error {
	var snap snapshot
	err := json.NewDecoder(r).Decode(&snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*memory.Event)
	s.order = nil
	if err != nil {
		return fmt.Errorf("decode episodic snapshot: %w", memory.ErrIndexCorrupted)
	}
	for i := range snap.Events {
		ev := snap.Events[i]
		if ev.ID == "" {
			continue
		}
		s.events[ev.ID] = &ev
		s.order = append(s.order, ev.ID)
	}
	return nil
}
