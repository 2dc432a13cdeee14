package memory

import (
	"math"
	"time"

	"github.com/atomiklabs/atom-memory/core"
)

// Kind identifies the memory tier an item belongs to.
type Kind string

const (
	KindWorking  Kind = "working"
	KindEpisodic Kind = "episodic"
	KindSemantic Kind = "semantic"
)

// MemoryItem is the base record shared by all three tiers.
type MemoryItem struct {
	// ID uniquely identifies the item. Immutable after creation.
	ID string `json:"id"`

	// Content is the textual payload.
	Content string `json:"content"`

	// CreatedAt is when the item entered its store.
	CreatedAt time.Time `json:"created_at"`

	// LastAccess is refreshed every time the item is returned by a read.
	LastAccess time.Time `json:"last_access"`

	// Importance is a significance score in [0,1].
	Importance float64 `json:"importance"`

	// TurnID references the conversation turn the item originated from.
	TurnID string `json:"turn_id,omitempty"`
}

// WorkingEntry is a recent conversation turn held in working memory.
// Entries are ephemeral and are never promoted to other tiers directly.
type WorkingEntry struct {
	MemoryItem

	// Speaker is who produced the turn.
	Speaker core.Speaker `json:"speaker"`

	// TTL is how long the entry stays readable. Zero means the
	// store-wide default applies.
	TTL time.Duration `json:"ttl"`
}

// EventState is the lifecycle state of an episodic event.
// Transitions are one-way: pending -> consolidated | expired | failed.
type EventState string

const (
	EventPending      EventState = "pending"
	EventConsolidated EventState = "consolidated"
	EventExpired      EventState = "expired"
	EventFailed       EventState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s EventState) Terminal() bool {
	return s == EventConsolidated || s == EventExpired || s == EventFailed
}

// Event is a significant episode recorded from conversation. Its
// importance decays exponentially over time unless Durable is set.
type Event struct {
	MemoryItem

	// Kind is the event category ("preference", "statement", "note", ...).
	Kind string `json:"kind"`

	// Participants lists who was involved.
	Participants []string `json:"participants,omitempty"`

	// DecayRate is the exponential decay constant per elapsed hour.
	DecayRate float64 `json:"decay_rate"`

	// Durable marks the event as exempt from decay, e.g. an explicit
	// standing preference stated by the user.
	Durable bool `json:"durable"`

	// State is the consolidation lifecycle state.
	State EventState `json:"state"`

	// Retries counts failed consolidation attempts.
	Retries int `json:"retries"`

	// NextAttempt is the earliest time the scheduler may retry this
	// event after a failure. Zero means eligible immediately.
	NextAttempt time.Time `json:"next_attempt,omitempty"`

	// Fact is an optional direct fact payload supplied by the
	// extractor when the turn stated a fact with high confidence.
	Fact *FactPayload `json:"fact,omitempty"`
}

// DecayedImportance returns the event's importance at observation time
// now: importance0 * exp(-decayRate * elapsedHours). Durable events do
// not decay.
func (e *Event) DecayedImportance(now time.Time) float64 {
	if e.Durable {
		return e.Importance
	}
	elapsed := now.Sub(e.CreatedAt).Hours()
	if elapsed <= 0 {
		return e.Importance
	}
	return e.Importance * math.Exp(-e.DecayRate*elapsed)
}

// FactPayload is the subject/predicate/value triple a semantic fact is
// built from.
type FactPayload struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Value     string `json:"value"`
}

// Fact is a durable, deduplicated piece of knowledge in the semantic
// index. At most one active fact exists per (subject, predicate) pair.
type Fact struct {
	MemoryItem

	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Value     string `json:"value"`

	// Embedding is computed once when the fact is created and is
	// immutable thereafter.
	Embedding []float32 `json:"embedding"`

	// Confidence is how certain the system is about the value, [0,1].
	Confidence float64 `json:"confidence"`

	// Supersedes is the ID of the previously active fact this one
	// replaced. A plain lookup key, never an ownership link.
	Supersedes string `json:"supersedes,omitempty"`

	// Provenance is the ID of the episodic event the fact was
	// consolidated from.
	Provenance string `json:"provenance,omitempty"`

	// Active is false once the fact has been superseded or forgotten.
	// Inactive facts are retained for audit but never retrieved.
	Active bool `json:"active"`
}

// Key returns the identity the dedup/supersession rule operates on.
func (f *Fact) Key() string {
	return f.Subject + "\x00" + f.Predicate
}

// EventDraft is what the extractor produces for a turn. The manager
// turns accepted drafts into pending episodic events.
type EventDraft struct {
	Kind         string
	Content      string
	Participants []string

	// Importance is the initial importance score in [0,1].
	Importance float64

	// Durable requests decay exemption for the resulting event.
	Durable bool

	// Fact optionally carries a direct semantic fact payload.
	Fact *FactPayload
}

// ItemView is the read-only projection of a memory item returned by
// recall. It carries no store internals.
type ItemView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeRange bounds a query by creation time. A zero From or To leaves
// that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// IsZero reports whether the range is unbounded on both sides.
func (r TimeRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}
