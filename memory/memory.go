package memory

import (
	"context"
	"io"
	"time"

	"github.com/atomiklabs/atom-memory/core"
)

// WorkingStore is the bounded, recency-ordered buffer of recent turns.
// Implementations: working.Store (ring buffer).
type WorkingStore interface {
	// Push appends an entry, evicting the oldest when over capacity.
	Push(entry WorkingEntry)

	// Recent returns up to n unexpired entries, most recent first.
	Recent(n int) []WorkingEntry

	// Forget removes the entry with the given ID if present.
	Forget(id string) bool

	// Len reports the number of unexpired entries.
	Len() int
}

// EpisodicStore is the append-oriented log of significant events.
// Events are created by extraction and mutated only by the
// consolidation scheduler. Implementations: episodic.Store.
type EpisodicStore interface {
	// Append adds a new event in state pending.
	Append(ev Event) error

	// Query returns non-terminal events inside the range whose
	// decayed importance at call time is at least minImportance,
	// most recent first.
	Query(r TimeRange, minImportance float64) []Event

	// Pending returns events in state pending whose retry backoff
	// has elapsed by now, in append order.
	Pending(now time.Time) []Event

	// Get looks up an event by ID.
	Get(id string) (Event, bool)

	// MarkConsolidated transitions a pending event to consolidated.
	MarkConsolidated(id string)

	// MarkExpired transitions a pending event to expired.
	MarkExpired(id string)

	// RecordFailure increments the event's retry counter and defers
	// the next attempt to next. Once maxRetries is reached the event
	// transitions to failed and is excluded from future cycles.
	RecordFailure(id string, next time.Time, maxRetries int)

	// Forget removes the event entirely (privacy/correction path).
	Forget(id string) bool

	// Snapshot writes the full store state to w.
	Snapshot(w io.Writer) error

	// Restore replaces the store state from r. A corrupted stream
	// leaves the store empty and returns ErrIndexCorrupted.
	Restore(r io.Reader) error

	// Len reports the number of retained events, terminal included.
	Len() int
}

// UpsertOutcome describes what a semantic upsert did.
type UpsertOutcome string

const (
	// UpsertCreated means a new fact was added with no prior active
	// fact for its (subject, predicate).
	UpsertCreated UpsertOutcome = "created"

	// UpsertMerged means an existing active fact with a materially
	// identical value absorbed the incoming one; only confidence and
	// last-access were refreshed.
	UpsertMerged UpsertOutcome = "merged"

	// UpsertSuperseded means the incoming fact replaced the prior
	// active fact, which was retained inactive for audit.
	UpsertSuperseded UpsertOutcome = "superseded"
)

// ScoredFact is a fact paired with its query similarity.
type ScoredFact struct {
	Fact
	Similarity float64
}

// SemanticIndex is the durable, deduplicated, embedding-searchable
// fact store. Implementations: semantic.Index (chromem-go backed).
// The index never computes embeddings; callers must set them.
type SemanticIndex interface {
	// Upsert applies the dedup/supersession rule and returns what
	// happened. The fact's embedding must already be set.
	Upsert(ctx context.Context, f Fact) (UpsertOutcome, error)

	// NearestNeighbors returns up to k active facts ranked by cosine
	// similarity to the query embedding, ties broken by more recent
	// last-access, then by higher confidence.
	NearestNeighbors(ctx context.Context, embedding []float32, k int) ([]ScoredFact, error)

	// ActiveFacts returns all active facts, highest confidence first.
	ActiveFacts() []Fact

	// Get looks up a fact by ID, active or not.
	Get(id string) (Fact, bool)

	// Forget marks the fact and its entire supersession chain
	// permanently inactive so none of it is retrievable again.
	Forget(id string) bool

	// Snapshot writes the full index state to w.
	Snapshot(w io.Writer) error

	// Restore replaces the index state from r. A corrupted stream
	// leaves the index empty and returns ErrIndexCorrupted.
	Restore(r io.Reader) error

	// Len reports the number of active facts.
	Len() int
}

// Embedder converts text to a fixed-dimension vector. Fallible and
// possibly slow; callers bound it with a context.
// Implementations: mock (tests/offline), onnx (local model, build tag
// "onnx"), cached (ristretto read-through wrapper).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Extractor turns a conversation turn into zero or more event drafts.
// LLM-backed implementations may fail or time out; on failure the turn
// is still retained in working memory.
// Implementations: rule (deterministic patterns), anthropic (Claude).
type Extractor interface {
	ExtractFacts(ctx context.Context, turn core.Turn) ([]EventDraft, error)
}
