// Package semantic implements the durable fact tier: a deduplicated,
// embedding-searchable store of (subject, predicate, value) facts.
// Nearest-neighbor search is backed by chromem-go, an embedded pure-Go
// vector database; fact identity, dedup/supersession and the audit
// trail live in the index itself.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/atomiklabs/atom-memory/memory"
)

const collectionName = "facts"

// Index is the semantic fact store. A reader-writer lock lets recall
// keep reading while the consolidation scheduler upserts.
type Index struct {
	mu         sync.RWMutex
	facts      map[string]*memory.Fact
	activeKeys map[string]string // (subject,predicate) key -> active fact ID
	forgotten  map[string]bool   // permanently inactive, never retrievable
	order      []string          // insertion order, for stable snapshots

	db    *chromem.DB
	col   *chromem.Collection
	clock func() time.Time

	dedupThreshold float64
}

// Option configures the index.
type Option func(*Index)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(idx *Index) {
		idx.clock = clock
	}
}

// New creates an empty semantic index. dedupThreshold is the cosine
// similarity of value embeddings above which an upsert merges instead
// of superseding.
func New(dedupThreshold float64, opts ...Option) (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	idx := &Index{
		facts:          make(map[string]*memory.Fact),
		activeKeys:     make(map[string]string),
		forgotten:      make(map[string]bool),
		db:             db,
		col:            col,
		clock:          time.Now,
		dedupThreshold: dedupThreshold,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx, nil
}

// Upsert applies the dedup/supersession rule:
//   - same (subject, predicate) and value embedding within
//     dedupThreshold: the existing fact stays active, its confidence
//     and last-access are refreshed (merged);
//   - same (subject, predicate) but materially different value: the
//     old fact goes inactive and the new one becomes active with
//     Supersedes set (superseded);
//   - otherwise a fresh fact is created.
//
// The fact's embedding must be set by the caller; the index never
// computes embeddings. Concurrent upserts to one (subject, predicate)
// resolve last-write-wins under the write lock.
func (idx *Index) Upsert(ctx context.Context, f memory.Fact) (memory.UpsertOutcome, error) {
	if len(f.Embedding) == 0 {
		return "", fmt.Errorf("upsert fact %q/%q: %w", f.Subject, f.Predicate, memory.ErrEmbeddingUnavailable)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.clock()
	if f.ID == "" {
		return "", fmt.Errorf("upsert fact %q/%q: missing id", f.Subject, f.Predicate)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.LastAccess = now
	f.Active = true

	if curID, ok := idx.activeKeys[f.Key()]; ok {
		cur := idx.facts[curID]
		if cosine(f.Embedding, cur.Embedding) >= idx.dedupThreshold {
			// Same value restated: refresh, keep the original
			// embedding (computed once, immutable).
			if f.Confidence > cur.Confidence {
				cur.Confidence = f.Confidence
			}
			cur.LastAccess = now
			return memory.UpsertMerged, nil
		}

		cur.Active = false
		f.Supersedes = curID
		if err := idx.add(ctx, &f); err != nil {
			// Roll back so the old value stays retrievable.
			cur.Active = true
			return "", err
		}
		log.Printf("[SEMANTIC] superseded %s/%s: %q -> %q", f.Subject, f.Predicate, cur.Value, f.Value)
		return memory.UpsertSuperseded, nil
	}

	if err := idx.add(ctx, &f); err != nil {
		return "", err
	}
	return memory.UpsertCreated, nil
}

// add inserts the fact and registers it active. Caller holds the lock.
func (idx *Index) add(ctx context.Context, f *memory.Fact) error {
	doc := chromem.Document{
		ID:        f.ID,
		Content:   f.Content,
		Embedding: f.Embedding,
		Metadata: map[string]string{
			"subject":   f.Subject,
			"predicate": f.Predicate,
		},
	}
	if err := idx.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	idx.facts[f.ID] = f
	idx.activeKeys[f.Key()] = f.ID
	idx.order = append(idx.order, f.ID)
	return nil
}

// NearestNeighbors returns up to k active facts ranked by cosine
// similarity to the query embedding. Ties break on more recent
// last-access, then higher confidence. Returned facts get their
// last-access refreshed.
func (idx *Index) NearestNeighbors(ctx context.Context, embedding []float32, k int) ([]memory.ScoredFact, error) {
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	total := idx.col.Count()
	// Overfetch by the number of unretrievable records so the inactive
	// filter can never starve the result of genuinely active facts.
	inactive := len(idx.facts) - len(idx.activeKeys)
	n := k + inactive
	if n > total {
		n = total
	}
	if n == 0 {
		idx.mu.RUnlock()
		return nil, nil
	}
	results, err := idx.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	idx.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.clock()
	var out []memory.ScoredFact
	for _, res := range results {
		f, ok := idx.facts[res.ID]
		if !ok || !f.Active || idx.forgotten[res.ID] {
			continue
		}
		out = append(out, memory.ScoredFact{Fact: *f, Similarity: float64(res.Similarity)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].LastAccess.Equal(out[j].LastAccess) {
			return out[i].LastAccess.After(out[j].LastAccess)
		}
		return out[i].Confidence > out[j].Confidence
	})
	if len(out) > k {
		out = out[:k]
	}
	for i := range out {
		out[i].LastAccess = now
		if f, ok := idx.facts[out[i].ID]; ok {
			f.LastAccess = now
		}
	}
	return out, nil
}

// ActiveFacts returns all active facts, highest confidence first.
func (idx *Index) ActiveFacts() []memory.Fact {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []memory.Fact
	for _, id := range idx.order {
		f := idx.facts[id]
		if f.Active && !idx.forgotten[id] {
			out = append(out, *f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// Get looks up a fact by ID, active or not.
func (idx *Index) Get(id string) (memory.Fact, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	f, ok := idx.facts[id]
	if !ok {
		return memory.Fact{}, false
	}
	return *f, true
}

// Forget marks the fact and every fact in its supersession chain
// permanently inactive. The records stay for audit but are never
// returned by any read again.
func (idx *Index) Forget(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	f, ok := idx.facts[id]
	if !ok {
		return false
	}
	for f != nil {
		f.Active = false
		idx.forgotten[f.ID] = true
		delete(idx.activeKeys, f.Key())
		if f.Supersedes == "" {
			break
		}
		f = idx.facts[f.Supersedes]
	}
	return true
}

// Len reports the number of active facts.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := 0
	for id, f := range idx.facts {
		if f.Active && !idx.forgotten[id] {
			n++
		}
	}
	return n
}

// snapshot is the persisted wire form of the index.
type snapshot struct {
	Facts     []memory.Fact `json:"facts"`
	Forgotten []string      `json:"forgotten,omitempty"`
}

// Snapshot writes the full index state as JSON, embeddings included so
// a restore never recomputes them.
func (idx *Index) Snapshot(w io.Writer) error {
	idx.mu.RLock()
	snap := snapshot{Facts: make([]memory.Fact, 0, len(idx.order))}
	for _, id := range idx.order {
		if f, ok := idx.facts[id]; ok {
			snap.Facts = append(snap.Facts, *f)
		}
	}
	for id := range idx.forgotten {
		snap.Forgotten = append(snap.Forgotten, id)
	}
	idx.mu.RUnlock()

	sort.Strings(snap.Forgotten)
	if err := json.NewEncoder(w).Encode(&snap); err != nil {
		return fmt.Errorf("encode semantic snapshot: %w", err)
	}
	return nil
}

// Restore replaces the index state from a JSON snapshot, rebuilding
// the vector collection from stored embeddings. On a corrupt stream
// the index is left empty and ErrIndexCorrupted is returned.
func (idx *Index) Restore(r io.Reader) error {
	var snap snapshot
	err := json.NewDecoder(r).Decode(&snap)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.facts = make(map[string]*memory.Fact)
	idx.activeKeys = make(map[string]string)
	idx.forgotten = make(map[string]bool)
	idx.order = nil
	idx.db = chromem.NewDB()
	col, cerr := idx.db.CreateCollection(collectionName, nil, nil)
	if cerr != nil {
		return fmt.Errorf("recreate collection: %w", cerr)
	}
	idx.col = col

	if err != nil {
		return fmt.Errorf("decode semantic snapshot: %w", memory.ErrIndexCorrupted)
	}

	ctx := context.Background()
	for i := range snap.Facts {
		f := snap.Facts[i]
		if f.ID == "" || len(f.Embedding) == 0 {
			continue
		}
		doc := chromem.Document{
			ID:        f.ID,
			Content:   f.Content,
			Embedding: f.Embedding,
			Metadata: map[string]string{
				"subject":   f.Subject,
				"predicate": f.Predicate,
			},
		}
		if aerr := idx.col.AddDocument(ctx, doc); aerr != nil {
			log.Printf("[SEMANTIC] skipping fact %s on restore: %v", f.ID, aerr)
			continue
		}
		idx.facts[f.ID] = &f
		idx.order = append(idx.order, f.ID)
		if f.Active {
			idx.activeKeys[f.Key()] = f.ID
		}
	}
	for _, id := range snap.Forgotten {
		idx.forgotten[id] = true
	}
	return nil
}

// cosine computes cosine similarity between two vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
