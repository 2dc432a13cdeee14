package memory

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"time"
)

// recallOptions carries the optional recall filters.
type recallOptions struct {
	timeRange TimeRange
	kinds     map[Kind]bool
}

// RecallOption narrows a recall query.
type RecallOption func(*recallOptions)

// WithTimeRange restricts candidates to items created in the range.
func WithTimeRange(r TimeRange) RecallOption {
	return func(o *recallOptions) {
		o.timeRange = r
	}
}

// WithKinds restricts candidates to the given tiers.
func WithKinds(kinds ...Kind) RecallOption {
	return func(o *recallOptions) {
		o.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			o.kinds[k] = true
		}
	}
}

// Ranker merges candidates from all three tiers into one scored,
// deduplicated sequence. Per candidate:
//
//	score = w1*similarity + w2*importance + w3*recencyDecay(lastAccess)
//
// The most recent working entries are always included to preserve
// conversational continuity; near-duplicate contents collapse into the
// highest-scoring instance.
type Ranker struct {
	cfg      *Config
	working  WorkingStore
	episodic EpisodicStore
	semantic SemanticIndex
	embedder Embedder
	clock    func() time.Time
}

// NewRanker creates a ranker over the three stores.
func NewRanker(cfg *Config, working WorkingStore, episodic EpisodicStore, semantic SemanticIndex, embedder Embedder) *Ranker {
	return &Ranker{
		cfg:      cfg,
		working:  working,
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		clock:    time.Now,
	}
}

// Query returns up to k ranked item views for the query text.
func (r *Ranker) Query(ctx context.Context, text string, k int, opts ...RecallOption) []ItemView {
	var o recallOptions
	for _, opt := range opts {
		opt(&o)
	}

	queryTokens := tokenize(text)
	candidates := r.workingCandidates(text, queryTokens, &o)
	candidates = append(candidates, r.semanticCandidates(ctx, text, k, &o)...)
	candidates = append(candidates, r.episodicCandidates(queryTokens, &o)...)

	return r.finish(candidates, k)
}

// WorkingOnly builds the degraded result used when slower tiers miss
// the recall deadline. It honors the same filters as Query.
func (r *Ranker) WorkingOnly(text string, k int, opts ...RecallOption) []ItemView {
	var o recallOptions
	for _, opt := range opts {
		opt(&o)
	}
	queryTokens := tokenize(text)
	return r.finish(r.workingCandidates(text, queryTokens, &o), k)
}

func (r *Ranker) workingCandidates(text string, queryTokens map[string]bool, o *recallOptions) []ItemView {
	if o.kinds != nil && !o.kinds[KindWorking] {
		return nil
	}
	now := r.clock()
	var out []ItemView
	for _, e := range r.working.Recent(r.cfg.RecallWorkingCount) {
		if !o.timeRange.Contains(e.CreatedAt) {
			continue
		}
		sim := overlap(queryTokens, tokenize(e.Content))
		out = append(out, ItemView{
			ID:        e.ID,
			Content:   e.Content,
			Kind:      KindWorking,
			Score:     r.score(sim, e.Importance, e.CreatedAt, now),
			Timestamp: e.CreatedAt,
		})
	}
	return out
}

func (r *Ranker) semanticCandidates(ctx context.Context, text string, k int, o *recallOptions) []ItemView {
	if o.kinds != nil && !o.kinds[KindSemantic] {
		return nil
	}
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		log.Printf("[MEMORY] query embedding failed, skipping semantic tier: %v", err)
		return nil
	}
	facts, err := r.semantic.NearestNeighbors(ctx, embedding, k)
	if err != nil {
		log.Printf("[MEMORY] semantic lookup failed: %v", err)
		return nil
	}
	now := r.clock()
	var out []ItemView
	for _, sf := range facts {
		if !o.timeRange.Contains(sf.CreatedAt) {
			continue
		}
		out = append(out, ItemView{
			ID:        sf.ID,
			Content:   sf.Content,
			Kind:      KindSemantic,
			Score:     r.score(sf.Similarity, sf.Importance, sf.LastAccess, now),
			Timestamp: sf.CreatedAt,
		})
	}
	return out
}

func (r *Ranker) episodicCandidates(queryTokens map[string]bool, o *recallOptions) []ItemView {
	if o.kinds != nil && !o.kinds[KindEpisodic] {
		return nil
	}
	now := r.clock()
	var out []ItemView
	for _, ev := range r.episodic.Query(o.timeRange, 0) {
		sim := overlap(queryTokens, tokenize(ev.Content))
		if sim == 0 && o.timeRange.IsZero() {
			// Without a keyword or time-window match the event does
			// not qualify as a candidate.
			continue
		}
		out = append(out, ItemView{
			ID:        ev.ID,
			Content:   ev.Content,
			Kind:      KindEpisodic,
			Score:     r.score(sim, ev.DecayedImportance(now), ev.CreatedAt, now),
			Timestamp: ev.CreatedAt,
		})
	}
	return out
}

// finish sorts candidates, collapses near-duplicates into the highest
// scorer, and truncates to k.
func (r *Ranker) finish(candidates []ItemView, k int) []ItemView {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var out []ItemView
	var kept []map[string]bool
	for _, c := range candidates {
		tokens := tokenize(c.Content)
		dup := false
		for _, kt := range kept {
			if contentSimilarity(tokens, kt) >= r.cfg.MergeThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		out = append(out, c)
		kept = append(kept, tokens)
		if len(out) == k {
			break
		}
	}
	return out
}

func (r *Ranker) score(similarity, importance float64, accessed time.Time, now time.Time) float64 {
	w := r.cfg.Weights
	return w.Similarity*similarity + w.Importance*importance + w.Recency*recencyDecay(accessed, now, r.cfg.DecayRatePerHour)
}

// recencyDecay maps time since last access to (0,1], newest = 1.
func recencyDecay(accessed, now time.Time, ratePerHour float64) float64 {
	elapsed := now.Sub(accessed).Hours()
	if elapsed <= 0 {
		return 1
	}
	return math.Exp(-ratePerHour * elapsed)
}

// tokenize lowercases and splits text into a word set, dropping short
// stop-ish tokens.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '\'')
	}) {
		if len(w) < 3 {
			continue
		}
		tokens[w] = true
	}
	return tokens
}

// overlap is the fraction of query tokens present in the candidate.
func overlap(query, candidate map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if candidate[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// contentSimilarity is the Jaccard similarity of two token sets, used
// for near-duplicate collapsing.
func contentSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
