package memory

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CycleStats counts what one scheduler cycle (or a running total of
// cycles) did.
type CycleStats struct {
	Consolidated int
	Expired      int
	Retried      int
	Failed       int
}

func (s *CycleStats) add(o CycleStats) {
	s.Consolidated += o.Consolidated
	s.Expired += o.Expired
	s.Retried += o.Retried
	s.Failed += o.Failed
}

// Scheduler is the background consolidation worker. It promotes
// eligible episodic events into semantic facts and expires stale ones.
// Cycles run on a fixed interval, or earlier when the manager kicks it
// after enough pending events accumulate. Re-running over already
// terminal events is a no-op, so delivery is safely at-least-once.
type Scheduler struct {
	cfg      *Config
	episodic EpisodicStore
	semantic SemanticIndex
	embedder Embedder
	clock    func() time.Time

	stopCh chan struct{}
	kickCh chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	totals CycleStats
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the time source, mainly for tests.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// NewScheduler creates a scheduler over the given stores. It does not
// start running until Start is called.
func NewScheduler(cfg *Config, episodic EpisodicStore, semantic SemanticIndex, embedder Embedder, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		episodic: episodic,
		semantic: semantic,
		embedder: embedder,
		clock:    time.Now,
		stopCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background cycle loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.ConsolidationInterval())
		defer ticker.Stop()

		log.Printf("[CONSOLIDATE] worker started, interval=%s", s.cfg.ConsolidationInterval())
		for {
			select {
			case <-ticker.C:
				s.RunCycle(context.Background())
			case <-s.kickCh:
				s.RunCycle(context.Background())
			case <-s.stopCh:
				log.Printf("[CONSOLIDATE] worker stopped")
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for an in-flight cycle.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Kick requests an early cycle, typically after the pending batch
// threshold is reached. Non-blocking; a kick while one is already
// queued is absorbed.
func (s *Scheduler) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Totals returns accumulated counters across all cycles run so far.
func (s *Scheduler) Totals() CycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// RunCycle processes every due pending event once and returns what it
// did. Safe to call directly; the background loop uses it too.
func (s *Scheduler) RunCycle(ctx context.Context) CycleStats {
	now := s.clock()
	var stats CycleStats

	for _, ev := range s.episodic.Pending(now) {
		decayed := ev.DecayedImportance(now)

		switch {
		case decayed >= s.cfg.ConsolidationThreshold || ev.Durable:
			if s.consolidate(ctx, ev, decayed) {
				stats.Consolidated++
			} else {
				// RecordFailure decides retry vs terminal failure.
				if after, ok := s.episodic.Get(ev.ID); ok && after.State == EventFailed {
					stats.Failed++
				} else {
					stats.Retried++
				}
			}

		case decayed < s.cfg.MinKeepThreshold && now.Sub(ev.CreatedAt) > s.cfg.RetentionWindow():
			s.episodic.MarkExpired(ev.ID)
			stats.Expired++

		default:
			// Not yet eligible either way; leave pending.
		}
	}

	if stats != (CycleStats{}) {
		log.Printf("[CONSOLIDATE] cycle: consolidated=%d expired=%d retried=%d failed=%d",
			stats.Consolidated, stats.Expired, stats.Retried, stats.Failed)
	}
	s.mu.Lock()
	s.totals.add(stats)
	s.mu.Unlock()
	return stats
}

// consolidate promotes one event into the semantic index. Returns
// false after recording a failure for retry with exponential backoff.
func (s *Scheduler) consolidate(ctx context.Context, ev Event, decayed float64) bool {
	fact := s.deriveFact(ev, decayed)

	// Bound the embedding call so a hung backend becomes a retryable
	// failure instead of stalling the cycle and Stop.
	embedCtx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout())
	embedding, err := s.embedder.Embed(embedCtx, fact.Value)
	cancel()
	if err != nil {
		log.Printf("[CONSOLIDATE] embed failed for event %s: %v", ev.ID, err)
		s.fail(ev)
		return false
	}
	fact.Embedding = embedding

	if _, err := s.semantic.Upsert(ctx, fact); err != nil {
		log.Printf("[CONSOLIDATE] upsert failed for event %s: %v", ev.ID, err)
		s.fail(ev)
		return false
	}

	s.episodic.MarkConsolidated(ev.ID)
	return true
}

func (s *Scheduler) fail(ev Event) {
	next := s.clock().Add(s.cfg.RetryBackoff(ev.Retries))
	s.episodic.RecordFailure(ev.ID, next, s.cfg.MaxConsolidationRetries)
}

// deriveFact builds the semantic fact for an event. Events carrying an
// explicit payload from the extractor use it with high confidence;
// otherwise a generic fact is derived from the event itself.
func (s *Scheduler) deriveFact(ev Event, decayed float64) Fact {
	now := s.clock()
	fact := Fact{
		MemoryItem: MemoryItem{
			ID:         uuid.New().String(),
			CreatedAt:  now,
			LastAccess: now,
			Importance: decayed,
			TurnID:     ev.TurnID,
		},
		Provenance: ev.ID,
		Active:     true,
	}

	if ev.Fact != nil {
		fact.Subject = ev.Fact.Subject
		fact.Predicate = ev.Fact.Predicate
		fact.Value = ev.Fact.Value
		fact.Confidence = 0.9
	} else {
		fact.Subject = "user"
		if len(ev.Participants) > 0 {
			fact.Subject = ev.Participants[0]
		}
		fact.Predicate = ev.Kind
		if fact.Predicate == "" {
			fact.Predicate = "observation"
		}
		fact.Value = ev.Content
		fact.Confidence = decayed
		if fact.Confidence < 0.5 {
			fact.Confidence = 0.5
		}
	}
	fact.Content = fact.Subject + " " + fact.Predicate + ": " + fact.Value
	return fact
}
