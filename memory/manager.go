package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atomiklabs/atom-memory/core"
)

// Manager is the single entry point the conversational loop and tools
// use. It owns the three tiers, the extraction queue and the
// consolidation scheduler, and enforces the degradation policy: the
// latency-critical path never blocks on extraction, consolidation or
// embedding, and recall always returns something.
//
// Construct one Manager at application start and pass it to every
// collaborator that needs memory; lifecycle (Start, Snapshot on
// shutdown, Close) belongs to the application root.
type Manager struct {
	cfg       *Config
	working   WorkingStore
	episodic  EpisodicStore
	semantic  SemanticIndex
	embedder  Embedder
	extractor Extractor
	ranker    *Ranker
	scheduler *Scheduler
	clock     func() time.Time

	queueMu sync.Mutex
	queue   []core.Turn
	queueCh chan struct{}
	dropped atomic.Uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped sync.Once
}

// Option configures the manager.
type Option func(*Manager)

// WithClock overrides the time source for the manager, its ranker and
// its scheduler. Mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// NewManager wires the facade over the given stores and capabilities.
func NewManager(cfg *Config, working WorkingStore, episodic EpisodicStore, semantic SemanticIndex, embedder Embedder, extractor Extractor, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		working:   working,
		episodic:  episodic,
		semantic:  semantic,
		embedder:  embedder,
		extractor: extractor,
		clock:     time.Now,
		queueCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.ranker = NewRanker(cfg, working, episodic, semantic, embedder)
	m.ranker.clock = m.clock
	m.scheduler = NewScheduler(cfg, episodic, semantic, embedder, WithSchedulerClock(m.clock))
	return m, nil
}

// Start launches the extraction worker and the consolidation
// scheduler.
func (m *Manager) Start() {
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.extractionLoop()
	m.scheduler.Start()
	log.Printf("[MEMORY] manager started")
}

// Close stops background work. Pending queued turns are abandoned;
// their raw content is still in working memory and any events already
// appended remain pending for the next run.
func (m *Manager) Close() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.started {
			m.scheduler.Stop()
		}
	})
}

// Remember records a conversation turn: a synchronous working-memory
// write plus an asynchronous hand-off to the extraction pipeline. It
// never blocks and never fails; under queue pressure the oldest
// not-yet-extracted turn is dropped from extraction only.
func (m *Manager) Remember(turn core.Turn) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.clock()
	}

	m.working.Push(WorkingEntry{
		MemoryItem: MemoryItem{
			ID:         turn.ID,
			Content:    turn.Text,
			CreatedAt:  turn.Timestamp,
			Importance: 0.5,
			TurnID:     turn.ID,
		},
		Speaker: turn.Speaker,
	})

	m.enqueue(turn)
}

func (m *Manager) enqueue(turn core.Turn) {
	m.queueMu.Lock()
	if len(m.queue) >= m.cfg.ExtractionQueueSize {
		m.queue = m.queue[1:]
		m.dropped.Add(1)
		log.Printf("[MEMORY] extraction queue full, dropped oldest turn")
	}
	m.queue = append(m.queue, turn)
	m.queueMu.Unlock()

	select {
	case m.queueCh <- struct{}{}:
	default:
	}
}

func (m *Manager) dequeue() (core.Turn, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return core.Turn{}, false
	}
	turn := m.queue[0]
	m.queue = m.queue[1:]
	return turn, true
}

func (m *Manager) extractionLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.queueCh:
		}
		for {
			turn, ok := m.dequeue()
			if !ok {
				break
			}
			m.extract(turn)
		}
	}
}

// extract runs the extractor for one turn and appends the resulting
// drafts as pending episodic events. Extraction failure is logged and
// swallowed; the turn is already safe in working memory.
func (m *Manager) extract(turn core.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ExtractionTimeout())
	defer cancel()

	drafts, err := m.extractor.ExtractFacts(ctx, turn)
	if err != nil {
		log.Printf("[MEMORY] extraction failed for turn %s: %v", turn.ID, err)
		return
	}

	now := m.clock()
	for _, d := range drafts {
		ev := Event{
			MemoryItem: MemoryItem{
				ID:         uuid.New().String(),
				Content:    d.Content,
				CreatedAt:  turn.Timestamp,
				Importance: clamp01(d.Importance),
				TurnID:     turn.ID,
			},
			Kind:         d.Kind,
			Participants: d.Participants,
			DecayRate:    m.cfg.DecayRatePerHour,
			Durable:      d.Durable,
			State:        EventPending,
			Fact:         d.Fact,
		}
		if err := m.episodic.Append(ev); err != nil {
			log.Printf("[MEMORY] append event failed: %v", err)
		}
	}

	if len(m.episodic.Pending(now)) >= m.cfg.ConsolidationBatch {
		m.scheduler.Kick()
	}
}

// RecallResult is what Recall hands back. Degraded is set when slower
// tiers missed the deadline and only working memory contributed.
type RecallResult struct {
	Items    []ItemView
	Degraded bool
}

// Recall returns up to k ranked item views for the query. It always
// answers within the configured timeout: if semantic or episodic
// lookups are still in flight at the deadline they are abandoned
// (safe, since nothing depends on their outcome) and a degraded,
// working-memory-only result is returned instead of an error.
func (m *Manager) Recall(ctx context.Context, query string, k int, opts ...RecallOption) RecallResult {
	if k <= 0 {
		return RecallResult{}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RecallTimeout())
	defer cancel()

	done := make(chan []ItemView, 1)
	go func() {
		done <- m.ranker.Query(ctx, query, k, opts...)
	}()

	select {
	case items := <-done:
		return RecallResult{Items: items}
	case <-ctx.Done():
		log.Printf("[MEMORY] %v, returning degraded result", ErrRecallTimeout)
		return RecallResult{Items: m.ranker.WorkingOnly(query, k, opts...), Degraded: true}
	}
}

// Forget removes the item with the given ID from whichever store
// holds it. For semantic facts the whole supersession chain becomes
// permanently unretrievable. This is the privacy/correction path.
func (m *Manager) Forget(id string) error {
	if m.working.Forget(id) || m.episodic.Forget(id) || m.semantic.Forget(id) {
		log.Printf("[MEMORY] forgot item %s", id)
		return nil
	}
	return fmt.Errorf("forget %s: %w", id, ErrNotFound)
}

const (
	episodicSnapshotFile = "episodic.json"
	semanticSnapshotFile = "semantic.json"
)

// Snapshot persists episodic and semantic state to dir. Working
// memory is deliberately not persisted; it does not need to survive a
// restart.
func (m *Manager) Snapshot(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := writeSnapshot(filepath.Join(dir, episodicSnapshotFile), m.episodic.Snapshot); err != nil {
		return err
	}
	if err := writeSnapshot(filepath.Join(dir, semanticSnapshotFile), m.semantic.Snapshot); err != nil {
		return err
	}
	log.Printf("[MEMORY] snapshot written to %s", dir)
	return nil
}

func writeSnapshot(path string, snap func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := snap(f); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return nil
}

// Restore reloads episodic and semantic state from dir. Missing files
// are fine (fresh start); corrupted files yield an empty store plus a
// warning, never a startup failure.
func (m *Manager) Restore(dir string) error {
	restore := func(path string, fn func(r io.Reader) error) error {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		if err := fn(f); err != nil {
			if errors.Is(err, ErrIndexCorrupted) {
				log.Printf("[MEMORY] %s corrupted, starting empty: %v", path, err)
				return nil
			}
			return err
		}
		return nil
	}

	if err := restore(filepath.Join(dir, episodicSnapshotFile), m.episodic.Restore); err != nil {
		return err
	}
	if err := restore(filepath.Join(dir, semanticSnapshotFile), m.semantic.Restore); err != nil {
		return err
	}
	return nil
}

// PromptContext builds a compact context block for prompt injection:
// the most recent working entries plus the highest-confidence facts.
func (m *Manager) PromptContext(maxItems int) string {
	if maxItems <= 0 {
		maxItems = 5
	}

	var parts []string

	recent := m.working.Recent(maxItems)
	if len(recent) > 0 {
		lines := []string{"[Recent conversation]"}
		for i := len(recent) - 1; i >= 0; i-- {
			e := recent[i]
			lines = append(lines, fmt.Sprintf("- %s: %s", e.Speaker, truncate(e.Content, 100)))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	facts := m.semantic.ActiveFacts()
	if len(facts) > maxItems {
		facts = facts[:maxItems]
	}
	if len(facts) > 0 {
		lines := []string{"[Known facts]"}
		for _, f := range facts {
			lines = append(lines, fmt.Sprintf("- %s %s: %s", f.Subject, f.Predicate, truncate(f.Value, 100)))
		}
		parts = append(parts, strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// Stats reports current tier sizes and background-work totals.
type Stats struct {
	WorkingEntries int
	EpisodicEvents int
	ActiveFacts    int
	DroppedTurns   uint64
	Consolidation  CycleStats
}

// Stats returns a point-in-time view of the engine.
func (m *Manager) Stats() Stats {
	return Stats{
		WorkingEntries: m.working.Len(),
		EpisodicEvents: m.episodic.Len(),
		ActiveFacts:    m.semantic.Len(),
		DroppedTurns:   m.dropped.Load(),
		Consolidation:  m.scheduler.Totals(),
	}
}

// RunConsolidation runs a single synchronous consolidation cycle.
// Useful for shutdown flushes and tests; the background scheduler
// calls the same code.
func (m *Manager) RunConsolidation(ctx context.Context) CycleStats {
	return m.scheduler.RunCycle(ctx)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// truncate shortens s to maxLen, appending "..." when cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
