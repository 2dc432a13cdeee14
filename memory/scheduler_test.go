package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomiklabs/atom-memory/memory"
	"github.com/atomiklabs/atom-memory/memory/embedder/mock"
	"github.com/atomiklabs/atom-memory/memory/episodic"
	"github.com/atomiklabs/atom-memory/memory/semantic"
)

// failingEmbedder always errors, standing in for a backend outage.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("backend down")
}

func (failingEmbedder) Dimensions() int { return 128 }

// hangingEmbedder blocks until its context is cancelled, standing in
// for a backend that accepts connections but never answers.
type hangingEmbedder struct{}

func (hangingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingEmbedder) Dimensions() int { return 128 }

type schedulerFixture struct {
	cfg       *memory.Config
	now       time.Time
	episodic  *episodic.Store
	semantic  *semantic.Index
	scheduler *memory.Scheduler
}

func newSchedulerFixture(t *testing.T, cfg *memory.Config, emb memory.Embedder) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{cfg: cfg, now: time.Now()}
	clock := func() time.Time { return f.now }

	f.episodic = episodic.New(episodic.WithClock(clock))
	idx, err := semantic.New(cfg.DedupThreshold, semantic.WithClock(clock))
	require.NoError(t, err)
	f.semantic = idx
	f.scheduler = memory.NewScheduler(cfg, f.episodic, f.semantic, emb, memory.WithSchedulerClock(clock))
	return f
}

func (f *schedulerFixture) append(t *testing.T, ev memory.Event) {
	t.Helper()
	require.NoError(t, f.episodic.Append(ev))
}

func pendingEvent(id string, importance, decayRate float64, created time.Time) memory.Event {
	return memory.Event{
		MemoryItem: memory.MemoryItem{
			ID:         id,
			Content:    "content of " + id,
			CreatedAt:  created,
			Importance: importance,
		},
		Kind:      "statement",
		DecayRate: decayRate,
		State:     memory.EventPending,
	}
}

func TestRunCycle_ConsolidatesAboveThreshold(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	// 0.9 * e^(-0.1*10) ~= 0.331, above the 0.3 threshold.
	f.append(t, pendingEvent("e1", 0.9, 0.1, f.now.Add(-10*time.Hour)))

	stats := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{Consolidated: 1}, stats)

	ev, _ := f.episodic.Get("e1")
	assert.Equal(t, memory.EventConsolidated, ev.State)

	facts := f.semantic.ActiveFacts()
	require.Len(t, facts, 1)
	assert.Equal(t, "e1", facts[0].Provenance)
	assert.Equal(t, "user", facts[0].Subject)
	assert.Equal(t, "statement", facts[0].Predicate)
	assert.Equal(t, "content of e1", facts[0].Value)
}

func TestRunCycle_BelowThresholdStaysPending(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	// Decayed below 0.3 but too young to expire: left alone.
	f.append(t, pendingEvent("e1", 0.3, 0.5, f.now.Add(-6*time.Hour)))

	stats := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{}, stats)

	ev, _ := f.episodic.Get("e1")
	assert.Equal(t, memory.EventPending, ev.State)
}

func TestRunCycle_ExpiresStaleEvents(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.ConsolidationThreshold = 0.5
	cfg.MinKeepThreshold = 0.4
	f := newSchedulerFixture(t, cfg, mock.New())

	// Well past the retention window and decayed to nearly nothing.
	f.append(t, pendingEvent("stale", 0.6, 0.05, f.now.Add(-40*24*time.Hour)))

	stats := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{Expired: 1}, stats)

	ev, _ := f.episodic.Get("stale")
	assert.Equal(t, memory.EventExpired, ev.State)
	assert.Empty(t, f.semantic.ActiveFacts())
}

func TestRunCycle_DurableBypassesDecay(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	ev := pendingEvent("pref", 0.2, 0.5, f.now.Add(-100*time.Hour))
	ev.Durable = true
	f.append(t, ev)

	stats := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{Consolidated: 1}, stats)
}

func TestRunCycle_UsesExplicitFactPayload(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	ev := pendingEvent("e1", 0.9, 0, f.now)
	ev.Fact = &memory.FactPayload{Subject: "user", Predicate: "favoriteColor", Value: "green"}
	f.append(t, ev)

	f.scheduler.RunCycle(context.Background())

	facts := f.semantic.ActiveFacts()
	require.Len(t, facts, 1)
	assert.Equal(t, "favoriteColor", facts[0].Predicate)
	assert.Equal(t, "green", facts[0].Value)
	assert.InDelta(t, 0.9, facts[0].Confidence, 1e-9)
}

func TestRunCycle_Idempotent(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())
	f.append(t, pendingEvent("e1", 0.9, 0, f.now))

	first := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, 1, first.Consolidated)

	// The event is terminal now: re-running does nothing.
	second := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{}, second)
	assert.Equal(t, 1, len(f.semantic.ActiveFacts()))
}

func TestRunCycle_RetryBackoffThenFailed(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.MaxConsolidationRetries = 2
	f := newSchedulerFixture(t, cfg, failingEmbedder{})

	ev := pendingEvent("e1", 0.9, 0, f.now)
	ev.Durable = true
	f.append(t, ev)

	stats := f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{Retried: 1}, stats)

	// Backoff keeps the event out of the next immediate cycle.
	stats = f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{}, stats)

	f.now = f.now.Add(time.Minute)
	stats = f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{Failed: 1}, stats)

	ev2, _ := f.episodic.Get("e1")
	assert.Equal(t, memory.EventFailed, ev2.State)
	assert.Empty(t, f.semantic.ActiveFacts())

	f.now = f.now.Add(time.Hour)
	stats = f.scheduler.RunCycle(context.Background())
	assert.Equal(t, memory.CycleStats{}, stats)
}

func TestRunCycle_HangingEmbedderIsBounded(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.EmbedTimeoutMs = 20
	f := newSchedulerFixture(t, cfg, hangingEmbedder{})

	ev := pendingEvent("e1", 0.9, 0, f.now)
	ev.Durable = true
	f.append(t, ev)

	// The cycle must come back on its own, with the event queued for
	// retry rather than consolidated or stuck.
	start := time.Now()
	stats := f.scheduler.RunCycle(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, memory.CycleStats{Retried: 1}, stats)

	after, _ := f.episodic.Get("e1")
	assert.Equal(t, memory.EventPending, after.State)
	assert.Equal(t, 1, after.Retries)
}

func TestStop_ReturnsWhileEmbedderHangs(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.EmbedTimeoutMs = 20
	cfg.ConsolidationIntervalSeconds = 3600
	f := newSchedulerFixture(t, cfg, hangingEmbedder{})

	ev := pendingEvent("e1", 0.9, 0, f.now)
	ev.Durable = true
	f.append(t, ev)

	f.scheduler.Start()
	f.scheduler.Kick()

	stopped := make(chan struct{})
	go func() {
		f.scheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while an embed call was in flight")
	}
}

func TestRunCycle_SupersedesChangedFact(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	blue := pendingEvent("e1", 0.9, 0, f.now)
	blue.Fact = &memory.FactPayload{Subject: "user", Predicate: "favoriteColor", Value: "blue"}
	f.append(t, blue)
	f.scheduler.RunCycle(context.Background())

	green := pendingEvent("e2", 0.9, 0, f.now)
	green.Fact = &memory.FactPayload{Subject: "user", Predicate: "favoriteColor", Value: "green"}
	f.append(t, green)
	f.scheduler.RunCycle(context.Background())

	facts := f.semantic.ActiveFacts()
	require.Len(t, facts, 1)
	assert.Equal(t, "green", facts[0].Value)
	assert.NotEmpty(t, facts[0].Supersedes)
}

func TestTotals_Accumulate(t *testing.T) {
	f := newSchedulerFixture(t, memory.DefaultConfig(), mock.New())

	f.append(t, pendingEvent("e1", 0.9, 0, f.now))
	f.scheduler.RunCycle(context.Background())
	f.append(t, pendingEvent("e2", 0.9, 0, f.now))
	f.scheduler.RunCycle(context.Background())

	assert.Equal(t, 2, f.scheduler.Totals().Consolidated)
}

func TestStartStop_KickTriggersEarlyCycle(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.ConsolidationIntervalSeconds = 3600 // ticker never fires during the test
	f := newSchedulerFixture(t, cfg, mock.New())
	f.append(t, pendingEvent("e1", 0.9, 0, f.now))

	f.scheduler.Start()
	defer f.scheduler.Stop()
	f.scheduler.Kick()

	require.Eventually(t, func() bool {
		return f.scheduler.Totals().Consolidated == 1
	}, 2*time.Second, 10*time.Millisecond)
}
