package episodic_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomiklabs/atom-memory/memory"
	"github.com/atomiklabs/atom-memory/memory/episodic"
)

func event(id string, importance, decayRate float64, created time.Time) memory.Event {
	return memory.Event{
		MemoryItem: memory.MemoryItem{
			ID:         id,
			Content:    "event " + id,
			CreatedAt:  created,
			Importance: importance,
		},
		Kind:      "statement",
		DecayRate: decayRate,
		State:     memory.EventPending,
	}
}

func TestDecayedImportance(t *testing.T) {
	created := time.Now()
	ev := event("e1", 0.9, 0.1, created)

	// 0.9 * e^(-0.1*10) ~= 0.331 after ten hours.
	got := ev.DecayedImportance(created.Add(10 * time.Hour))
	assert.InDelta(t, 0.331, got, 0.001)

	// No decay at creation time.
	assert.InDelta(t, 0.9, ev.DecayedImportance(created), 1e-9)
}

func TestDecayMonotonicity(t *testing.T) {
	base := time.Now()
	older := event("a", 0.8, 0.2, base)
	newer := event("b", 0.8, 0.2, base.Add(2*time.Hour))

	for _, at := range []time.Time{base.Add(3 * time.Hour), base.Add(12 * time.Hour), base.Add(48 * time.Hour)} {
		assert.LessOrEqual(t, older.DecayedImportance(at), newer.DecayedImportance(at))
	}
}

func TestDurableEventsBypassDecay(t *testing.T) {
	ev := event("d", 0.6, 0.5, time.Now())
	ev.Durable = true
	assert.Equal(t, 0.6, ev.DecayedImportance(time.Now().Add(1000*time.Hour)))
}

func TestQuery_FiltersByDecayedImportance(t *testing.T) {
	now := time.Now()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))

	require.NoError(t, s.Append(event("strong", 0.9, 0.01, now.Add(-time.Hour))))
	require.NoError(t, s.Append(event("faded", 0.9, 1.0, now.Add(-10*time.Hour))))

	got := s.Query(memory.TimeRange{}, 0.5)
	require.Len(t, got, 1)
	assert.Equal(t, "strong", got[0].ID)
}

func TestQuery_TimeRangeAndOrdering(t *testing.T) {
	now := time.Now()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))

	require.NoError(t, s.Append(event("old", 0.9, 0, now.Add(-48*time.Hour))))
	require.NoError(t, s.Append(event("mid", 0.9, 0, now.Add(-2*time.Hour))))
	require.NoError(t, s.Append(event("new", 0.9, 0, now.Add(-time.Minute))))

	got := s.Query(memory.TimeRange{From: now.Add(-3 * time.Hour)}, 0)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
}

func TestQuery_ExcludesTerminalStates(t *testing.T) {
	now := time.Now()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))

	require.NoError(t, s.Append(event("expired", 0.9, 0, now)))
	require.NoError(t, s.Append(event("kept", 0.9, 0, now)))
	s.MarkExpired("expired")

	got := s.Query(memory.TimeRange{}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)
}

func TestTransitions_AreOneWay(t *testing.T) {
	now := time.Now()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Append(event("e", 0.9, 0, now)))

	s.MarkConsolidated("e")
	ev, ok := s.Get("e")
	require.True(t, ok)
	assert.Equal(t, memory.EventConsolidated, ev.State)

	// A terminal state is never revisited.
	s.MarkExpired("e")
	ev, _ = s.Get("e")
	assert.Equal(t, memory.EventConsolidated, ev.State)
}

func TestRecordFailure_BoundedRetries(t *testing.T) {
	now := time.Now()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Append(event("e", 0.9, 0, now)))

	next := now.Add(time.Minute)
	s.RecordFailure("e", next, 3)
	ev, _ := s.Get("e")
	assert.Equal(t, memory.EventPending, ev.State)
	assert.Equal(t, 1, ev.Retries)

	// Backoff keeps the event out of Pending until its next attempt.
	assert.Empty(t, s.Pending(now))
	assert.Len(t, s.Pending(next), 1)

	s.RecordFailure("e", next, 3)
	s.RecordFailure("e", next, 3)
	ev, _ = s.Get("e")
	assert.Equal(t, memory.EventFailed, ev.State)
	assert.Empty(t, s.Pending(next.Add(time.Hour)))

	// Failed is terminal; further failures are no-ops.
	s.RecordFailure("e", next, 3)
	ev, _ = s.Get("e")
	assert.Equal(t, 3, ev.Retries)
}

func TestAppend_DuplicateID(t *testing.T) {
	s := episodic.New()
	require.NoError(t, s.Append(event("e", 0.5, 0, time.Now())))
	require.Error(t, s.Append(event("e", 0.5, 0, time.Now())))
}

func TestForget(t *testing.T) {
	s := episodic.New()
	require.NoError(t, s.Append(event("e", 0.5, 0, time.Now())))
	assert.True(t, s.Forget("e"))
	assert.False(t, s.Forget("e"))
	assert.Equal(t, 0, s.Len())
}

func TestSnapshotRestore_Roundtrip(t *testing.T) {
	now := time.Now().UTC()
	s := episodic.New(episodic.WithClock(func() time.Time { return now }))
	require.NoError(t, s.Append(event("a", 0.9, 0.1, now.Add(-time.Hour))))
	require.NoError(t, s.Append(event("b", 0.4, 0.2, now)))
	s.MarkConsolidated("a")

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(&buf))

	restored := episodic.New(episodic.WithClock(func() time.Time { return now }))
	require.NoError(t, restored.Restore(&buf))

	assert.Equal(t, 2, restored.Len())
	a, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, memory.EventConsolidated, a.State)
	b, ok := restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, memory.EventPending, b.State)
	assert.InDelta(t, 0.4, b.Importance, 1e-9)
}

func TestRestore_CorruptedYieldsEmptyStore(t *testing.T) {
	s := episodic.New()
	require.NoError(t, s.Append(event("a", 0.9, 0.1, time.Now())))

	err := s.Restore(strings.NewReader("{not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrIndexCorrupted))
	assert.Equal(t, 0, s.Len())
}
