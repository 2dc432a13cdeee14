// Package memory implements the tiered memory engine of a
// conversational agent: a working tier for recent turns, an episodic
// tier for significant events with time-decaying importance, and a
// semantic tier for durable, deduplicated facts with embedding-based
// retrieval.
//
// Architecture:
//   - WorkingStore: bounded FIFO ring of recent turns (working subpackage)
//   - EpisodicStore: decaying event log with a one-way lifecycle (episodic subpackage)
//   - SemanticIndex: chromem-go backed fact store with dedup/supersession (semantic subpackage)
//   - Scheduler: background worker promoting events into facts and expiring stale ones
//   - Ranker: merges all three tiers into one scored, deduplicated answer
//   - Manager: the facade; the only entry point for the conversational loop and tools
//
// The latency-critical path (Remember/Recall) never blocks on
// extraction, consolidation or embedding. Recall enforces a hard
// timeout and degrades to working memory only; Remember always
// succeeds locally. Persistence is checkpoint-based JSON snapshots of
// the episodic and semantic tiers; consolidation is idempotent, so
// anything lost between checkpoints is re-derived from pending events.
package memory
