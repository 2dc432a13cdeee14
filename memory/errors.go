package memory

import "errors"

var (
	// ErrEmbeddingUnavailable indicates the embedding capability
	// failed or timed out. The scheduler retries with backoff.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrExtractionTimeout indicates the extractor did not respond
	// within its budget. The turn stays in working memory regardless.
	ErrExtractionTimeout = errors.New("extraction timed out")

	// ErrIndexCorrupted indicates persisted state could not be
	// decoded on load. The affected store starts empty instead of
	// failing startup.
	ErrIndexCorrupted = errors.New("persisted state corrupted")

	// ErrRecallTimeout indicates slower tiers missed the recall
	// deadline and a degraded, working-memory-only result was built.
	ErrRecallTimeout = errors.New("recall timed out")

	// ErrNotFound indicates no store holds an item with the given ID.
	ErrNotFound = errors.New("memory item not found")
)
