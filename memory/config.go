package memory

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RankingWeights are the recall scoring weights:
// score = Similarity*sim + Importance*importance + Recency*recencyDecay.
type RankingWeights struct {
	Similarity float64 `yaml:"w1"`
	Importance float64 `yaml:"w2"`
	Recency    float64 `yaml:"w3"`
}

// Config holds every tunable of the memory engine. All values are
// empirically tuned, not mandated; DefaultConfig gives a workable
// starting point for a live voice loop.
type Config struct {
	// WorkingCapacity is working memory's maximum entry count.
	WorkingCapacity int `yaml:"workingCapacity"`

	// WorkingTTLSeconds is the default per-entry time-to-live.
	WorkingTTLSeconds int `yaml:"workingTTLSeconds"`

	// ConsolidationIntervalSeconds is the scheduler's cycle period.
	ConsolidationIntervalSeconds int `yaml:"consolidationIntervalSeconds"`

	// ConsolidationBatch triggers an early cycle once this many
	// pending events have accumulated.
	ConsolidationBatch int `yaml:"consolidationBatch"`

	// ConsolidationThreshold is the minimum decayed importance for an
	// event to be promoted into a semantic fact.
	ConsolidationThreshold float64 `yaml:"consolidationThreshold"`

	// MinKeepThreshold is the decayed importance below which an aged
	// event becomes expiry-eligible.
	MinKeepThreshold float64 `yaml:"minKeepThreshold"`

	// DecayRatePerHour is the default exponential decay constant for
	// events whose draft did not specify one.
	DecayRatePerHour float64 `yaml:"decayRate"`

	// DedupThreshold is the value-embedding cosine similarity above
	// which an upsert merges into the existing active fact.
	DedupThreshold float64 `yaml:"dedupThreshold"`

	// MergeThreshold is the content similarity above which recall
	// candidates collapse into the highest-scoring instance.
	MergeThreshold float64 `yaml:"mergeThreshold"`

	// RecallTimeoutMs bounds recall; past it a degraded result is
	// built from working memory only.
	RecallTimeoutMs int `yaml:"recallTimeoutMs"`

	// RecallWorkingCount is how many recent working entries are
	// always included in recall results.
	RecallWorkingCount int `yaml:"recallWorkingCount"`

	// RetentionWindowDays is the minimum age before a low-importance
	// event may expire.
	RetentionWindowDays int `yaml:"retentionWindowDays"`

	// Weights are the recall ranking weights.
	Weights RankingWeights `yaml:"rankingWeights"`

	// MaxConsolidationRetries bounds per-event retry attempts before
	// the event is marked failed.
	MaxConsolidationRetries int `yaml:"maxConsolidationRetries"`

	// RetryBackoffSeconds is the base of the exponential retry
	// backoff (base * 2^retries).
	RetryBackoffSeconds int `yaml:"retryBackoffSeconds"`

	// ExtractionQueueSize bounds the turn queue feeding the
	// extractor. When full, the oldest queued turn is dropped from
	// extraction rather than blocking the conversational loop.
	ExtractionQueueSize int `yaml:"extractionQueueSize"`

	// ExtractionTimeoutMs bounds a single extractor call.
	ExtractionTimeoutMs int `yaml:"extractionTimeoutMs"`

	// EmbedTimeoutMs bounds a single embedding call made by the
	// consolidation scheduler. A hung backend becomes a retryable
	// failure instead of wedging the cycle.
	EmbedTimeoutMs int `yaml:"embedTimeoutMs"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkingCapacity:              128,
		WorkingTTLSeconds:            3600,
		ConsolidationIntervalSeconds: 60,
		ConsolidationBatch:           16,
		ConsolidationThreshold:       0.3,
		MinKeepThreshold:             0.15,
		DecayRatePerHour:             0.05,
		DedupThreshold:               0.9,
		MergeThreshold:               0.85,
		RecallTimeoutMs:              150,
		RecallWorkingCount:           5,
		RetentionWindowDays:          30,
		Weights:                      RankingWeights{Similarity: 0.5, Importance: 0.3, Recency: 0.2},
		MaxConsolidationRetries:      5,
		RetryBackoffSeconds:          2,
		ExtractionQueueSize:          64,
		ExtractionTimeoutMs:          5000,
		EmbedTimeoutMs:               5000,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.WorkingCapacity <= 0 {
		return fmt.Errorf("workingCapacity must be positive, got %d", c.WorkingCapacity)
	}
	if c.WorkingTTLSeconds <= 0 {
		return fmt.Errorf("workingTTLSeconds must be positive, got %d", c.WorkingTTLSeconds)
	}
	if c.ConsolidationIntervalSeconds <= 0 {
		return fmt.Errorf("consolidationIntervalSeconds must be positive, got %d", c.ConsolidationIntervalSeconds)
	}
	if c.ConsolidationThreshold < 0 || c.ConsolidationThreshold > 1 {
		return fmt.Errorf("consolidationThreshold must be in [0,1], got %g", c.ConsolidationThreshold)
	}
	if c.MinKeepThreshold < 0 || c.MinKeepThreshold > c.ConsolidationThreshold {
		return fmt.Errorf("minKeepThreshold must be in [0,consolidationThreshold], got %g", c.MinKeepThreshold)
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("dedupThreshold must be in (0,1], got %g", c.DedupThreshold)
	}
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("mergeThreshold must be in (0,1], got %g", c.MergeThreshold)
	}
	if c.RecallTimeoutMs <= 0 {
		return fmt.Errorf("recallTimeoutMs must be positive, got %d", c.RecallTimeoutMs)
	}
	if c.MaxConsolidationRetries <= 0 {
		return fmt.Errorf("maxConsolidationRetries must be positive, got %d", c.MaxConsolidationRetries)
	}
	if c.ExtractionQueueSize <= 0 {
		return fmt.Errorf("extractionQueueSize must be positive, got %d", c.ExtractionQueueSize)
	}
	if c.EmbedTimeoutMs <= 0 {
		return fmt.Errorf("embedTimeoutMs must be positive, got %d", c.EmbedTimeoutMs)
	}
	return nil
}

// WorkingTTL returns the working memory TTL as a duration.
func (c *Config) WorkingTTL() time.Duration {
	return time.Duration(c.WorkingTTLSeconds) * time.Second
}

// ConsolidationInterval returns the scheduler period as a duration.
func (c *Config) ConsolidationInterval() time.Duration {
	return time.Duration(c.ConsolidationIntervalSeconds) * time.Second
}

// RecallTimeout returns the recall deadline as a duration.
func (c *Config) RecallTimeout() time.Duration {
	return time.Duration(c.RecallTimeoutMs) * time.Millisecond
}

// ExtractionTimeout returns the per-extraction deadline as a duration.
func (c *Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.ExtractionTimeoutMs) * time.Millisecond
}

// EmbedTimeout returns the per-embedding deadline as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutMs) * time.Millisecond
}

// RetentionWindow returns the expiry retention window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowDays) * 24 * time.Hour
}

// RetryBackoff returns the backoff before attempt number retries+1,
// growing exponentially and capped at one hour.
func (c *Config) RetryBackoff(retries int) time.Duration {
	base := time.Duration(c.RetryBackoffSeconds) * time.Second
	if base <= 0 {
		base = time.Second
	}
	backoff := base << uint(retries)
	if backoff > time.Hour || backoff <= 0 {
		backoff = time.Hour
	}
	return backoff
}
