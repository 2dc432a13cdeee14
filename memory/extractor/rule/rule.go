// Package rule implements a deterministic, pattern-based fact/event
// extractor. It recognizes a small set of self-statements (names,
// preferences, explicit remember-this commands) without any model
// call, so it doubles as the offline fallback and the test extractor.
package rule

import (
	"context"
	"regexp"
	"strings"

	"github.com/atomiklabs/atom-memory/core"
	"github.com/atomiklabs/atom-memory/memory"
)

var (
	namePattern       = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z][\w'-]*)`)
	preferencePattern = regexp.MustCompile(`(?i)\bi\s+(?:really\s+)?(like|love|prefer|enjoy|hate)\s+(.{2,80})`)
	rememberPattern   = regexp.MustCompile(`(?i)^\s*remember\s+(?:that\s+)?(.+)$`)
)

// Extractor produces event drafts from user turns via fixed patterns.
// Agent turns never produce drafts. It never fails.
type Extractor struct {
	// MinEventLength is the utterance length below which no generic
	// conversation event is emitted.
	MinEventLength int
}

// New creates a rule extractor with defaults.
func New() *Extractor {
	return &Extractor{MinEventLength: 40}
}

// ExtractFacts implements memory.Extractor.
func (e *Extractor) ExtractFacts(ctx context.Context, turn core.Turn) ([]memory.EventDraft, error) {
	if turn.Speaker != core.SpeakerUser {
		return nil, nil
	}
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return nil, nil
	}

	var drafts []memory.EventDraft

	if m := namePattern.FindStringSubmatch(text); m != nil {
		drafts = append(drafts, memory.EventDraft{
			Kind:       "identity",
			Content:    text,
			Importance: 0.9,
			Durable:    true,
			Fact: &memory.FactPayload{
				Subject:   "user",
				Predicate: "name",
				Value:     m[1],
			},
		})
	}

	if m := preferencePattern.FindStringSubmatch(text); m != nil {
		verb := strings.ToLower(m[1])
		value := strings.TrimRight(strings.TrimSpace(m[2]), ".!?")
		drafts = append(drafts, memory.EventDraft{
			Kind:       "preference",
			Content:    text,
			Importance: 0.7,
			// "prefer" states a standing preference; likes and
			// dislikes fade unless restated.
			Durable: verb == "prefer",
			Fact: &memory.FactPayload{
				Subject:   "user",
				Predicate: verb + "s",
				Value:     value,
			},
		})
	}

	if m := rememberPattern.FindStringSubmatch(text); m != nil {
		drafts = append(drafts, memory.EventDraft{
			Kind:       "note",
			Content:    strings.TrimSpace(m[1]),
			Importance: 0.9,
			Durable:    true,
		})
	}

	// Substantive utterances become ordinary decaying events even
	// when no pattern fired.
	if len(drafts) == 0 && len(text) >= e.MinEventLength {
		importance := 0.3 + float64(len(text))/1000
		if importance > 0.6 {
			importance = 0.6
		}
		drafts = append(drafts, memory.EventDraft{
			Kind:       "statement",
			Content:    text,
			Importance: importance,
		})
	}

	return drafts, nil
}
