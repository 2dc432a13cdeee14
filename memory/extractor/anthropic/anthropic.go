// Package anthropic implements the fact/event extractor on the Claude
// Messages API. The model reads one conversation turn and emits zero
// or more event drafts as JSON; anything that fails (transport,
// timeout, malformed output) yields an empty result so the caller's
// turn handling is never disturbed.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/atomiklabs/atom-memory/core"
	"github.com/atomiklabs/atom-memory/memory"
)

const systemPrompt = `You extract memorable information from one turn of a voice conversation.

Given the turn, emit a JSON array of events worth remembering. Each event:
{
  "kind": "identity" | "preference" | "plan" | "relationship" | "statement",
  "content": "<one-sentence event description>",
  "importance": <0.0-1.0, how significant this is long-term>,
  "durable": <true only for explicit standing preferences or instructions to remember>,
  "participants": ["<who is involved>"],
  "fact": {"subject": "...", "predicate": "...", "value": "..."}  // only when the turn states a fact outright
}

Emit [] when the turn contains nothing worth remembering (greetings, fillers, acknowledgements).
Respond with the JSON array only, no prose.`

// Extractor calls Claude to draft events for a turn.
type Extractor struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// Option configures the extractor.
type Option func(*Extractor)

// WithModel overrides the Claude model used.
func WithModel(model anthropic.Model) Option {
	return func(e *Extractor) {
		e.model = model
	}
}

// New creates an extractor using the given Anthropic client.
func New(client *anthropic.Client, opts ...Option) *Extractor {
	e := &Extractor{
		client:    client,
		model:     anthropic.Model("claude-3-5-haiku-latest"),
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// draftJSON is the wire schema the model is asked to produce.
type draftJSON struct {
	Kind         string   `json:"kind"`
	Content      string   `json:"content"`
	Importance   float64  `json:"importance"`
	Durable      bool     `json:"durable"`
	Participants []string `json:"participants"`
	Fact         *struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Value     string `json:"value"`
	} `json:"fact"`
}

// ExtractFacts implements memory.Extractor.
func (e *Extractor) ExtractFacts(ctx context.Context, turn core.Turn) ([]memory.EventDraft, error) {
	prompt := fmt.Sprintf("Speaker: %s\nTime: %s\nText: %s",
		turn.Speaker, turn.Timestamp.UTC().Format("2006-01-02 15:04:05"), turn.Text)

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("extract turn %s: %w", turn.ID, memory.ErrExtractionTimeout)
		}
		return nil, fmt.Errorf("extract turn %s: %w", turn.ID, err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	parsed, err := parseDrafts(text)
	if err != nil {
		return nil, fmt.Errorf("extract turn %s: %w", turn.ID, err)
	}
	return parsed, nil
}

// parseDrafts pulls the JSON array out of the model response and maps
// it onto event drafts.
func parseDrafts(text string) ([]memory.EventDraft, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var raw []draftJSON
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse drafts: %w", err)
	}

	drafts := make([]memory.EventDraft, 0, len(raw))
	for _, d := range raw {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		draft := memory.EventDraft{
			Kind:         d.Kind,
			Content:      d.Content,
			Participants: d.Participants,
			Importance:   d.Importance,
			Durable:      d.Durable,
		}
		if draft.Importance < 0 {
			draft.Importance = 0
		}
		if draft.Importance > 1 {
			draft.Importance = 1
		}
		if d.Fact != nil && d.Fact.Subject != "" && d.Fact.Predicate != "" {
			draft.Fact = &memory.FactPayload{
				Subject:   d.Fact.Subject,
				Predicate: d.Fact.Predicate,
				Value:     d.Fact.Value,
			}
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}
