package core

import "time"

// Speaker identifies which side of the conversation produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is a single conversational exchange unit as delivered by the
// voice loop. The memory system treats it as immutable input.
type Turn struct {
	// ID uniquely identifies the turn. Optional; the memory manager
	// assigns one if empty.
	ID string

	// Speaker is who said it.
	Speaker Speaker

	// Text is the transcribed utterance.
	Text string

	// Timestamp is when the turn occurred (UTC).
	Timestamp time.Time
}
