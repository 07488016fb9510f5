// ABOUTME: Data model for one autonomous conversation and its read models.
// ABOUTME: Records are append-only; summaries are snapshots handed to transports.

package engine

import (
	"time"

	"github.com/2389/backrooms-gateway/internal/llm"
	"github.com/2389/backrooms-gateway/internal/personality"
)

// Message roles. System messages seed the record but are never sent to
// observers or included verbatim in provider history (the speaker's prompt
// is injected per turn instead).
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry in a conversation's history. Immutable once appended.
type Message struct {
	Role          string     `json:"role"`
	Content       string     `json:"content"`
	Timestamp     time.Time  `json:"timestamp"`
	PersonalityID string     `json:"personalityId,omitempty"`
	Name          string     `json:"name,omitempty"`
	Usage         *llm.Usage `json:"usage,omitempty"`
}

// Conversation is the engine-private state of one conversation. All access
// goes through the engine's lock; nothing outside the package sees it
// directly.
type Conversation struct {
	ID               string
	Participants     []personality.Personality
	Messages         []Message
	StartTime        time.Time
	Active           bool
	NextSpeakerIndex int
	APICallCount     int
	TotalTokens      int
	TurnLimit        int
}

// visibleMessages returns the non-system messages, newest last. A limit of
// zero or less means all of them.
func (c *Conversation) visibleMessages(limit int) []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (c *Conversation) participantSummaries() []personality.Summary {
	out := make([]personality.Summary, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, personality.Summary{ID: p.ID, Name: p.Name})
	}
	return out
}

// Summary is the transport-facing snapshot of one conversation, carrying a
// window of its non-system messages.
type Summary struct {
	ID               string                `json:"id"`
	StartTime        time.Time             `json:"startTime"`
	Active           bool                  `json:"active"`
	Personalities    []personality.Summary `json:"personalities"`
	Messages         []Message             `json:"messages"`
	NextSpeakerIndex int                   `json:"nextSpeakerIndex"`
	APICallCount     int                   `json:"apiCallCount"`
	TotalTokens      int                   `json:"totalTokens"`
}

// Overview is the metadata-only listing entry for all conversations,
// active or not.
type Overview struct {
	ID            string                `json:"id"`
	Personalities []personality.Summary `json:"personalities"`
	MessageCount  int                   `json:"messageCount"`
	StartTime     time.Time             `json:"startTime"`
	Active        bool                  `json:"active"`
	APICallCount  int                   `json:"apiCallCount"`
	TotalTokens   int                   `json:"totalTokens"`
}

// Stop statuses. Stopping an unknown conversation is a normal result, not
// an error.
const (
	StatusStopped  = "stopped"
	StatusNotFound = "not_found"
)

// StopResult reports the outcome of a stop request.
type StopResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// summary builds a Summary with the given message window. Must be called
// with the engine lock held.
func (c *Conversation) summary(messageLimit int) Summary {
	return Summary{
		ID:               c.ID,
		StartTime:        c.StartTime,
		Active:           c.Active,
		Personalities:    c.participantSummaries(),
		Messages:         c.visibleMessages(messageLimit),
		NextSpeakerIndex: c.NextSpeakerIndex,
		APICallCount:     c.APICallCount,
		TotalTokens:      c.TotalTokens,
	}
}

// overview builds the listing entry. Must be called with the engine lock held.
func (c *Conversation) overview() Overview {
	return Overview{
		ID:            c.ID,
		Personalities: c.participantSummaries(),
		MessageCount:  len(c.visibleMessages(0)),
		StartTime:     c.StartTime,
		Active:        c.Active,
		APICallCount:  c.APICallCount,
		TotalTokens:   c.TotalTokens,
	}
}
