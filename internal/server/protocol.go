// ABOUTME: WebSocket wire protocol: envelope types and command payloads.
// ABOUTME: One Envelope shape serves every outbound frame; commands arrive as type+data.

package server

import (
	"encoding/json"
	"time"

	"github.com/2389/backrooms-gateway/internal/engine"
	"github.com/2389/backrooms-gateway/internal/personality"
)

// Outbound envelope types.
const (
	TypeInit                = "INIT"
	TypeConversationStarted = "CONVERSATION_STARTED"
	TypeConversationStopped = "CONVERSATION_STOPPED"
	TypeNewMessage          = "NEW_MESSAGE"
	TypeConversationError   = "CONVERSATION_ERROR"
	TypeError               = "ERROR"
)

// Inbound command types.
const (
	TypeStartConversation = "START_CONVERSATION"
	TypeStopConversation  = "STOP_CONVERSATION"
)

// Envelope is the single outbound frame shape. Only the fields relevant to
// the envelope type are populated; the rest are omitted from the JSON.
type Envelope struct {
	Type           string                `json:"type"`
	ClientID       string                `json:"clientId,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
	Conversation   *engine.Summary       `json:"conversation,omitempty"`
	Conversations  []engine.Summary      `json:"conversations,omitempty"`
	Personalities  []personality.Summary `json:"personalities,omitempty"`
	Message        *engine.Message       `json:"message,omitempty"`
	Status         string                `json:"status,omitempty"`
	Error          string                `json:"error,omitempty"`
	Timestamp      time.Time             `json:"timestamp"`
}

func newEnvelope(envelopeType string) Envelope {
	return Envelope{Type: envelopeType, Timestamp: time.Now().UTC()}
}

func errorEnvelope(message string) Envelope {
	env := newEnvelope(TypeError)
	env.Error = message
	return env
}

// command is an inbound client frame. Data is decoded per command type.
type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type startPayload struct {
	Personalities []string `json:"personalities"`
	InitialPrompt string   `json:"initialPrompt"`
}

type stopPayload struct {
	ConversationID string `json:"conversationId"`
}
