// ABOUTME: Conversation engine: creates, advances, and terminates autonomous conversations.
// ABOUTME: One self-rescheduling turn loop per conversation, single-flight, jittered delays.

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/backrooms-gateway/internal/llm"
	"github.com/2389/backrooms-gateway/internal/personality"
)

// ErrValidation indicates a start request that could not be accepted: too
// few participants or an unresolvable personality id. No conversation state
// is created when Start fails.
var ErrValidation = errors.New("invalid start request")

// ErrNotFound indicates a direct lookup of an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// defaultOpener seeds the conversation when no initial prompt is supplied.
const defaultOpener = "Begin the conversation."

// recentMessageWindow is the message count carried by active-conversation
// summaries.
const recentMessageWindow = 10

// Generator produces one whole completion for a message history. The llm
// package provides the production implementation; tests inject fakes.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message, params llm.Params) (*llm.Result, error)
}

// CallLimiter is the process-wide daily budget shared by all turn loops.
type CallLimiter interface {
	CheckAndIncrement() bool
}

// Options tunes engine behavior. Zero values fall back to the defaults
// matching the original deployment: turn limit 100, delay window [2s, 5s).
type Options struct {
	TurnLimit    int
	MinTurnDelay time.Duration
	MaxTurnDelay time.Duration
}

// Engine owns all conversation records and drives their turn loops. Each
// conversation advances via a delayed continuation (time.AfterFunc keyed by
// conversation id), so at most one turn per conversation is ever in flight.
type Engine struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	timers        map[string]*time.Timer

	registry  *personality.Registry
	generator Generator
	limiter   CallLimiter
	events    *Broadcaster
	logger    *slog.Logger

	turnLimit int
	minDelay  time.Duration
	maxDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine. The broadcaster may be shared with transports that
// subscribe before or after conversations start.
func New(registry *personality.Registry, generator Generator, limiter CallLimiter, events *Broadcaster, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TurnLimit <= 0 {
		opts.TurnLimit = 100
	}
	if opts.MinTurnDelay <= 0 {
		opts.MinTurnDelay = 2 * time.Second
	}
	if opts.MaxTurnDelay <= opts.MinTurnDelay {
		opts.MaxTurnDelay = opts.MinTurnDelay + 3*time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conversations: make(map[string]*Conversation),
		timers:        make(map[string]*time.Timer),
		registry:      registry,
		generator:     generator,
		limiter:       limiter,
		events:        events,
		logger:        logger.With("component", "engine"),
		turnLimit:     opts.TurnLimit,
		minDelay:      opts.MinTurnDelay,
		maxDelay:      opts.MaxTurnDelay,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start validates the request, creates the conversation record, kicks off
// its turn loop, and returns a summary of the just-created state. The first
// generated message arrives later via the event channel; Start never waits
// for it.
//
// All personality ids are resolved before any state is created: an unknown
// id aborts the whole request and the error names it.
func (e *Engine) Start(personalityIDs []string, initialPrompt string) (*Summary, error) {
	if len(personalityIDs) < 2 {
		return nil, fmt.Errorf("%w: at least 2 personalities are required, got %d", ErrValidation, len(personalityIDs))
	}

	participants := make([]personality.Personality, 0, len(personalityIDs))
	for _, id := range personalityIDs {
		p, err := e.registry.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		participants = append(participants, p)
	}

	now := time.Now()
	conv := &Conversation{
		ID:           uuid.New().String(),
		Participants: participants,
		StartTime:    now,
		Active:       true,
		TurnLimit:    e.turnLimit,
	}

	// Seed the record: one system message per participant, in participant
	// order, then the opener.
	for _, p := range participants {
		conv.Messages = append(conv.Messages, Message{
			Role:          RoleSystem,
			Content:       p.SystemPrompt,
			Timestamp:     now,
			PersonalityID: p.ID,
			Name:          p.Name,
		})
	}
	if prompt := strings.TrimSpace(initialPrompt); prompt != "" {
		conv.Messages = append(conv.Messages, Message{
			Role:      RoleUser,
			Content:   prompt,
			Timestamp: now,
			Name:      "Initiator",
		})
	} else {
		conv.Messages = append(conv.Messages, Message{
			Role:      RoleUser,
			Content:   defaultOpener,
			Timestamp: now,
			Name:      "System",
		})
	}

	e.mu.Lock()
	e.conversations[conv.ID] = conv
	summary := conv.summary(0)
	e.mu.Unlock()

	e.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"participants", personalityIDs)

	// The loop runs in the background; the caller gets the summary now.
	go e.runTurn(conv.ID)

	return &summary, nil
}

// Stop deactivates a conversation and cancels its pending turn. Stopping an
// unknown id returns not_found; stopping twice returns stopped both times.
// A turn already in flight finishes and appends its message, but observes
// the inactive flag before scheduling another.
func (e *Engine) Stop(id string) StopResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, ok := e.conversations[id]
	if !ok {
		return StopResult{ID: id, Status: StatusNotFound}
	}

	conv.Active = false
	e.cancelTimerLocked(id)

	e.logger.Info("conversation stopped", "conversation_id", id)
	return StopResult{ID: id, Status: StatusStopped}
}

// Get returns a full summary of one conversation, or ErrNotFound.
func (e *Engine) Get(id string) (*Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, ok := e.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s := conv.summary(0)
	return &s, nil
}

// ActiveConversations returns summaries of active conversations only, each
// carrying the most recent messages. Snapshot order is stable: sorted by
// start time.
func (e *Engine) ActiveConversations() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Summary, 0, len(e.conversations))
	for _, conv := range e.conversations {
		if conv.Active {
			out = append(out, conv.summary(recentMessageWindow))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ListConversations returns metadata for every conversation, active or not,
// sorted by start time.
func (e *Engine) ListConversations() []Overview {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Overview, 0, len(e.conversations))
	for _, conv := range e.conversations {
		out = append(out, conv.overview())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveCount reports how many conversations are currently active.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, conv := range e.conversations {
		if conv.Active {
			n++
		}
	}
	return n
}

// Close cancels all pending turns and in-flight provider calls. Records are
// kept; they only disappear with the process.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.timers {
		e.cancelTimerLocked(id)
	}
}

// runTurn advances one conversation by a single turn. It is invoked by
// Start (first turn) and by the timer scheduled at the end of the previous
// turn, never concurrently for the same conversation.
func (e *Engine) runTurn(id string) {
	e.mu.Lock()
	conv, ok := e.conversations[id]
	if !ok || !conv.Active {
		e.mu.Unlock()
		return
	}

	if conv.APICallCount >= conv.TurnLimit {
		conv.Active = false
		e.cancelTimerLocked(id)
		e.mu.Unlock()

		e.logger.Info("turn limit reached", "conversation_id", id, "turn_limit", conv.TurnLimit)
		e.events.Publish(Event{
			Type:           EventConversationError,
			ConversationID: id,
			Error:          "turn limit reached",
		})
		return
	}

	if !e.limiter.CheckAndIncrement() {
		// Stall: the conversation stays active but is not rescheduled.
		// Nothing resumes it automatically, not even the daily reset.
		e.mu.Unlock()

		e.logger.Warn("global api limit reached, conversation stalled", "conversation_id", id)
		e.events.Publish(Event{
			Type:           EventConversationError,
			ConversationID: id,
			Error:          "global API limit reached, conversation stalled until limit resets",
		})
		return
	}

	speaker := conv.Participants[conv.NextSpeakerIndex]
	history := providerHistory(conv.Messages, speaker)
	params := llm.Params{
		Model:            speaker.Model,
		Temperature:      speaker.Temperature,
		MaxTokens:        speaker.MaxTokens,
		FrequencyPenalty: speaker.FrequencyPenalty,
		PresencePenalty:  speaker.PresencePenalty,
	}
	e.mu.Unlock()

	e.logger.Debug("taking turn",
		"conversation_id", id,
		"speaker", speaker.ID,
		"model", speaker.Model)

	// The provider call is the only suspension point; the lock is not held
	// across it so other conversations keep advancing.
	res, err := e.generator.Generate(e.ctx, history, params)

	e.mu.Lock()
	conv, ok = e.conversations[id]
	if !ok {
		e.mu.Unlock()
		return
	}

	if err != nil {
		conv.Active = false
		e.cancelTimerLocked(id)
		e.mu.Unlock()

		e.logger.Error("turn failed", "conversation_id", id, "speaker", speaker.ID, "error", err)
		e.events.Publish(Event{
			Type:           EventConversationError,
			ConversationID: id,
			Error:          err.Error(),
		})
		return
	}

	conv.APICallCount++
	if res.Usage.TotalTokens > 0 {
		conv.TotalTokens += res.Usage.TotalTokens
	}

	usage := res.Usage
	msg := Message{
		Role:          RoleAssistant,
		Content:       res.Content,
		Timestamp:     time.Now(),
		PersonalityID: speaker.ID,
		Name:          speaker.Name,
		Usage:         &usage,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.NextSpeakerIndex = (conv.NextSpeakerIndex + 1) % len(conv.Participants)

	// A stop that landed during the provider call lets this turn's message
	// stand, but no further turn is scheduled.
	if conv.Active {
		e.scheduleLocked(id)
	}
	e.mu.Unlock()

	e.events.Publish(Event{
		Type:           EventNewMessage,
		ConversationID: id,
		Message:        &msg,
		Timestamp:      msg.Timestamp,
	})
}

// scheduleLocked arms the next turn after a uniformly jittered delay,
// replacing any previously pending schedule. Must be called with mu held.
func (e *Engine) scheduleLocked(id string) {
	e.cancelTimerLocked(id)

	delay := e.minDelay + time.Duration(rand.Int64N(int64(e.maxDelay-e.minDelay)))
	e.timers[id] = time.AfterFunc(delay, func() { e.runTurn(id) })
}

// cancelTimerLocked stops and forgets the pending turn timer, if any.
// Must be called with mu held.
func (e *Engine) cancelTimerLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// providerHistory builds the provider-facing message list for the given
// speaker: a single system message holding the speaker's own prompt,
// followed by every non-system message from the record. The seeded system
// messages never travel; each turn gets its speaker's perspective instead.
func providerHistory(messages []Message, speaker personality.Personality) []llm.Message {
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{Role: RoleSystem, Content: speaker.SystemPrompt})
	for _, m := range messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return out
}
