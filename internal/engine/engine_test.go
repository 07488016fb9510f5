// ABOUTME: Tests for the conversation engine turn loop and its commands.
// ABOUTME: Covers validation, seeding, turn-taking, limits, stalls, stop semantics, and immutability.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/backrooms-gateway/internal/llm"
	"github.com/2389/backrooms-gateway/internal/personality"
)

// fakeGenerator returns canned completions and records what it was asked.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     int
	histories [][]llm.Message
	params    []llm.Params
	err       error
}

func (g *fakeGenerator) Generate(_ context.Context, messages []llm.Message, params llm.Params) (*llm.Result, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.histories = append(g.histories, messages)
	g.params = append(g.params, params)
	err := g.err
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &llm.Result{
		Content:      fmt.Sprintf("reply %d", n),
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// allowAll never denies a call.
type allowAll struct{}

func (allowAll) CheckAndIncrement() bool { return true }

// denyAll always denies.
type denyAll struct{}

func (denyAll) CheckAndIncrement() bool { return false }

// budget permits a fixed number of calls, like the daily limiter mid-day.
type budget struct {
	mu        sync.Mutex
	remaining int
}

func (b *budget) CheckAndIncrement() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

func testRegistry(t *testing.T) *personality.Registry {
	t.Helper()
	r, err := personality.Load("")
	require.NoError(t, err)
	return r
}

// newTestEngine wires an engine with millisecond delays and a subscribed
// event channel.
func newTestEngine(t *testing.T, gen Generator, limiter CallLimiter, opts Options) (*Engine, <-chan Event) {
	t.Helper()
	if opts.MinTurnDelay == 0 {
		opts.MinTurnDelay = time.Millisecond
	}
	if opts.MaxTurnDelay == 0 {
		opts.MaxTurnDelay = 2 * time.Millisecond
	}

	b := NewBroadcaster(nil)
	e := New(testRegistry(t), gen, limiter, b, nil, opts)
	t.Cleanup(func() {
		e.Close()
		b.Close()
	})

	ch, _ := b.Subscribe(t.Context())
	return e, ch
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		require.Equal(t, want, ev.Type, "unexpected event: %+v", ev)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

// record fetches the raw conversation under the engine lock.
func record(e *Engine, id string) *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversations[id]
}

func TestStart_RequiresTwoParticipants(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGenerator{}, allowAll{}, Options{})

	_, err := e.Start([]string{"gpt4_sydney"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Start(nil, "")
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, e.ListConversations(), "no record may exist after a failed start")
}

func TestStart_UnknownPersonalityAbortsBeforeAnyState(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGenerator{}, allowAll{}, Options{})

	_, err := e.Start([]string{"gpt4_sydney", "no_such_persona"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "no_such_persona", "error must name the unresolvable id")

	assert.Empty(t, e.ListConversations())
}

func TestStart_SeedsSystemPromptsAndDefaultOpener(t *testing.T) {
	// Denied limiter: the first turn stalls without touching the record.
	e, ch := newTestEngine(t, &fakeGenerator{}, denyAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)
	waitEvent(t, ch, EventConversationError)

	conv := record(e, summary.ID)
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 3, "system(A), system(B), user(opener)")

	assert.Equal(t, RoleSystem, conv.Messages[0].Role)
	assert.Equal(t, "gpt4_sydney", conv.Messages[0].PersonalityID)
	assert.Equal(t, RoleSystem, conv.Messages[1].Role)
	assert.Equal(t, "gpt4_rational", conv.Messages[1].PersonalityID)
	assert.Equal(t, RoleUser, conv.Messages[2].Role)
	assert.Equal(t, "Begin the conversation.", conv.Messages[2].Content)
	assert.Equal(t, 0, conv.NextSpeakerIndex)

	// The returned summary hides system messages.
	require.Len(t, summary.Messages, 1)
	assert.Equal(t, RoleUser, summary.Messages[0].Role)
}

func TestStart_SeedsTrimmedInitialPrompt(t *testing.T) {
	e, ch := newTestEngine(t, &fakeGenerator{}, denyAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "  hello  ")
	require.NoError(t, err)
	waitEvent(t, ch, EventConversationError)

	conv := record(e, summary.ID)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "hello", conv.Messages[2].Content)
	assert.Equal(t, "Initiator", conv.Messages[2].Name)
}

func TestStart_BlankPromptFallsBackToOpener(t *testing.T) {
	e, ch := newTestEngine(t, &fakeGenerator{}, denyAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "   \n\t ")
	require.NoError(t, err)
	waitEvent(t, ch, EventConversationError)

	conv := record(e, summary.ID)
	assert.Equal(t, "Begin the conversation.", conv.Messages[2].Content)
	assert.Equal(t, "System", conv.Messages[2].Name)
}

func TestTurns_AdvanceSpeakerAndCounters(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, &budget{remaining: 3}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	// Three granted turns, then the budget denies and the loop stalls.
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, ch, EventNewMessage)
		require.NotNil(t, ev.Message)
		assert.Equal(t, summary.ID, ev.ConversationID)
	}
	stall := waitEvent(t, ch, EventConversationError)
	assert.Contains(t, stall.Error, "global API limit")

	conv := record(e, summary.ID)
	assert.Equal(t, 3, conv.APICallCount)
	assert.Equal(t, 3%2, conv.NextSpeakerIndex, "speaker index is turn count mod participants")
	assert.Equal(t, 45, conv.TotalTokens, "three turns at 15 total tokens each")
	assert.True(t, conv.Active, "a stalled conversation stays active")

	// Speakers rotated in participant order.
	visible := conv.visibleMessages(0)
	require.Len(t, visible, 4) // opener + 3 replies
	assert.Equal(t, "gpt4_sydney", visible[1].PersonalityID)
	assert.Equal(t, "gpt4_rational", visible[2].PersonalityID)
	assert.Equal(t, "gpt4_sydney", visible[3].PersonalityID)
}

func TestTurns_ProviderSeesSpeakerPromptFirst(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, &budget{remaining: 2}, Options{})

	_, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	waitEvent(t, ch, EventNewMessage)
	waitEvent(t, ch, EventNewMessage)
	waitEvent(t, ch, EventConversationError)

	reg := testRegistry(t)
	sydney, _ := reg.Get("gpt4_sydney")
	rational, _ := reg.Get("gpt4_rational")

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Len(t, gen.histories, 2)

	// First turn: Sydney's prompt, then the opener.
	first := gen.histories[0]
	require.Len(t, first, 2)
	assert.Equal(t, RoleSystem, first[0].Role)
	assert.Equal(t, sydney.SystemPrompt, first[0].Content)
	assert.Equal(t, RoleUser, first[1].Role)

	// Second turn: Rational's prompt, then opener and Sydney's reply.
	// The seeded system prompts never appear in provider history.
	second := gen.histories[1]
	require.Len(t, second, 3)
	assert.Equal(t, rational.SystemPrompt, second[0].Content)
	assert.Equal(t, RoleAssistant, second[2].Role)

	// Generation parameters come from the speaking personality.
	assert.Equal(t, sydney.Model, gen.params[0].Model)
	assert.Equal(t, sydney.MaxTokens, gen.params[0].MaxTokens)
	assert.Equal(t, rational.Model, gen.params[1].Model)
}

func TestTurnLimit_TerminatesWithSingleErrorEvent(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, allowAll{}, Options{TurnLimit: 2})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	waitEvent(t, ch, EventNewMessage)
	waitEvent(t, ch, EventNewMessage)
	ev := waitEvent(t, ch, EventConversationError)
	assert.Contains(t, ev.Error, "turn limit")

	conv := record(e, summary.ID)
	assert.False(t, conv.Active)
	assert.Equal(t, 2, conv.APICallCount)

	// Nothing further: no retries, no more messages.
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event after termination: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, gen.callCount())
}

func TestProviderFailure_TerminatesConversation(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("provider error: status 500")}
	e, ch := newTestEngine(t, gen, allowAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	ev := waitEvent(t, ch, EventConversationError)
	assert.Contains(t, ev.Error, "provider error")

	conv := record(e, summary.ID)
	assert.False(t, conv.Active, "provider failure is terminal")
	assert.Equal(t, 0, conv.APICallCount)
	assert.Empty(t, conv.visibleMessages(0)[1:], "no assistant message was appended")
}

func TestStop_UnknownIDIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGenerator{}, allowAll{}, Options{})

	res := e.Stop("no-such-conversation")
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, "no-such-conversation", res.ID)
}

func TestStop_IsIdempotent(t *testing.T) {
	e, ch := newTestEngine(t, &fakeGenerator{}, denyAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)
	waitEvent(t, ch, EventConversationError)

	first := e.Stop(summary.ID)
	assert.Equal(t, StatusStopped, first.Status)

	second := e.Stop(summary.ID)
	assert.Equal(t, StatusStopped, second.Status)
}

func TestStop_CancelsPendingTurn(t *testing.T) {
	gen := &fakeGenerator{}
	// Wide delay window so the pending timer is predictably still armed
	// when Stop runs.
	e, ch := newTestEngine(t, gen, allowAll{}, Options{
		MinTurnDelay: 100 * time.Millisecond,
		MaxTurnDelay: 150 * time.Millisecond,
	})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	waitEvent(t, ch, EventNewMessage)
	res := e.Stop(summary.ID)
	require.Equal(t, StatusStopped, res.Status)

	// Well past the delay window: no further turn may have run.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, gen.callCount())

	conv := record(e, summary.ID)
	assert.False(t, conv.Active)
	assert.Equal(t, 1, conv.APICallCount)
}

func TestStall_EmitsExplanationAndStaysListed(t *testing.T) {
	e, ch := newTestEngine(t, &fakeGenerator{}, denyAll{}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	ev := waitEvent(t, ch, EventConversationError)
	assert.Contains(t, ev.Error, "stalled")
	assert.Equal(t, summary.ID, ev.ConversationID)

	active := e.ActiveConversations()
	require.Len(t, active, 1)
	assert.Equal(t, summary.ID, active[0].ID)
	assert.True(t, active[0].Active)
}

func TestGet_NotFound(t *testing.T) {
	e, _ := newTestEngine(t, &fakeGenerator{}, allowAll{}, Options{})

	_, err := e.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessages_NeverMutateAcrossReads(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, &budget{remaining: 2}, Options{})

	summary, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "say something")
	require.NoError(t, err)

	waitEvent(t, ch, EventNewMessage)
	waitEvent(t, ch, EventNewMessage)
	waitEvent(t, ch, EventConversationError)

	first, err := e.Get(summary.ID)
	require.NoError(t, err)

	// Tamper with the returned snapshot; the record must be unaffected.
	first.Messages[0].Content = "tampered"

	second, err := e.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "say something", second.Messages[0].Content)

	third, err := e.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Messages, third.Messages, "repeated reads are byte-identical")
}

func TestActiveConversations_WindowAndOrdering(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, &budget{remaining: 12}, Options{})

	first, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)

	// Drain until the budget runs dry: 12 messages then a stall.
	for i := 0; i < 12; i++ {
		waitEvent(t, ch, EventNewMessage)
	}
	waitEvent(t, ch, EventConversationError)

	second, err := e.Start([]string{"gpt4turbo_creative", "gpt35turbo_skeptical"}, "")
	require.NoError(t, err)
	waitEvent(t, ch, EventConversationError) // immediate stall, budget is spent

	active := e.ActiveConversations()
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID, "snapshot order is by start time")
	assert.Equal(t, second.ID, active[1].ID)

	assert.Len(t, active[0].Messages, 10, "summaries carry at most the 10 most recent messages")
	assert.Equal(t, 12, active[0].APICallCount)

	all := e.ListConversations()
	require.Len(t, all, 2)
	assert.Equal(t, 13, all[0].MessageCount, "opener plus twelve replies")
}

func TestConversations_ProgressIndependently(t *testing.T) {
	gen := &fakeGenerator{}
	e, ch := newTestEngine(t, gen, allowAll{}, Options{TurnLimit: 3})

	a, err := e.Start([]string{"gpt4_sydney", "gpt4_rational"}, "")
	require.NoError(t, err)
	b, err := e.Start([]string{"gpt4turbo_creative", "gpt35turbo_skeptical"}, "")
	require.NoError(t, err)

	seen := map[string]int{}
	deadline := time.After(5 * time.Second)
	// 3 messages + 1 turn-limit error per conversation.
	for received := 0; received < 8; received++ {
		select {
		case ev := <-ch:
			seen[ev.ConversationID]++
		case <-deadline:
			t.Fatalf("timed out, events so far: %v", seen)
		}
	}

	assert.Equal(t, 4, seen[a.ID])
	assert.Equal(t, 4, seen[b.ID])
	assert.Equal(t, 0, e.ActiveCount())
}
