// Package engine drives autonomous turn-based conversations between
// configured AI personalities.
//
// # Overview
//
// The Engine owns every conversation record and advances each one with a
// self-rescheduling turn loop: check budgets, build the speaker's view of
// the history, call the generation provider, append the result, emit an
// event, and arm a jittered timer for the next turn. Only one turn per
// conversation is ever in flight; independent conversations progress
// concurrently.
//
// # Commands
//
//   - Start(ids, prompt): validate, seed the record, begin the loop
//   - Stop(id): deactivate and cancel the pending turn
//
// # Queries
//
//   - ActiveConversations(): active summaries with a recent-message window
//   - ListConversations(): metadata for everything, active or not
//   - Get(id): one full summary, ErrNotFound when absent
//
// # Failure semantics
//
// Start fails synchronously with ErrValidation. Everything that goes wrong
// inside the loop is emitted as an EventConversationError and never thrown
// back to anyone: reaching the turn limit or a provider failure deactivates
// the conversation (terminal); a global-limit denial leaves it active but
// unscheduled — stalled until something external invokes the loop again.
package engine
