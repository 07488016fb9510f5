// Package server is the HTTP and WebSocket transport in front of the
// conversation engine.
//
// REST endpoints under /api expose read-only views: the personality list,
// active conversation summaries, single-conversation lookup, and a health
// snapshot. All mutation happens over the /ws viewer protocol: clients send
// START_CONVERSATION and STOP_CONVERSATION commands and receive broadcast
// envelopes (CONVERSATION_STARTED, CONVERSATION_STOPPED, NEW_MESSAGE,
// CONVERSATION_ERROR). On connect each client gets an INIT envelope with its
// assigned id plus the current personality and conversation state.
//
// The server subscribes to the engine's event broadcaster and relays every
// event to all connected viewers. Delivery is best effort: a client that
// cannot keep up has frames dropped rather than slowing anyone else down.
package server
