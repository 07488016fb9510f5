// ABOUTME: Connection hub: tracks viewer clients and fans envelopes out to all of them.
// ABOUTME: Registration and broadcast are serialized through the run loop.

package server

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Hub owns the set of connected clients. All membership changes and
// broadcasts go through Run's loop, so no locking is needed on the set.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Envelope

	connections atomic.Int64
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Envelope, 64),
		logger:     logger.With("component", "hub"),
	}
}

// Run processes registration and broadcast until ctx is cancelled, then
// closes every client's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.connections.Store(int64(len(h.clients)))
			h.logger.Info("client connected", "client_id", client.ID())

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.connections.Store(int64(len(h.clients)))
				h.logger.Info("client disconnected", "client_id", client.ID())
			}

		case env := <-h.broadcast:
			for client := range h.clients {
				client.SendJSON(env)
			}

		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.connections.Store(0)
			return
		}
	}
}

// Register hands a new client to the run loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Broadcast queues an envelope for every connected client.
func (h *Hub) Broadcast(env Envelope) {
	h.broadcast <- env
}

// ConnectionCount reports the number of connected clients.
func (h *Hub) ConnectionCount() int {
	return int(h.connections.Load())
}
