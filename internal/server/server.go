// ABOUTME: HTTP and WebSocket transport for the conversation engine.
// ABOUTME: REST reads, command dispatch over /ws, and engine event relay to viewers.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/backrooms-gateway/internal/engine"
	"github.com/2389/backrooms-gateway/internal/personality"
	"github.com/2389/backrooms-gateway/internal/ratelimit"
)

// Server exposes the engine over HTTP: REST reads under /api, the viewer
// protocol on /ws. It relays every engine event to all connected viewers.
type Server struct {
	addr     string
	eng      *engine.Engine
	registry *personality.Registry
	limiter  *ratelimit.Limiter
	events   *engine.Broadcaster
	hub      *Hub
	logger   *slog.Logger

	startTime  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates a server. The broadcaster must be the one the engine publishes
// to. Pass nil logger for default.
func New(addr string, eng *engine.Engine, registry *personality.Registry, limiter *ratelimit.Limiter, events *engine.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		eng:       eng,
		registry:  registry,
		limiter:   limiter,
		events:    events,
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.hub = NewHub(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/personalities", s.handlePersonalities)
	mux.HandleFunc("GET /api/conversations", s.handleConversations)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversation)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the hub, the event relay, and the HTTP server, then blocks
// until ctx is cancelled. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(runCtx)
	go s.relayEvents(runCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// relayEvents subscribes to the engine broadcaster and forwards each event
// to every connected viewer.
func (s *Server) relayEvents(ctx context.Context) {
	ch, _ := s.events.Subscribe(ctx)
	for ev := range ch {
		env := newEnvelope("")
		env.ConversationID = ev.ConversationID
		switch ev.Type {
		case engine.EventNewMessage:
			env.Type = TypeNewMessage
			env.Message = ev.Message
		case engine.EventConversationError:
			env.Type = TypeConversationError
			env.Error = ev.Error
		default:
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
			s.hub.Broadcast(env)
		}
	}
}

func (s *Server) handlePersonalities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.ActiveConversations())
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.eng.Get(id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type healthResponse struct {
	Status               string `json:"status"`
	Uptime               string `json:"uptime"`
	WebsocketConnections int    `json:"websocketConnections"`
	ActiveConversations  int    `json:"activeConversations"`
	GlobalAPICallCount   int    `json:"globalApiCallCount"`
	GlobalAPILimit       int    `json:"globalApiLimit"`
	LimitDate            string `json:"limitDate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	count, limit, date := s.limiter.Snapshot()
	up := time.Since(s.startTime)

	writeJSON(w, http.StatusOK, healthResponse{
		Status:               "OK",
		Uptime:               fmt.Sprintf("%d minutes, %d seconds", int(up.Minutes()), int(up.Seconds())%60),
		WebsocketConnections: s.hub.ConnectionCount(),
		ActiveConversations:  s.eng.ActiveCount(),
		GlobalAPICallCount:   count,
		GlobalAPILimit:       limit,
		LimitDate:            date,
	})
}

// handleWS upgrades the connection, sends the INIT snapshot, and starts the
// client's pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.New().String(), s.hub, conn, s.logger)
	s.hub.Register(client)

	init := newEnvelope(TypeInit)
	init.ClientID = client.ID()
	init.Personalities = s.registry.List()
	init.Conversations = s.eng.ActiveConversations()
	client.SendJSON(init)

	go client.writePump()
	go client.readPump(s.handleCommand)
}

// handleCommand dispatches one inbound viewer frame. Command failures go
// back to the sending client only; successful results broadcast to everyone.
func (s *Server) handleCommand(client *Client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		client.SendJSON(errorEnvelope("invalid message format"))
		return
	}

	s.logger.Debug("command received", "client_id", client.ID(), "type", cmd.Type)

	switch cmd.Type {
	case TypeStartConversation:
		var payload startPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			client.SendJSON(errorEnvelope("invalid message format"))
			return
		}
		summary, err := s.eng.Start(payload.Personalities, payload.InitialPrompt)
		if err != nil {
			client.SendJSON(errorEnvelope(err.Error()))
			return
		}
		env := newEnvelope(TypeConversationStarted)
		env.Conversation = summary
		s.hub.Broadcast(env)

	case TypeStopConversation:
		var payload stopPayload
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			client.SendJSON(errorEnvelope("invalid message format"))
			return
		}
		result := s.eng.Stop(payload.ConversationID)
		env := newEnvelope(TypeConversationStopped)
		env.ConversationID = result.ID
		env.Status = result.Status
		s.hub.Broadcast(env)

	default:
		client.SendJSON(errorEnvelope(fmt.Sprintf("unknown message type: %s", cmd.Type)))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
