// ABOUTME: One WebSocket viewer connection with its read and write pumps.
// ABOUTME: Writes flow through a buffered send channel; slow clients drop frames.

package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1MB

	clientSendBuffer = 256
)

// Client is one connected viewer. The hub owns registration; the server owns
// command dispatch.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func newClient(id string, hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		logger: logger.With("client_id", id),
	}
}

// ID returns the connection's assigned client id.
func (c *Client) ID() string { return c.id }

// SendJSON queues a frame for this client only. Non-blocking: the frame is
// dropped when the send buffer is full.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal error", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// readPump reads client commands until the connection drops, dispatching
// each frame to the handler. It unregisters the client on exit.
func (c *Client) readPump(handle func(*Client, []byte)) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("client disconnected", "error", err)
			}
			return
		}
		handle(c, message)
	}
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
