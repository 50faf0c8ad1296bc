package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"nhooyr.io/websocket"

	"github.com/carouselsh/carousel/internal/protocol"
)

// messageWriter is the outbound half of a client connection. The dispatcher
// and the manager callbacks write through this seam; tests substitute a
// capturing implementation.
type messageWriter interface {
	// WriteMessage marshals v and sends it as one text frame.
	WriteMessage(v any) error
	// CloseWithStatus sends a close frame. Safe to call more than once.
	CloseWithStatus(code websocket.StatusCode, reason string)
}

// wsWriter wraps a live WebSocket. Safe for concurrent use: manager
// trampolines and the receive loop both send through it.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context

	mu     sync.Mutex
	closed bool
}

func newWSWriter(ctx context.Context, conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn, ctx: ctx}
}

func (w *wsWriter) WriteMessage(v any) error {
	// Terminal data passes through verbatim, so keep HTML characters
	// unescaped.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.conn.Write(w.ctx, websocket.MessageText, payload)
}

func (w *wsWriter) CloseWithStatus(code websocket.StatusCode, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.conn.Close(code, reason)
}

// client is one connected WebSocket peer: its identity, its outbound
// writer, and the session its terminal is currently bound to.
type client struct {
	id  string
	w   messageWriter
	log *slog.Logger

	mu           sync.Mutex
	boundSession string
}

func newClient(id string, w messageWriter, log *slog.Logger) *client {
	return &client{id: id, w: w, log: log}
}

func (c *client) bind(sessionID string) {
	c.mu.Lock()
	c.boundSession = sessionID
	c.mu.Unlock()
}

func (c *client) boundTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundSession
}

// send pushes one server message; failures are logged, never propagated.
// Sends on a closed connection are no-ops.
func (c *client) send(v any) {
	if err := c.w.WriteMessage(v); err != nil {
		c.log.Debug("send failed", "clientId", c.id, "err", err)
	}
}

func (c *client) sendError(opErr *protocol.OpError) {
	c.send(protocol.NewError(opErr))
}

// handleOutput is the manager's per-client output callback: term.out is
// forwarded only while this connection is bound to the emitting session.
func (c *client) handleOutput(sessionID, data string) {
	if c.boundTo() != sessionID {
		return
	}
	c.send(protocol.NewTermOut(sessionID, data))
}

// handleExit pushes session.exited under the same binding guard.
func (c *client) handleExit(sessionID string, exitCode *int) {
	if c.boundTo() != sessionID {
		return
	}
	c.send(protocol.NewSessionExited(sessionID, exitCode))
}
