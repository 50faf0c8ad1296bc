package server

import (
	"log/slog"

	"github.com/carouselsh/carousel/internal/protocol"
	"github.com/carouselsh/carousel/internal/session"
	"github.com/carouselsh/carousel/internal/store"
)

// dispatcher routes parsed client messages to their handlers. The match
// over message variants is exhaustive; a variant added to the protocol
// without a handler here fails loudly as INTERNAL_ERROR.
type dispatcher struct {
	mgr *session.Manager
	log *slog.Logger
}

func newDispatcher(mgr *session.Manager, log *slog.Logger) *dispatcher {
	return &dispatcher{mgr: mgr, log: log}
}

// dispatch runs one handler. A panicking handler is contained: the client
// gets INTERNAL_ERROR and the connection stays open.
func (d *dispatcher) dispatch(c *client, msg protocol.ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panicked", "clientId", c.id, "panic", r)
			c.sendError(protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs."))
		}
	}()

	switch m := msg.(type) {
	case protocol.SessionCreate:
		d.handleCreate(c)
	case protocol.SessionAttach:
		d.handleAttach(c, m)
	case protocol.SessionList:
		d.handleList(c)
	case protocol.SessionTerminate:
		d.handleTerminate(c, m)
	case protocol.SessionRename:
		d.handleRename(c, m)
	case protocol.TermIn:
		d.handleInput(c, m)
	case protocol.TermResize:
		d.handleResize(c, m)
	default:
		d.log.Error("no handler for message", "clientId", c.id)
		c.sendError(protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs."))
	}
}

func (d *dispatcher) handleCreate(c *client) {
	// The creating connection is attached and bound before the read pump
	// starts, so its first term.out cannot be dropped by the bind guard.
	sess, opErr := d.mgr.CreateSession("", c.id, c.bind)
	if opErr != nil {
		c.sendError(opErr)
		return
	}
	c.send(protocol.NewSessionCreated(sess.Info()))
}

func (d *dispatcher) handleAttach(c *client, m protocol.SessionAttach) {
	sess, opErr := d.mgr.AttachSession(m.SessionID, c.id)
	if opErr != nil {
		c.sendError(opErr)
		return
	}
	c.bind(sess.ID)
	status := store.StatusExited
	if sess.Pty.IsRunning() {
		status = store.StatusRunning
	}
	c.send(protocol.NewSessionAttached(sess.ID, status))
}

func (d *dispatcher) handleList(c *client) {
	entries, opErr := d.mgr.ListSessions()
	if opErr != nil {
		c.sendError(opErr)
		return
	}
	c.send(protocol.NewSessionListResult(entries))
}

func (d *dispatcher) handleTerminate(c *client, m protocol.SessionTerminate) {
	exitCode, opErr := d.mgr.TerminateSession(m.SessionID)
	if opErr != nil {
		c.sendError(opErr)
		return
	}
	c.send(protocol.NewSessionExited(m.SessionID, exitCode))
}

func (d *dispatcher) handleRename(c *client, m protocol.SessionRename) {
	if opErr := d.mgr.RenameSession(m.SessionID, m.Name); opErr != nil {
		c.sendError(opErr)
		return
	}
	c.send(protocol.NewSessionRenamed(m.SessionID, m.Name))
}

func (d *dispatcher) handleInput(c *client, m protocol.TermIn) {
	if c.boundTo() != m.SessionID {
		c.sendError(protocol.Errf(protocol.CodeNotAttached,
			"Not attached to session: %s", m.SessionID))
		return
	}
	if opErr := d.mgr.SendInput(m.SessionID, m.Data); opErr != nil {
		c.sendError(opErr)
	}
	// Success is silent; the echo comes back as term.out.
}

func (d *dispatcher) handleResize(c *client, m protocol.TermResize) {
	if opErr := d.mgr.ResizeSession(m.SessionID, m.Cols, m.Rows); opErr != nil {
		c.sendError(opErr)
	}
}
