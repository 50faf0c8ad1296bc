// Package session owns the in-memory session table and the PTY processes
// behind it. The Manager is the single writer for all durable session
// state (index.json, meta.json, transcript.jsonl).
package session

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/carouselsh/carousel/internal/config"
	"github.com/carouselsh/carousel/internal/protocol"
	"github.com/carouselsh/carousel/internal/store"
)

// Session pairs a live PTY with its cached metadata and the set of
// clients currently attached to it.
type Session struct {
	ID       string
	Pty      Pty
	Meta     *store.SessionMeta
	attached map[string]struct{}
}

// Info assembles the wire-visible view: persisted metadata enriched with
// the PTY's live state.
func (s *Session) Info() protocol.SessionInfo {
	status := store.StatusExited
	if s.Pty.IsRunning() {
		status = store.StatusRunning
	}
	return protocol.SessionInfo{
		SessionID:      s.ID,
		Status:         status,
		CreatedAt:      s.Meta.CreatedAt,
		LastActivityAt: s.Meta.LastActivityAt,
		WorkspacePath:  s.Meta.WorkspacePath,
		PID:            s.Pty.PID(),
		Cols:           s.Pty.Cols(),
		Rows:           s.Pty.Rows(),
		ExitCode:       s.Pty.ExitCode(),
		CopilotPath:    s.Meta.CopilotPath,
		Error:          s.Meta.Error,
	}
}

// Manager is the process-wide session registry. A single mutex serializes
// lifecycle operations and every read-modify-write against the persisted
// index and meta files; the PTY trampolines take the same lock briefly.
type Manager struct {
	cfg        *config.Config
	layout     store.Layout
	index      *store.IndexStore
	meta       *store.MetaStore
	transcript *store.TranscriptStore
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	cbMu            sync.RWMutex
	outputCallbacks map[string]OutputFunc
	exitCallbacks   map[string]ExitFunc
}

func NewManager(cfg *config.Config, layout store.Layout, index *store.IndexStore, meta *store.MetaStore, transcript *store.TranscriptStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:             cfg,
		layout:          layout,
		index:           index,
		meta:            meta,
		transcript:      transcript,
		log:             log,
		sessions:        make(map[string]*Session),
		outputCallbacks: make(map[string]OutputFunc),
		exitCallbacks:   make(map[string]ExitFunc),
	}
}

// SetOutputCallback registers the per-client sink for term.out fan-out.
func (m *Manager) SetOutputCallback(clientID string, cb OutputFunc) {
	m.cbMu.Lock()
	m.outputCallbacks[clientID] = cb
	m.cbMu.Unlock()
}

// SetExitCallback registers the per-client sink for session.exited pushes.
func (m *Manager) SetExitCallback(clientID string, cb ExitFunc) {
	m.cbMu.Lock()
	m.exitCallbacks[clientID] = cb
	m.cbMu.Unlock()
}

// RemoveClient drops a disconnected client's callbacks and detaches it
// from every session.
func (m *Manager) RemoveClient(clientID string) {
	m.cbMu.Lock()
	delete(m.outputCallbacks, clientID)
	delete(m.exitCallbacks, clientID)
	m.cbMu.Unlock()
	m.DetachAllSessions(clientID)
}

// CreateSession provisions a new session end to end: directories,
// transcript, PTY spawn, durable meta and index entries. copilotPath
// overrides the configured default when non-empty. A non-empty creatorID
// is attached, and onBind (when provided) invoked with the new session id,
// before the read pump starts, so the creator cannot miss the first
// output. Spawn failures are themselves recorded durably before the error
// is returned.
func (m *Manager) CreateSession(copilotPath, creatorID string, onBind func(sessionID string)) (*Session, *protocol.OpError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningCountLocked() >= m.cfg.MaxSessions {
		return nil, protocol.Errf(protocol.CodeMaxSessionsReached,
			"Maximum running sessions (%d) reached.", m.cfg.MaxSessions)
	}

	sessionID := uuid.NewString()
	workspacePath, err := m.layout.EnsureSessionDirs(sessionID)
	if err != nil {
		m.log.Error("failed to create session dirs", "sessionId", sessionID, "err", err)
		return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}
	if err := m.transcript.InitSession(sessionID); err != nil {
		m.log.Error("failed to init transcript", "sessionId", sessionID, "err", err)
		return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}

	if copilotPath == "" {
		copilotPath = m.cfg.CopilotPath
	}
	pty := New(sessionID, workspacePath, m.cfg.InitialCols, m.cfg.InitialRows,
		m.handlePtyOutput, m.handlePtyExit, m.cfg.MockPty)

	if err := pty.Spawn(copilotPath); err != nil {
		spawnErr := &store.SpawnError{Code: protocol.CodeSpawnFailed, Message: err.Error()}
		meta, persistErr := m.meta.Create(sessionID, workspacePath, copilotPath,
			nil, m.cfg.InitialCols, m.cfg.InitialRows, spawnErr)
		if persistErr == nil {
			persistErr = m.index.AddSession(sessionID, store.StatusExited, meta.CreatedAt, meta.LastActivityAt)
		}
		if persistErr != nil {
			m.log.Error("failed to persist spawn failure", "sessionId", sessionID, "err", persistErr)
			return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
		}
		if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleSpawnFailed,
			map[string]any{"error": spawnErr.Message}); err != nil {
			m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
		}
		m.log.Error("session spawn failed", "sessionId", sessionID, "copilotPath", copilotPath, "err", err)
		return nil, protocol.Errf(protocol.CodeSpawnFailed,
			"Failed to start copilot.exe: %s", spawnErr.Message)
	}

	meta, err := m.meta.Create(sessionID, workspacePath, copilotPath,
		pty.PID(), m.cfg.InitialCols, m.cfg.InitialRows, nil)
	if err == nil {
		err = m.index.AddSession(sessionID, store.StatusRunning, meta.CreatedAt, meta.LastActivityAt)
	}
	if err != nil {
		// Stop asynchronously: Stop drives the exit trampoline, which takes
		// m.mu. The session was never inserted, so the trampoline no-ops.
		go pty.Stop()
		m.log.Error("failed to persist session", "sessionId", sessionID, "err", err)
		return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}
	if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleCreated,
		map[string]any{"pid": pty.PID()}); err != nil {
		m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
	}

	sess := &Session{
		ID:       sessionID,
		Pty:      pty,
		Meta:     meta,
		attached: make(map[string]struct{}),
	}
	if creatorID != "" {
		sess.attached[creatorID] = struct{}{}
		if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleAttached,
			map[string]any{"clientId": creatorID}); err != nil {
			m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
		}
	}
	if onBind != nil {
		onBind(sessionID)
	}
	m.sessions[sessionID] = sess
	pty.StartReadPump()

	m.log.Info("session created", "sessionId", sessionID, "pid", ptrOrNil(pty.PID()))
	return sess, nil
}

// GetSession returns the in-memory session, or nil when unknown.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// ListSessions serves the durable catalog: every session ever created in
// this data dir, including exited and spawn-failed ones, newest first.
func (m *Manager) ListSessions() ([]store.IndexEntry, *protocol.OpError) {
	m.mu.Lock()
	entries, err := m.index.GetAllSessions()
	m.mu.Unlock()
	if err != nil {
		m.log.Error("failed to list sessions", "err", err)
		return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}
	return entries, nil
}

// AttachSession adds clientID to the session's attached set. Sessions not
// present in memory are refused even when their meta exists on disk:
// child processes are never restarted on attach.
func (m *Manager) AttachSession(sessionID, clientID string) (*Session, *protocol.OpError) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		sess.attached[clientID] = struct{}{}
	}
	m.mu.Unlock()

	if !ok {
		return nil, protocol.Errf(protocol.CodeSessionNotFound,
			"Session does not exist: %s", sessionID)
	}
	if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleAttached,
		map[string]any{"clientId": clientID}); err != nil {
		m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
	}
	m.log.Info("client attached", "sessionId", sessionID, "clientId", clientID)
	return sess, nil
}

// DetachSession removes clientID from one session's attached set. Unknown
// ids are a no-op.
func (m *Manager) DetachSession(sessionID, clientID string) {
	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		delete(sess.attached, clientID)
	}
	m.mu.Unlock()
}

// DetachAllSessions removes clientID from every session.
func (m *Manager) DetachAllSessions(clientID string) {
	m.mu.Lock()
	for _, sess := range m.sessions {
		delete(sess.attached, clientID)
	}
	m.mu.Unlock()
}

// TerminateSession stops the PTY (joining its read pump), persists the
// exited state, and returns the exit code. The stop silences the exit
// trampoline, so the only client-visible exit event for an explicit
// termination is the caller's reply; the trampoline push fires only when
// the child exits on its own.
func (m *Manager) TerminateSession(sessionID string) (*int, *protocol.OpError) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, protocol.Errf(protocol.CodeSessionNotFound,
			"Session does not exist: %s", sessionID)
	}

	// Stop outside the lock: joining the pump can wait on the output
	// trampoline, which takes the lock itself.
	sess.Pty.Stop()
	exitCode := sess.Pty.ExitCode()

	m.mu.Lock()
	err := m.meta.UpdateStatus(sessionID, store.StatusExited, exitCode)
	if err == nil {
		err = m.index.UpdateSessionStatus(sessionID, store.StatusExited, store.NowStamp())
	}
	m.mu.Unlock()
	if err != nil {
		m.log.Error("failed to persist termination", "sessionId", sessionID, "err", err)
		return nil, protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}
	if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleTerminated,
		map[string]any{"exitCode": exitCode}); err != nil {
		m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
	}

	m.log.Info("session terminated", "sessionId", sessionID, "exitCode", ptrOrNil(exitCode))
	return exitCode, nil
}

// RenameSession updates the catalog entry's name. The name lives in the
// index only; meta.json carries no name field.
func (m *Manager) RenameSession(sessionID, name string) *protocol.OpError {
	m.mu.Lock()
	ok, err := m.index.UpdateSessionName(sessionID, name)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("failed to rename session", "sessionId", sessionID, "err", err)
		return protocol.Errf(protocol.CodeInternalError, "Unhandled server error. See logs.")
	}
	if !ok {
		return protocol.Errf(protocol.CodeSessionNotFound, "Session not found: %s", sessionID)
	}
	m.log.Info("session renamed", "sessionId", sessionID, "name", name)
	return nil
}

// SendInput validates and forwards client keystrokes to the PTY.
// Validation order: size, existence, running state.
func (m *Manager) SendInput(sessionID, data string) *protocol.OpError {
	if utf8.RuneCountInString(data) > m.cfg.MaxInputCharsPerMessage {
		return protocol.Errf(protocol.CodeInputTooLarge,
			"Input exceeds %d characters.", m.cfg.MaxInputCharsPerMessage)
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return protocol.Errf(protocol.CodeSessionNotFound,
			"Session does not exist: %s", sessionID)
	}
	if !sess.Pty.IsRunning() {
		return protocol.Errf(protocol.CodeSessionNotRunning, "Session is not running")
	}

	sess.Pty.Write(data)
	m.transcript.AppendInput(sessionID, data)

	m.mu.Lock()
	err := m.meta.UpdateActivity(sessionID)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("failed to update activity", "sessionId", sessionID, "err", err)
	}
	return nil
}

// ResizeSession validates the requested dimensions against the configured
// bounds, resizes the PTY, and persists the new dimensions.
func (m *Manager) ResizeSession(sessionID string, cols, rows int) *protocol.OpError {
	if cols < m.cfg.MinCols || cols > m.cfg.MaxCols || rows < m.cfg.MinRows || rows > m.cfg.MaxRows {
		return protocol.Errf(protocol.CodeInvalidResize,
			"cols must be %d-%d and rows must be %d-%d.",
			m.cfg.MinCols, m.cfg.MaxCols, m.cfg.MinRows, m.cfg.MaxRows)
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return protocol.Errf(protocol.CodeSessionNotFound,
			"Session does not exist: %s", sessionID)
	}

	if err := sess.Pty.Resize(cols, rows); err != nil {
		return protocol.Errf(protocol.CodeResizeFailed, "Failed to resize terminal")
	}

	m.mu.Lock()
	err := m.meta.UpdateDimensions(sessionID, cols, rows)
	m.mu.Unlock()
	if err != nil {
		m.log.Error("failed to persist dimensions", "sessionId", sessionID, "err", err)
	}
	if err := m.transcript.AppendResize(sessionID, cols, rows); err != nil {
		m.log.Error("failed to append resize event", "sessionId", sessionID, "err", err)
	}
	return nil
}

// Shutdown best-effort terminates every session and clears the table.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, opErr := m.TerminateSession(id); opErr != nil {
			m.log.Error("failed to terminate session during shutdown", "sessionId", id, "err", opErr)
		}
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	m.log.Info("session manager shut down", "terminated", len(ids))
}

// runningCountLocked counts sessions whose PTY is still live. Caller holds
// m.mu.
func (m *Manager) runningCountLocked() int {
	n := 0
	for _, sess := range m.sessions {
		if sess.Pty.IsRunning() {
			n++
		}
	}
	return n
}

// handlePtyOutput is the output trampoline: transcript append, activity
// refresh, then fan-out to each attached client's callback.
func (m *Manager) handlePtyOutput(sessionID, data string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	var clients []string
	if ok {
		clients = make([]string, 0, len(sess.attached))
		for id := range sess.attached {
			clients = append(clients, id)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.transcript.AppendOutput(sessionID, data)

	m.mu.Lock()
	if err := m.meta.UpdateActivity(sessionID); err != nil {
		m.log.Error("failed to update activity", "sessionId", sessionID, "err", err)
	}
	m.mu.Unlock()

	m.cbMu.RLock()
	cbs := make(map[string]OutputFunc, len(clients))
	for _, clientID := range clients {
		if cb, ok := m.outputCallbacks[clientID]; ok {
			cbs[clientID] = cb
		}
	}
	m.cbMu.RUnlock()

	for clientID, cb := range cbs {
		m.invokeOutput(clientID, cb, sessionID, data)
	}
}

// handlePtyExit is the exit trampoline: persist the exited state, record
// the lifecycle event, then push to each attached client.
func (m *Manager) handlePtyExit(sessionID string, exitCode *int) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	var clients []string
	if ok {
		clients = make([]string, 0, len(sess.attached))
		for id := range sess.attached {
			clients = append(clients, id)
		}
	}
	if ok {
		if err := m.meta.UpdateStatus(sessionID, store.StatusExited, exitCode); err != nil {
			m.log.Error("failed to persist exit", "sessionId", sessionID, "err", err)
		}
		if err := m.index.UpdateSessionStatus(sessionID, store.StatusExited, store.NowStamp()); err != nil {
			m.log.Error("failed to update index", "sessionId", sessionID, "err", err)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.transcript.AppendLifecycle(sessionID, store.LifecycleExited,
		map[string]any{"exitCode": exitCode}); err != nil {
		m.log.Error("failed to append lifecycle event", "sessionId", sessionID, "err", err)
	}

	m.cbMu.RLock()
	cbs := make(map[string]ExitFunc, len(clients))
	for _, clientID := range clients {
		if cb, ok := m.exitCallbacks[clientID]; ok {
			cbs[clientID] = cb
		}
	}
	m.cbMu.RUnlock()

	for clientID, cb := range cbs {
		m.invokeExit(clientID, cb, sessionID, exitCode)
	}
}

// invokeOutput shields the fan-out loop from a panicking callback.
func (m *Manager) invokeOutput(clientID string, cb OutputFunc, sessionID, data string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("output callback panicked", "clientId", clientID, "sessionId", sessionID, "panic", r)
		}
	}()
	cb(sessionID, data)
}

func (m *Manager) invokeExit(clientID string, cb ExitFunc, sessionID string, exitCode *int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("exit callback panicked", "clientId", clientID, "sessionId", sessionID, "panic", r)
		}
	}()
	cb(sessionID, exitCode)
}
