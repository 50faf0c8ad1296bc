// Package protocol defines the JSON message contract between browser
// clients and the server: one JSON object per text frame, discriminated by
// a string "type" field. Client messages are validated strictly; unknown
// fields are rejected.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/carouselsh/carousel/internal/store"
)

// Stable error codes surfaced in error messages.
const (
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeMaxSessionsReached = "MAX_SESSIONS_REACHED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionNotRunning  = "SESSION_NOT_RUNNING"
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeInputTooLarge      = "INPUT_TOO_LARGE"
	CodeInvalidResize      = "INVALID_RESIZE"
	CodeResizeFailed       = "RESIZE_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeNotAttached        = "NOT_ATTACHED"
)

// OpError is an operation failure carrying the stable wire code.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds an OpError with a formatted message.
func Errf(code, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const sessionIDLen = 36

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is the closed union of client request variants.
type ClientMessage interface {
	clientMessage()
}

type SessionCreate struct{}

type SessionAttach struct {
	SessionID string
}

type SessionList struct{}

type SessionTerminate struct {
	SessionID string
}

type SessionRename struct {
	SessionID string
	Name      string
}

type TermIn struct {
	SessionID string
	Data      string
}

type TermResize struct {
	SessionID string
	Cols      int
	Rows      int
}

func (SessionCreate) clientMessage()    {}
func (SessionAttach) clientMessage()    {}
func (SessionList) clientMessage()      {}
func (SessionTerminate) clientMessage() {}
func (SessionRename) clientMessage()    {}
func (TermIn) clientMessage()           {}
func (TermResize) clientMessage()       {}

// ParseClientMessage decodes and validates one inbound frame. Failures are
// reported as an OpError whose code matches the wire error table:
// INVALID_MESSAGE for bad JSON, a missing type, or schema violations;
// UNKNOWN_MESSAGE_TYPE for a type not in the registry.
func ParseClientMessage(raw []byte) (ClientMessage, *OpError) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, Errf(CodeInvalidMessage, "Invalid JSON: %v", err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, Errf(CodeInvalidMessage, "Message must have a 'type' field")
	}

	switch *env.Type {
	case "session.create":
		var m struct {
			Type string `json:"type"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		return SessionCreate{}, nil

	case "session.attach":
		var m struct {
			Type      string  `json:"type"`
			SessionID *string `json:"sessionId"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if err := checkSessionID(m.SessionID); err != nil {
			return nil, err
		}
		return SessionAttach{SessionID: *m.SessionID}, nil

	case "session.list":
		var m struct {
			Type string `json:"type"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		return SessionList{}, nil

	case "session.terminate":
		var m struct {
			Type      string  `json:"type"`
			SessionID *string `json:"sessionId"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if err := checkSessionID(m.SessionID); err != nil {
			return nil, err
		}
		return SessionTerminate{SessionID: *m.SessionID}, nil

	case "session.rename":
		var m struct {
			Type      string  `json:"type"`
			SessionID *string `json:"sessionId"`
			Name      *string `json:"name"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if err := checkSessionID(m.SessionID); err != nil {
			return nil, err
		}
		if m.Name == nil {
			return nil, Errf(CodeInvalidMessage, "name: field required")
		}
		if n := utf8.RuneCountInString(*m.Name); n < 1 || n > 100 {
			return nil, Errf(CodeInvalidMessage, "name: must be 1-100 characters")
		}
		return SessionRename{SessionID: *m.SessionID, Name: *m.Name}, nil

	case "term.in":
		var m struct {
			Type      string  `json:"type"`
			SessionID *string `json:"sessionId"`
			Data      *string `json:"data"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if err := checkSessionID(m.SessionID); err != nil {
			return nil, err
		}
		if m.Data == nil {
			return nil, Errf(CodeInvalidMessage, "data: field required")
		}
		return TermIn{SessionID: *m.SessionID, Data: *m.Data}, nil

	case "term.resize":
		var m struct {
			Type      string  `json:"type"`
			SessionID *string `json:"sessionId"`
			Cols      *int    `json:"cols"`
			Rows      *int    `json:"rows"`
		}
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		if err := checkSessionID(m.SessionID); err != nil {
			return nil, err
		}
		if m.Cols == nil || m.Rows == nil {
			return nil, Errf(CodeInvalidMessage, "cols, rows: fields required")
		}
		if *m.Cols < 1 || *m.Rows < 1 {
			return nil, Errf(CodeInvalidMessage, "cols, rows: must be >= 1")
		}
		return TermResize{SessionID: *m.SessionID, Cols: *m.Cols, Rows: *m.Rows}, nil

	default:
		return nil, Errf(CodeUnknownMessageType, "Unknown message type: %s", *env.Type)
	}
}

func decodeStrict(raw []byte, v any) *OpError {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// Keep the summary compact for the wire.
		msg := strings.TrimPrefix(err.Error(), "json: ")
		return Errf(CodeInvalidMessage, "%s", msg)
	}
	return nil
}

func checkSessionID(id *string) *OpError {
	if id == nil {
		return Errf(CodeInvalidMessage, "sessionId: field required")
	}
	if len(*id) != sessionIDLen {
		return Errf(CodeInvalidMessage, "sessionId: must be %d characters", sessionIDLen)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client messages
// ---------------------------------------------------------------------------

// SessionInfo mirrors the persisted SessionMeta enriched with live PTY
// state. Every field is emitted; absent values are null.
type SessionInfo struct {
	SessionID      string            `json:"sessionId"`
	Status         string            `json:"status"`
	CreatedAt      string            `json:"createdAt"`
	LastActivityAt string            `json:"lastActivityAt"`
	WorkspacePath  string            `json:"workspacePath"`
	PID            *int              `json:"pid"`
	Cols           int               `json:"cols"`
	Rows           int               `json:"rows"`
	ExitCode       *int              `json:"exitCode"`
	CopilotPath    string            `json:"copilotPath"`
	Error          *store.SpawnError `json:"error"`
}

type ServerHello struct {
	Type            string `json:"type"`
	ServerTime      string `json:"serverTime"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type SessionCreated struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
}

type SessionAttached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type SessionListResult struct {
	Type     string             `json:"type"`
	Sessions []store.IndexEntry `json:"sessions"`
}

type SessionExited struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode"`
}

type SessionRenamed struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type TermOut struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewServerHello(serverTime string) ServerHello {
	return ServerHello{Type: "server.hello", ServerTime: serverTime, ProtocolVersion: store.ProtocolVersion}
}

func NewSessionCreated(info SessionInfo) SessionCreated {
	return SessionCreated{Type: "session.created", Session: info}
}

func NewSessionAttached(sessionID, status string) SessionAttached {
	return SessionAttached{Type: "session.attached", SessionID: sessionID, Status: status}
}

func NewSessionListResult(sessions []store.IndexEntry) SessionListResult {
	if sessions == nil {
		sessions = []store.IndexEntry{}
	}
	return SessionListResult{Type: "session.list.result", Sessions: sessions}
}

func NewSessionExited(sessionID string, exitCode *int) SessionExited {
	return SessionExited{Type: "session.exited", SessionID: sessionID, ExitCode: exitCode}
}

func NewSessionRenamed(sessionID, name string) SessionRenamed {
	return SessionRenamed{Type: "session.renamed", SessionID: sessionID, Name: name}
}

func NewTermOut(sessionID, data string) TermOut {
	return TermOut{Type: "term.out", SessionID: sessionID, Data: data}
}

func NewError(err *OpError) ErrorMessage {
	return ErrorMessage{Type: "error", Code: err.Code, Message: err.Message}
}
