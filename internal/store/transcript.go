package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Lifecycle event names recorded in the transcript.
const (
	LifecycleCreated     = "created"
	LifecycleAttached    = "attached"
	LifecycleExited      = "exited"
	LifecycleTerminated  = "terminated"
	LifecycleSpawnFailed = "spawn_failed"
)

// TranscriptEvent is one line of transcript.jsonl. Only the fields for the
// event's type are present on disk.
type TranscriptEvent struct {
	TS        string         `json:"ts"`
	SessionID string         `json:"sessionId"`
	Seq       int            `json:"seq"`
	Type      string         `json:"type"` // out | in | resize | lifecycle
	Data      string         `json:"data,omitempty"`
	Cols      int            `json:"cols,omitempty"`
	Rows      int            `json:"rows,omitempty"`
	Event     string         `json:"event,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type appendReq struct {
	sessionID string
	ts        string
	typ       string
	fields    map[string]any
	done      chan error // nil for fire-and-forget appends
}

// TranscriptStore manages per-session append-only transcript.jsonl files.
//
// All appends funnel through a single background goroutine so that the hot
// PTY-output path never blocks on disk, while per-session ordering matches
// the order in which appends were accepted. Sequence numbers are assigned
// by the appender, so they are strictly monotonic with no gaps within a
// process lifetime.
type TranscriptStore struct {
	layout Layout
	log    *slog.Logger

	seqMu sync.Mutex
	seqs  map[string]int

	sendMu sync.RWMutex
	closed bool
	ch     chan appendReq
	done   chan struct{}
}

func NewTranscriptStore(layout Layout, log *slog.Logger) *TranscriptStore {
	if log == nil {
		log = slog.Default()
	}
	s := &TranscriptStore{
		layout: layout,
		log:    log,
		seqs:   make(map[string]int),
		ch:     make(chan appendReq, 4096),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// InitSession resets the sequence counter, creates parent directories, and
// ensures an (empty) transcript file exists.
func (s *TranscriptStore) InitSession(sessionID string) error {
	s.seqMu.Lock()
	s.seqs[sessionID] = 0
	s.seqMu.Unlock()

	path := s.layout.TranscriptPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating transcript: %w", err)
	}
	return f.Close()
}

// AppendOutput records a PTY output chunk. Fire-and-forget: a slow disk
// must not stall the PTY reader, and an append failure is logged, never
// surfaced.
func (s *TranscriptStore) AppendOutput(sessionID, data string) {
	s.enqueue(appendReq{
		sessionID: sessionID,
		ts:        NowStamp(),
		typ:       "out",
		fields:    map[string]any{"data": data},
	})
}

// AppendInput records client input. Fire-and-forget, same policy as output.
func (s *TranscriptStore) AppendInput(sessionID, data string) {
	s.enqueue(appendReq{
		sessionID: sessionID,
		ts:        NowStamp(),
		typ:       "in",
		fields:    map[string]any{"data": data},
	})
}

// AppendResize records a terminal resize. Blocks until the line is durable.
func (s *TranscriptStore) AppendResize(sessionID string, cols, rows int) error {
	return s.enqueueWait(appendReq{
		sessionID: sessionID,
		ts:        NowStamp(),
		typ:       "resize",
		fields:    map[string]any{"cols": cols, "rows": rows},
	})
}

// AppendLifecycle records a lifecycle event. Blocks until the line is
// written.
func (s *TranscriptStore) AppendLifecycle(sessionID, event string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	return s.enqueueWait(appendReq{
		sessionID: sessionID,
		ts:        NowStamp(),
		typ:       "lifecycle",
		fields:    map[string]any{"event": event, "detail": detail},
	})
}

// ReadAll returns every event in a session's transcript. Missing files
// yield an empty slice.
func (s *TranscriptStore) ReadAll(sessionID string) ([]TranscriptEvent, error) {
	f, err := os.Open(s.layout.TranscriptPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []TranscriptEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev TranscriptEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("%s line %d: %v: %w", sessionID, len(events)+1, err, ErrMalformed)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Close stops the appender after draining queued events. Callers must stop
// appending first; the session manager shuts down all sessions before
// closing the store.
func (s *TranscriptStore) Close() {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.sendMu.Unlock()
	<-s.done
}

func (s *TranscriptStore) enqueue(req appendReq) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- req:
	default:
		s.log.Warn("transcript queue full, dropping event",
			"sessionId", req.sessionID, "type", req.typ)
	}
}

func (s *TranscriptStore) enqueueWait(req appendReq) error {
	req.done = make(chan error, 1)
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return fmt.Errorf("transcript store closed")
	}
	s.ch <- req
	s.sendMu.RUnlock()
	return <-req.done
}

func (s *TranscriptStore) run() {
	defer close(s.done)
	for req := range s.ch {
		err := s.write(req)
		if req.done != nil {
			req.done <- err
		} else if err != nil {
			s.log.Error("transcript append failed",
				"sessionId", req.sessionID, "type", req.typ, "err", err)
		}
	}
}

func (s *TranscriptStore) write(req appendReq) error {
	ev := map[string]any{
		"ts":        req.ts,
		"sessionId": req.sessionID,
		"seq":       s.nextSeq(req.sessionID),
		"type":      req.typ,
	}
	for k, v := range req.fields {
		ev[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	f, err := os.OpenFile(s.layout.TranscriptPath(req.sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (s *TranscriptStore) nextSeq(sessionID string) int {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seqs[sessionID]++
	return s.seqs[sessionID]
}
