package store

import (
	"os"
	"path/filepath"
	"strings"
)

// Layout derives every on-disk path from the data directory root:
//
//	sessions/
//	  index.json
//	  {sessionId}/
//	    meta.json
//	    transcript.jsonl
//	    workspace/
type Layout struct {
	Root string // DATA_DIR
}

func (l Layout) SessionsDir() string {
	return filepath.Join(l.Root, "sessions")
}

func (l Layout) IndexPath() string {
	return filepath.Join(l.SessionsDir(), "index.json")
}

func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.SessionsDir(), sessionID)
}

func (l Layout) WorkspaceDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "workspace")
}

func (l Layout) MetaPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "meta.json")
}

func (l Layout) TranscriptPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "transcript.jsonl")
}

// EnsureSessionDirs creates the session directory and its workspace,
// returning the absolute workspace path.
func (l Layout) EnsureSessionDirs(sessionID string) (string, error) {
	ws := l.WorkspaceDir(sessionID)
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", err
	}
	return filepath.Abs(ws)
}

// ContainsWorkspace reports whether path is the session's workspace
// directory or contained within it.
func (l Layout) ContainsWorkspace(path, sessionID string) bool {
	base, err := filepath.Abs(l.WorkspaceDir(sessionID))
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if abs == base {
		return true
	}
	return strings.HasPrefix(abs, base+string(filepath.Separator))
}
