package store

import "errors"

// SpawnError records why a session's child process failed to launch.
type SpawnError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionMeta is the per-session document persisted to meta.json. Every
// field is always emitted; absent values are JSON null.
type SessionMeta struct {
	SessionID      string      `json:"sessionId"`
	Status         string      `json:"status"` // "running" | "exited"
	CreatedAt      string      `json:"createdAt"`
	LastActivityAt string      `json:"lastActivityAt"`
	WorkspacePath  string      `json:"workspacePath"`
	PID            *int        `json:"pid"`
	Cols           int         `json:"cols"`
	Rows           int         `json:"rows"`
	ExitCode       *int        `json:"exitCode"`
	CopilotPath    string      `json:"copilotPath"`
	Error          *SpawnError `json:"error"`
}

// Session status values.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// MetaStore manages per-session meta.json files.
type MetaStore struct {
	layout Layout
}

func NewMetaStore(layout Layout) *MetaStore {
	return &MetaStore{layout: layout}
}

// Load returns the metadata for sessionID, or nil when no meta.json exists.
func (s *MetaStore) Load(sessionID string) (*SessionMeta, error) {
	var meta SessionMeta
	if err := ReadJSON(s.layout.MetaPath(sessionID), &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &meta, nil
}

// Save writes the metadata atomically.
func (s *MetaStore) Save(meta *SessionMeta) error {
	return WriteJSON(s.layout.MetaPath(meta.SessionID), meta)
}

// Create assembles and persists fresh metadata. Status derives from the
// presence of spawnErr: a session whose child never launched is exited
// from birth.
func (s *MetaStore) Create(sessionID, workspacePath, copilotPath string, pid *int, cols, rows int, spawnErr *SpawnError) (*SessionMeta, error) {
	now := NowStamp()
	status := StatusRunning
	if spawnErr != nil {
		status = StatusExited
	}
	meta := &SessionMeta{
		SessionID:      sessionID,
		Status:         status,
		CreatedAt:      now,
		LastActivityAt: now,
		WorkspacePath:  workspacePath,
		PID:            pid,
		Cols:           cols,
		Rows:           rows,
		CopilotPath:    copilotPath,
		Error:          spawnErr,
	}
	if err := s.Save(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateActivity refreshes lastActivityAt. Missing meta is a no-op.
func (s *MetaStore) UpdateActivity(sessionID string) error {
	meta, err := s.Load(sessionID)
	if err != nil || meta == nil {
		return err
	}
	meta.LastActivityAt = NowStamp()
	return s.Save(meta)
}

// UpdateStatus sets the status and, when provided, the exit code.
func (s *MetaStore) UpdateStatus(sessionID, status string, exitCode *int) error {
	meta, err := s.Load(sessionID)
	if err != nil || meta == nil {
		return err
	}
	meta.Status = status
	meta.LastActivityAt = NowStamp()
	if exitCode != nil {
		meta.ExitCode = exitCode
	}
	return s.Save(meta)
}

// UpdateDimensions records a successful resize.
func (s *MetaStore) UpdateDimensions(sessionID string, cols, rows int) error {
	meta, err := s.Load(sessionID)
	if err != nil || meta == nil {
		return err
	}
	meta.Cols = cols
	meta.Rows = rows
	meta.LastActivityAt = NowStamp()
	return s.Save(meta)
}
