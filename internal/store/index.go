package store

import (
	"errors"
	"sort"
)

// ProtocolVersion is stamped into index.json and server.hello.
const ProtocolVersion = 1

// IndexEntry is one session's row in the global catalog. Name is set only
// through session.rename and is otherwise null on the wire.
type IndexEntry struct {
	SessionID      string  `json:"sessionId"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"createdAt"`
	LastActivityAt string  `json:"lastActivityAt"`
	Name           *string `json:"name"`
}

// IndexDocument is the persisted shape of index.json.
type IndexDocument struct {
	ProtocolVersion int          `json:"protocolVersion"`
	UpdatedAt       string       `json:"updatedAt"`
	Sessions        []IndexEntry `json:"sessions"`
}

// IndexStore manages the durable session catalog at sessions/index.json.
// Mutations are read-modify-write against the file; the session manager
// serializes them under its lock.
type IndexStore struct {
	path string
}

func NewIndexStore(layout Layout) *IndexStore {
	return &IndexStore{path: layout.IndexPath()}
}

// Load returns the persisted document, or a fresh empty one when the file
// does not exist yet.
func (s *IndexStore) Load() (*IndexDocument, error) {
	var doc IndexDocument
	if err := ReadJSON(s.path, &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &IndexDocument{
				ProtocolVersion: ProtocolVersion,
				UpdatedAt:       NowStamp(),
				Sessions:        []IndexEntry{},
			}, nil
		}
		return nil, err
	}
	if doc.Sessions == nil {
		doc.Sessions = []IndexEntry{}
	}
	return &doc, nil
}

// Save refreshes updatedAt and writes the document atomically.
func (s *IndexStore) Save(doc *IndexDocument) error {
	doc.UpdatedAt = NowStamp()
	return WriteJSON(s.path, doc)
}

// AddSession appends a new catalog entry.
func (s *IndexStore) AddSession(sessionID, status, createdAt, lastActivityAt string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	doc.Sessions = append(doc.Sessions, IndexEntry{
		SessionID:      sessionID,
		Status:         status,
		CreatedAt:      createdAt,
		LastActivityAt: lastActivityAt,
	})
	return s.Save(doc)
}

// UpdateSessionStatus sets the status (and optionally lastActivityAt) of an
// existing entry. Unknown ids are a no-op.
func (s *IndexStore) UpdateSessionStatus(sessionID, status, lastActivityAt string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	for i := range doc.Sessions {
		if doc.Sessions[i].SessionID == sessionID {
			doc.Sessions[i].Status = status
			if lastActivityAt != "" {
				doc.Sessions[i].LastActivityAt = lastActivityAt
			}
			break
		}
	}
	return s.Save(doc)
}

// UpdateSessionName renames an entry. Returns false when the id is not in
// the catalog; nothing is written in that case.
func (s *IndexStore) UpdateSessionName(sessionID, name string) (bool, error) {
	doc, err := s.Load()
	if err != nil {
		return false, err
	}
	for i := range doc.Sessions {
		if doc.Sessions[i].SessionID == sessionID {
			doc.Sessions[i].Name = &name
			if err := s.Save(doc); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// GetAllSessions returns every entry sorted by createdAt descending.
func (s *IndexStore) GetAllSessions() ([]IndexEntry, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, len(doc.Sessions))
	copy(entries, doc.Sessions)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt > entries[j].CreatedAt
	})
	return entries, nil
}

// GetSession returns the entry for sessionID, or nil when absent.
func (s *IndexStore) GetSession(sessionID string) (*IndexEntry, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Sessions {
		if doc.Sessions[i].SessionID == sessionID {
			e := doc.Sessions[i]
			return &e, nil
		}
	}
	return nil, nil
}

// RemoveSession deletes an entry from the catalog.
func (s *IndexStore) RemoveSession(sessionID string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	kept := doc.Sessions[:0]
	for _, e := range doc.Sessions {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	doc.Sessions = kept
	return s.Save(doc)
}

// Path returns the index.json location, mainly for logging.
func (s *IndexStore) Path() string { return s.path }
