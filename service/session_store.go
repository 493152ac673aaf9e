package service

import (
	"sync"

	"clauselens-backend/models"
)

// SessionState is the per-session memory the engine keeps between runs:
// what it has learned about the user and the last run's audit trail.
type SessionState struct {
	History   UserHistory
	LastTrail models.AuditTrail
}

// SessionStore holds session-scoped engine memory keyed by session id.
// Callers own lifecycle teardown; there is no automatic expiry.
type SessionStore interface {
	Get(sessionID string) (*SessionState, bool)
	Put(sessionID string, state *SessionState)
	Clear(sessionID string)
}

// MemorySessionStore is the in-process SessionStore
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
}

// NewMemorySessionStore creates an empty in-process session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*SessionState),
	}
}

// Get returns the state for a session, if any
func (s *MemorySessionStore) Get(sessionID string) (*SessionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	return state, ok
}

// Put stores the state for a session
func (s *MemorySessionStore) Put(sessionID string, state *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = state
}

// Clear removes all memory for a session
func (s *MemorySessionStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
