package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Session is a server-issued session. It is immutable once created.
type Session struct {
	ID              string
	ProtocolVersion string
	CreatedAt       time.Time
}

// SessionStore is the server's table of active sessions. It is safe for concurrent use.
type SessionStore struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]Session
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// NewSessionStore creates an empty SessionStore.
func NewSessionStore(options ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		clock:    clockwork.NewRealClock(),
		sessions: make(map[string]Session),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSessionClock sets the clock used to stamp Session.CreatedAt.
func WithSessionClock(clock clockwork.Clock) SessionStoreOption {
	return func(s *SessionStore) {
		s.clock = clock
	}
}

// Create stores and returns a new session with a fresh random ID.
func (s *SessionStore) Create(protocolVersion string) Session {
	sess := Session{
		ID:              uuid.NewString(),
		ProtocolVersion: protocolVersion,
		CreatedAt:       s.clock.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess
	return sess
}

// Get returns the session with the given ID.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes the session with the given ID and reports whether it existed.
func (s *SessionStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the number of active sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.sessions)
}
