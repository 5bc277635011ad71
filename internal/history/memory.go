package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps sessions for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, id string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[id] = &Session{ID: id, CreatedAt: createdAt}
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[id]
	return ok, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	sess.Turns = append(sess.Turns, turn)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return &Session{ID: sess.ID, CreatedAt: sess.CreatedAt, Turns: slices.Clone(sess.Turns)}, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Session)
	return nil
}
