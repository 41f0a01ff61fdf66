// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/persist/fs).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hearth-agent/hearth/runtime/agent/session"
)

// Store is an in-memory implementation of session.Store.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*session.Session)}
}

// Put implements session.Store.
func (s *Store) Put(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Clone(), nil
}

// List implements session.Store. Sessions are returned in id order.
func (s *Store) List(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
