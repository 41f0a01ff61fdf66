// Package inmem provides an in-memory implementation of continuation.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/persist/fs).
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hearth-agent/hearth/runtime/agent/continuation"
)

// Store is an in-memory implementation of continuation.Store.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]*continuation.Continuation
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]map[string]*continuation.Continuation)}
}

// Put implements continuation.Store.
func (s *Store) Put(_ context.Context, c *continuation.Continuation) error {
	if c == nil || c.ID == "" {
		return errors.New("continuation id is required")
	}
	if c.SessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bySession, ok := s.records[c.SessionID]
	if !ok {
		bySession = make(map[string]*continuation.Continuation)
		s.records[c.SessionID] = bySession
	}
	bySession[c.ID] = c.Clone()
	return nil
}

// Load implements continuation.Store.
func (s *Store) Load(_ context.Context, sessionID, id string) (*continuation.Continuation, error) {
	if sessionID == "" || id == "" {
		return nil, errors.New("session id and continuation id are required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[sessionID][id]
	if !ok {
		return nil, continuation.ErrNotFound
	}
	return c.Clone(), nil
}

// List implements continuation.Store.
func (s *Store) List(_ context.Context, sessionID string) ([]*continuation.Continuation, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*continuation.Continuation, 0, len(s.records[sessionID]))
	for _, c := range s.records[sessionID] {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
