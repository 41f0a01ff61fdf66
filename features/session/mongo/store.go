package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/hearth-agent/hearth/features/session/mongo/clients/mongo"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put implements session.Store.
func (s *Store) Put(ctx context.Context, sess *session.Session) error {
	return s.client.UpsertSession(ctx, sess)
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// List implements session.Store.
func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	return s.client.ListSessions(ctx)
}

// ContinuationStore implements continuation.Store by delegating to the Mongo
// client.
type ContinuationStore struct {
	client clientsmongo.Client
}

// NewContinuationStore builds a ContinuationStore using the provided client.
func NewContinuationStore(client clientsmongo.Client) (*ContinuationStore, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &ContinuationStore{client: client}, nil
}

// Put implements continuation.Store.
func (s *ContinuationStore) Put(ctx context.Context, c *continuation.Continuation) error {
	return s.client.UpsertContinuation(ctx, c)
}

// Load implements continuation.Store.
func (s *ContinuationStore) Load(ctx context.Context, sessionID, id string) (*continuation.Continuation, error) {
	return s.client.LoadContinuation(ctx, sessionID, id)
}

// List implements continuation.Store.
func (s *ContinuationStore) List(ctx context.Context, sessionID string) ([]*continuation.Continuation, error) {
	return s.client.ListContinuations(ctx, sessionID)
}
