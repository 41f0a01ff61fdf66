// Package redis exposes a stream.Sink implementation that publishes step
// events to Redis Streams. Services build a Redis connection, wrap it with
// the clients/redis client, and hand the resulting sink to the engine so
// dashboards can follow executions live with XREAD.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientsredis "github.com/hearth-agent/hearth/features/stream/redis/clients/redis"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/stream"
)

type (
	// Options configures the Redis sink.
	Options struct {
		// Client publishes stream entries. Required.
		Client clientsredis.Client
		// StreamName derives the target stream from an event. Defaults to
		// `session/<SessionID>` so one stream carries a whole conversation.
		StreamName func(stream.Event) (string, error)
		// MarshalEntry overrides step entry serialization (primarily for
		// tests).
		MarshalEntry func(steplog.Entry) ([]byte, error)
	}

	// Sink publishes engine events into Redis Streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client       clientsredis.Client
		streamName   func(stream.Event) (string, error)
		marshalEntry func(steplog.Entry) ([]byte, error)
	}
)

// NewSink constructs a Redis-backed stream sink. The Client field in opts is
// required; StreamName and MarshalEntry default to the built-in
// implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("redis stream client is required")
	}
	s := &Sink{
		client:       opts.Client,
		streamName:   defaultStreamName,
		marshalEntry: defaultMarshalEntry,
	}
	if opts.StreamName != nil {
		s.streamName = opts.StreamName
	}
	if opts.MarshalEntry != nil {
		s.marshalEntry = opts.MarshalEntry
	}
	return s, nil
}

// Send publishes the event to the derived stream. The entry travels as one
// JSON field next to the identifying metadata so consumers can filter without
// parsing payloads.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	name, err := s.streamName(event)
	if err != nil {
		return err
	}
	payload, err := s.marshalEntry(event.Entry)
	if err != nil {
		return err
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fields := map[string]any{
		"session_id":      event.SessionID,
		"continuation_id": event.ContinuationID,
		"type":            string(event.Entry.Type),
		"timestamp":       ts.Format(time.RFC3339Nano),
		"entry":           payload,
	}
	if _, err := s.client.Add(ctx, name, fields); err != nil {
		return err
	}
	return nil
}

// Close delegates to the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamName derives the stream from the event's session id.
func defaultStreamName(event stream.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return fmt.Sprintf("session/%s", event.SessionID), nil
}

func defaultMarshalEntry(e steplog.Entry) ([]byte, error) {
	return json.Marshal(e)
}
