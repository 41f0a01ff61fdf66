// Package stream provides the contract for delivering live execution updates
// to clients and dashboards.
//
// Stream events differ from the step log: the step log is the durable,
// canonical trace of one continuation, while stream events are best-effort
// client-facing copies published as steps happen. Sinks must never affect
// execution: the runner logs delivery failures and moves on.
package stream

import (
	"context"
	"time"

	"github.com/hearth-agent/hearth/runtime/agent/steplog"
)

type (
	// Event is one client-facing execution update.
	Event struct {
		// SessionID identifies the owning session.
		SessionID string
		// ContinuationID identifies the continuation being executed.
		ContinuationID string
		// Timestamp is the publication time.
		Timestamp time.Time
		// Entry is the step entry being surfaced.
		Entry steplog.Entry
	}

	// Sink delivers events to a transport (Redis Streams, SSE, tests).
	//
	// Implementations must be safe for concurrent Send calls: the runner may
	// publish from multiple continuations at once.
	Sink interface {
		// Send publishes one event. Errors are reported to the runner for
		// logging only and never fail the continuation.
		Send(ctx context.Context, event Event) error
		// Close releases transport resources. Send fails after Close.
		Close(ctx context.Context) error
	}
)

// NopSink discards every event. It stands in when no transport is configured.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, Event) error { return nil }

// Close implements Sink.
func (NopSink) Close(context.Context) error { return nil }
