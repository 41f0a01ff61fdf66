// Package telemetry defines the logging and metrics contracts used across the
// engine, with implementations backed by goa.design/clue and OpenTelemetry.
// Components receive these interfaces rather than concrete loggers so tests
// can run silent and deployments can swap backends.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log events. Keys and values alternate in
	// keyvals, matching the clue convention.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags alternate key, value.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// NopLogger discards all log events.
	NopLogger struct{}

	// NopMetrics discards all measurements.
	NopMetrics struct{}
)

// Debug implements Logger.
func (NopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(context.Context, string, ...any) {}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}
