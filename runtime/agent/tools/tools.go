// Package tools exposes the capability catalog mediating every tool call the
// planner makes: registration with safety metadata, input-schema validation,
// actuation policy enforcement, and audit logging of every invocation attempt.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/hass"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
)

type (
	// Handler executes the tool body. Handlers must honor ctx cancellation at
	// natural break points: cancellation is cooperative, never preemptive.
	Handler func(ctx context.Context, args json.RawMessage, inv *Invocation) (any, error)

	// Spec describes one invocable capability.
	Spec struct {
		// Name is the unique tool identifier ("hass.get_state").
		Name string
		// Description provides human-readable context for planners.
		Description string
		// InputSchema is the JSON Schema arguments are validated against.
		// Empty skips validation.
		InputSchema json.RawMessage
		// OutputSchema documents the result shape. Informational only.
		OutputSchema json.RawMessage
		// CostEstimate is an optional relative cost hint for planners.
		CostEstimate float64
		// RequiresActuation marks tools that perform side effects. Invocation
		// is rejected before the body runs when the session policy disallows
		// actuation.
		RequiresActuation bool
		// Handler executes the tool.
		Handler Handler
	}

	// Invocation is the context threaded through every tool call: the owning
	// session, the step-log append callback, and handles to the engine's
	// collaborators. Cancellation travels separately as the call's
	// context.Context.
	Invocation struct {
		// Session is a snapshot of the owning session.
		Session *session.Session
		// ContinuationID identifies the executing continuation.
		ContinuationID string
		// Log appends one entry to the continuation's step log.
		Log func(steplog.Entry) error
		// Artifacts stores large outputs.
		Artifacts artifact.Store
		// Hass is the home-automation collaborator, when configured.
		Hass hass.Client
	}
)

var (
	// ErrToolExists indicates a Register call with a duplicate name. There is
	// no silent overwrite.
	ErrToolExists = errors.New("tool already registered")
	// ErrToolNotFound indicates an invocation of an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrActuationDenied indicates an actuating tool was invoked under a
	// session policy that disallows actuation.
	ErrActuationDenied = errors.New("actuation denied by session policy")
)

// ValidationError reports tool arguments rejected by the input schema.
type ValidationError struct {
	// Tool is the invoked tool name.
	Tool string
	// Cause is the underlying schema violation.
	Cause error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %q arguments: %v", e.Tool, e.Cause)
}

// Unwrap exposes the schema violation.
func (e *ValidationError) Unwrap() error { return e.Cause }
