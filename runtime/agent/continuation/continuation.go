// Package continuation defines the asynchronous unit of work tracked by the
// engine: one user message in, one agent response out.
//
// A continuation moves through an explicit state machine:
//
//	pending → running → {completed | failed | cancelled}
//
// running may pass through streaming while partial output is produced. A
// continuation found non-terminal at process startup is reclassified as
// interrupted by the recovery sweep; interrupted continuations can be resumed
// from the last durably flushed step.
package continuation

import (
	"context"
	"errors"
	"time"

	"github.com/hearth-agent/hearth/runtime/agent/artifact"
)

type (
	// Continuation captures the durable state of one unit of work.
	//
	// Once a continuation reaches a terminal status its status and response
	// never change again. Status transitions are persisted as whole-record
	// rewrites so readers never observe a partially written record.
	Continuation struct {
		// ID is the sortable identifier of the continuation.
		ID string
		// SessionID is the owning session.
		SessionID string
		// CreatedAt records when the continuation was created.
		CreatedAt time.Time
		// UpdatedAt records the last persisted mutation.
		UpdatedAt time.Time

		// Status is the current state machine position.
		Status Status
		// Request is the caller's request, immutable after creation.
		Request Request
		// Response is set once the continuation completes.
		Response *Response
		// Error is set when the continuation fails.
		Error *Error
		// Artifacts references outputs stored in the artifact store.
		Artifacts []artifact.Ref
		// CancelReason records why the continuation was cancelled.
		CancelReason string
	}

	// Status represents the lifecycle state of a continuation.
	Status string

	// Request carries the caller's message and execution constraints.
	Request struct {
		// Message is the user message text.
		Message string
		// AllowTools permits the planner to invoke tools.
		AllowTools bool
		// MaxSteps caps planner steps; zero inherits the session budget.
		MaxSteps int
		// TimeBudget caps wall-clock execution; zero inherits the session
		// budget.
		TimeBudget time.Duration
		// PlannerHints carries optional free-form hints for the planner.
		PlannerHints map[string]string
		// IdempotencyKey collapses duplicate retries of the same logical
		// request into the original continuation.
		IdempotencyKey string
	}

	// Response is the agent's final output.
	Response struct {
		// FinalMessage is the response text shown to the caller.
		FinalMessage string
		// Reasoning optionally summarizes how the response was produced.
		Reasoning string
		// Citations optionally lists sources backing the response.
		Citations []string
		// FollowUps optionally suggests next user messages.
		FollowUps []string
	}

	// Error is the structured failure recorded on a failed continuation.
	// Callers always see a stable code, never a raw internal error.
	Error struct {
		// Code is a stable machine-readable classification.
		Code string
		// Message is the human-readable description.
		Message string
		// Detail optionally carries structured context.
		Detail map[string]any
		// Recoverable indicates the continuation may be retried or resumed.
		Recoverable bool
	}

	// Store persists continuation records nested under their session.
	Store interface {
		// Put persists the full record, creating missing parent containers.
		Put(ctx context.Context, c *Continuation) error
		// Load reads a record. Returns ErrNotFound when it was never created.
		Load(ctx context.Context, sessionID, id string) (*Continuation, error)
		// List enumerates a session's continuations in id order. A missing
		// parent container yields an empty result, not an error.
		List(ctx context.Context, sessionID string) ([]*Continuation, error)
	}
)

const (
	// StatusPending indicates the continuation is created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the continuation is executing.
	StatusRunning Status = "running"
	// StatusStreaming indicates partial output is being produced.
	StatusStreaming Status = "streaming"
	// StatusCompleted indicates the continuation finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the continuation failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the continuation was cancelled externally.
	StatusCancelled Status = "cancelled"
	// StatusExpired indicates the continuation exceeded its retention.
	StatusExpired Status = "expired"
	// StatusInterrupted is assigned only by the recovery sweep to
	// continuations found non-terminal at startup. It is resumable.
	StatusInterrupted Status = "interrupted"
)

// ErrNotFound indicates a continuation does not exist.
var ErrNotFound = errors.New("continuation not found")

// Terminal reports whether the status admits no further transitions.
// interrupted is quasi-terminal and deliberately excluded: it is resumable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Clone returns a deep copy of the continuation.
func (c *Continuation) Clone() *Continuation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Request.PlannerHints != nil {
		out.Request.PlannerHints = make(map[string]string, len(c.Request.PlannerHints))
		for k, v := range c.Request.PlannerHints {
			out.Request.PlannerHints[k] = v
		}
	}
	if c.Response != nil {
		resp := *c.Response
		resp.Citations = append([]string(nil), c.Response.Citations...)
		resp.FollowUps = append([]string(nil), c.Response.FollowUps...)
		out.Response = &resp
	}
	if c.Error != nil {
		e := *c.Error
		if c.Error.Detail != nil {
			e.Detail = make(map[string]any, len(c.Error.Detail))
			for k, v := range c.Error.Detail {
				e.Detail[k] = v
			}
		}
		out.Error = &e
	}
	out.Artifacts = append([]artifact.Ref(nil), c.Artifacts...)
	return &out
}
