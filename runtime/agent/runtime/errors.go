// Package runtime implements the execution engine: session management,
// continuation orchestration, crash recovery, and the external-facing
// operations composing them.
package runtime

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes recorded on continuation records and returned to
// callers. User-visible failures always carry one of these, never a raw
// internal error.
const (
	// CodeNotFound classifies unknown session/continuation/artifact/tool ids.
	CodeNotFound = "not_found"
	// CodeConflict classifies optimistic-concurrency version mismatches.
	CodeConflict = "concurrency_conflict"
	// CodeValidation classifies malformed request fields and size violations.
	CodeValidation = "validation"
	// CodePolicyDenied classifies actuation attempts under a disallowing
	// policy.
	CodePolicyDenied = "policy_denied"
	// CodeExecutionFailure classifies planner or tool failures.
	CodeExecutionFailure = "execution_failure"
	// CodeTimeout classifies await deadlines.
	CodeTimeout = "timeout"
	// CodeCancelled classifies explicit cancellation.
	CodeCancelled = "cancelled"
)

var (
	// ErrSessionBusy indicates the session's single-flight cap rejected a new
	// continuation. Backpressure, not a queue: the caller should await the
	// open continuation first.
	ErrSessionBusy = errors.New("session has an open continuation")
	// ErrNotResumable indicates a resume attempt on a continuation that is
	// not in the interrupted state.
	ErrNotResumable = errors.New("continuation is not resumable")
	// ErrAwaitTimeout matches all AwaitTimeoutError values via errors.Is.
	ErrAwaitTimeout = errors.New("await timed out")
)

// AwaitTimeoutError reports an await that exceeded its deadline. The awaited
// continuation keeps running; only the caller-side wait failed.
type AwaitTimeoutError struct {
	// ContinuationID identifies the still-running continuation.
	ContinuationID string
	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

// Error implements error.
func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("await of continuation %s timed out after %s", e.ContinuationID, e.Timeout)
}

// Is matches ErrAwaitTimeout.
func (e *AwaitTimeoutError) Is(target error) bool { return target == ErrAwaitTimeout }
