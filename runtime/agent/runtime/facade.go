package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/session"
)

type (
	// SendReceipt acknowledges an asynchronously started continuation.
	SendReceipt struct {
		// ContinuationID identifies the continuation to await or cancel.
		ContinuationID string
		// Acknowledged is always true on success: the pending record is
		// durable before the receipt is returned.
		Acknowledged bool
		// Deduplicated marks receipts resolved from an idempotency key match;
		// ContinuationID then names the original continuation.
		Deduplicated bool
	}

	// SessionSummary is the redacted view of a session returned to callers.
	// It never carries message content, facts, or pins.
	SessionSummary struct {
		ID           string
		Status       session.Status
		CreatedAt    time.Time
		UpdatedAt    time.Time
		LastActivity time.Time
		Version      int64
		Model        string
		Usage        session.Usage
		EndReason    string

		// Memory sizes, not contents.
		SummaryChars int
		Facts        int
		Pins         int
		RecentKept   int
		Messages     int
		Open         int
	}

	// AskResult is the synchronous outcome of the one-shot Ask operation.
	AskResult struct {
		// Response is the agent's final response.
		Response continuation.Response
		// Artifacts references outputs produced during execution.
		Artifacts []artifact.Ref
	}

	// AskOptions tunes the one-shot Ask operation.
	AskOptions struct {
		// Model overrides the engine default model.
		Model string
		// Budgets overrides default budgets for the temporary session.
		Budgets session.Budgets
		// AllowTools permits tool use.
		AllowTools bool
	}
)

// StartSession creates a session with engine defaults overlaid by opts.
func (rt *Runtime) StartSession(ctx context.Context, opts CreateSessionOptions) (*session.Session, error) {
	return rt.sessions.Create(ctx, rt.defaults, opts)
}

// SendMessage creates a continuation for the message and starts executing it
// asynchronously. The pending record is persisted before the receipt returns,
// so a crash after acknowledgement still leaves a recoverable record. A
// request whose idempotency key was already seen for this session resolves to
// the original continuation without starting new work.
func (rt *Runtime) SendMessage(ctx context.Context, sessionID string, req continuation.Request) (SendReceipt, error) {
	if strings.TrimSpace(req.Message) == "" {
		return SendReceipt{}, fmt.Errorf("message is required")
	}
	c, dedup, err := rt.runner.create(ctx, sessionID, req)
	if err != nil {
		return SendReceipt{}, err
	}
	if dedup {
		return SendReceipt{ContinuationID: c.ID, Acknowledged: true, Deduplicated: true}, nil
	}
	now := time.Now().UTC()
	msg := session.Message{Role: "user", Content: req.Message, CreatedAt: now}
	ref := session.MessageRef{ContinuationID: c.ID, CreatedAt: now, Preview: preview(req.Message)}
	if err := rt.sessions.AddMessage(ctx, sessionID, msg, ref); err != nil {
		rt.logger.Error(ctx, "record user message", "continuation_id", c.ID, "err", err)
	}
	rt.runner.start(ctx, sessionID, c.ID, nil)
	return SendReceipt{ContinuationID: c.ID, Acknowledged: true}, nil
}

// AwaitContinuation blocks until the continuation reaches a terminal or
// interrupted status, or the timeout elapses. A zero timeout selects
// DefaultAwaitTimeout. On timeout the continuation keeps executing and the
// call fails with an AwaitTimeoutError.
func (rt *Runtime) AwaitContinuation(ctx context.Context, sessionID, continuationID string, timeout time.Duration) (*continuation.Continuation, error) {
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	return rt.runner.await(ctx, sessionID, continuationID, timeout)
}

// Cancel requests cooperative cancellation of a continuation. It reports
// whether a cancellable continuation was found: unknown ids and continuations
// already terminal report false rather than an error.
func (rt *Runtime) Cancel(ctx context.Context, continuationID, reason string) (bool, error) {
	return rt.runner.cancelByID(ctx, continuationID, reason)
}

// ResumeContinuation restarts an interrupted continuation from its durably
// flushed step log. Execution proceeds asynchronously; await the returned
// continuation id for the outcome.
func (rt *Runtime) ResumeContinuation(ctx context.Context, sessionID, continuationID string) (SendReceipt, error) {
	c, err := rt.runner.resume(ctx, sessionID, continuationID)
	if err != nil {
		return SendReceipt{}, err
	}
	return SendReceipt{ContinuationID: c.ID, Acknowledged: true}, nil
}

// GetSession returns the redacted summary of a session. Full message content
// never leaves the engine through this operation.
func (rt *Runtime) GetSession(_ context.Context, sessionID string) (SessionSummary, error) {
	sess, err := rt.sessions.Get(sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	return summarize(sess), nil
}

// EndSession transitions the session to ended. Idempotent: ending an already
// terminal session leaves it unchanged.
func (rt *Runtime) EndSession(ctx context.Context, sessionID, reason string) (SessionSummary, error) {
	sess, err := rt.sessions.End(ctx, sessionID, reason)
	if err != nil {
		return SessionSummary{}, err
	}
	return summarize(sess), nil
}

// ListSessions returns redacted session summaries in id order, optionally
// filtered by status. A non-positive limit returns all matches.
func (rt *Runtime) ListSessions(_ context.Context, status session.Status, limit int) []SessionSummary {
	var out []SessionSummary
	for _, sess := range rt.sessions.List() {
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, summarize(sess))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetContinuation returns a private copy of a continuation record.
func (rt *Runtime) GetContinuation(ctx context.Context, sessionID, continuationID string) (*continuation.Continuation, error) {
	return rt.runner.get(ctx, sessionID, continuationID)
}

// ListContinuations returns a session's continuations in id order.
func (rt *Runtime) ListContinuations(ctx context.Context, sessionID string) ([]*continuation.Continuation, error) {
	return rt.runner.list(ctx, sessionID)
}

// Ask is one-shot sugar: it creates a temporary session, sends the message,
// awaits the outcome, and always ends the session afterwards, success or not.
func (rt *Runtime) Ask(ctx context.Context, message string, opts AskOptions) (AskResult, error) {
	sess, err := rt.StartSession(ctx, CreateSessionOptions{Model: opts.Model, Budgets: opts.Budgets})
	if err != nil {
		return AskResult{}, err
	}
	defer func() {
		if _, eerr := rt.EndSession(context.WithoutCancel(ctx), sess.ID, "ask finished"); eerr != nil {
			rt.logger.Error(ctx, "end ask session", "session_id", sess.ID, "err", eerr)
		}
	}()

	receipt, err := rt.SendMessage(ctx, sess.ID, continuation.Request{
		Message:        message,
		AllowTools:     opts.AllowTools,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return AskResult{}, err
	}
	timeout := sess.Budgets.MaxDuration
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	c, err := rt.AwaitContinuation(ctx, sess.ID, receipt.ContinuationID, timeout+awaitPollInterval*4)
	if err != nil {
		return AskResult{}, err
	}
	if c.Status != continuation.StatusCompleted {
		if c.Error != nil {
			return AskResult{}, fmt.Errorf("ask %s: %s: %s", c.Status, c.Error.Code, c.Error.Message)
		}
		return AskResult{}, fmt.Errorf("ask finished with status %s", c.Status)
	}
	return AskResult{Response: *c.Response, Artifacts: c.Artifacts}, nil
}

// CleanupSessions expires active sessions idle past the engine TTL.
func (rt *Runtime) CleanupSessions(ctx context.Context) (int, error) {
	return rt.sessions.Cleanup(ctx)
}

// CleanupArtifacts removes artifacts created before olderThan and returns the
// number removed.
func (rt *Runtime) CleanupArtifacts(ctx context.Context, olderThan time.Time) (int, error) {
	return rt.artifacts.Cleanup(ctx, olderThan)
}

func summarize(sess *session.Session) SessionSummary {
	return SessionSummary{
		ID:           sess.ID,
		Status:       sess.Status,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
		LastActivity: sess.LastActivity,
		Version:      sess.Version,
		Model:        sess.Model,
		Usage:        sess.Usage,
		EndReason:    sess.EndReason,
		SummaryChars: len(sess.Memory.RollingSummary),
		Facts:        len(sess.Memory.Facts),
		Pins:         len(sess.Memory.Pins),
		RecentKept:   len(sess.Memory.LastK),
		Messages:     len(sess.Messages),
		Open:         len(sess.Open),
	}
}
