package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hearth-agent/hearth/ident"
	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/hass"
	"github.com/hearth-agent/hearth/runtime/agent/planner"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/stream"
	"github.com/hearth-agent/hearth/runtime/agent/telemetry"
	"github.com/hearth-agent/hearth/runtime/agent/tools"
)

// awaitPollInterval paces the status polls performed by Await.
const awaitPollInterval = 50 * time.Millisecond

// messagePreviewLen bounds the preview text stored on message references.
const messagePreviewLen = 80

type (
	// runner executes continuations: it owns the in-memory record index, the
	// in-flight execution table, and the idempotency index. Status transitions
	// are persisted as whole-record rewrites before they become observable.
	runner struct {
		mu      sync.Mutex
		records map[string]*continuation.Continuation
		running map[string]*execution

		// idemMu guards the idempotency index and serializes continuation
		// creation, so concurrent sends with the same key collapse onto one
		// record instead of racing into backpressure.
		idemMu sync.Mutex
		idem   map[string]string

		store     continuation.Store
		sessions  *SessionManager
		registry  *tools.Registry
		planner   planner.Planner
		artifacts artifact.Store
		hass      hass.Client
		sink      stream.Sink
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		logPath   func(sessionID, continuationID string) string
		stepOpts  steplog.Options
		ids       *ident.Generator
	}

	// execution tracks one in-flight continuation.
	execution struct {
		cancel context.CancelFunc
		reason string
	}
)

func newRunner(
	store continuation.Store,
	sessions *SessionManager,
	registry *tools.Registry,
	plan planner.Planner,
	artifacts artifact.Store,
	hassClient hass.Client,
	sink stream.Sink,
	logger telemetry.Logger,
	metrics telemetry.Metrics,
	logPath func(sessionID, continuationID string) string,
	stepOpts steplog.Options,
	ids *ident.Generator,
) *runner {
	return &runner{
		records:   make(map[string]*continuation.Continuation),
		running:   make(map[string]*execution),
		idem:      make(map[string]string),
		store:     store,
		sessions:  sessions,
		registry:  registry,
		planner:   plan,
		artifacts: artifacts,
		hass:      hassClient,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		logPath:   logPath,
		stepOpts:  stepOpts,
		ids:       ids,
	}
}

func idemKey(sessionID, key string) string { return sessionID + "\x00" + key }

// create allocates and persists a pending continuation. When the request
// carries an idempotency key already seen for this session, the original
// record is returned instead of creating a duplicate.
func (r *runner) create(ctx context.Context, sessionID string, req continuation.Request) (*continuation.Continuation, bool, error) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()

	if req.IdempotencyKey != "" {
		if cid, ok := r.idem[idemKey(sessionID, req.IdempotencyKey)]; ok {
			c, err := r.get(ctx, sessionID, cid)
			if err != nil {
				return nil, false, err
			}
			return c, true, nil
		}
	}

	id, err := r.ids.New()
	if err != nil {
		return nil, false, fmt.Errorf("allocate continuation id: %w", err)
	}
	if err := r.sessions.AddContinuation(ctx, sessionID, id); err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()
	c := &continuation.Continuation{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    continuation.StatusPending,
		Request:   req,
	}
	if err := r.put(ctx, c); err != nil {
		// Roll back the open-set registration so the session is not wedged.
		if rerr := r.sessions.RemoveContinuation(ctx, sessionID, id, 0, 0, 0); rerr != nil {
			r.logger.Error(ctx, "roll back continuation registration", "continuation_id", id, "err", rerr)
		}
		return nil, false, err
	}
	// Registered only after the record is durable, so a dedupe hit always
	// resolves to a loadable continuation.
	if req.IdempotencyKey != "" {
		r.idem[idemKey(sessionID, req.IdempotencyKey)] = id
	}
	r.logger.Info(ctx, "continuation created", "session_id", sessionID, "continuation_id", id)
	return c.Clone(), false, nil
}

// start launches the execution of a pending continuation on its own
// goroutine, detached from the caller's cancellation.
func (r *runner) start(ctx context.Context, sessionID, continuationID string, resume []steplog.Entry) {
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := r.execute(detached, sessionID, continuationID, resume); err != nil {
			r.logger.Error(detached, "continuation execution", "continuation_id", continuationID, "err", err)
		}
	}()
}

// execute drives one continuation from running to a terminal status. Every
// transition is persisted before it becomes observable, and the step log is
// flushed and closed before the terminal record lands.
func (r *runner) execute(ctx context.Context, sessionID, continuationID string, resume []steplog.Entry) error {
	c, err := r.get(ctx, sessionID, continuationID)
	if err != nil {
		return err
	}
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	budget := effectiveBudget(sess, c.Request, time.Now().UTC())
	var execCtx context.Context
	var cancel context.CancelFunc
	if budget.Deadline.IsZero() {
		execCtx, cancel = context.WithCancel(ctx)
	} else {
		execCtx, cancel = context.WithDeadline(ctx, budget.Deadline)
	}
	defer cancel()

	// Claim the execution slot only while the record is still pending. A
	// cancel that landed between creation and this point owns the record:
	// either its claim is still in the running table or its cancelled
	// rewrite is already published.
	r.mu.Lock()
	if _, claimed := r.running[continuationID]; claimed {
		r.mu.Unlock()
		return nil
	}
	if rec, ok := r.records[continuationID]; ok && rec.Status != continuation.StatusPending {
		status := rec.Status
		r.mu.Unlock()
		r.logger.Info(ctx, "continuation no longer pending, not executing",
			"continuation_id", continuationID, "status", string(status))
		return nil
	}
	r.running[continuationID] = &execution{cancel: cancel}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, continuationID)
		r.mu.Unlock()
	}()

	c.Status = continuation.StatusRunning
	if err := r.put(ctx, c); err != nil {
		return err
	}

	log, err := steplog.Open(r.logPath(sessionID, continuationID), r.stepOpts)
	if err != nil {
		return r.finish(ctx, c, planner.Usage{}, nil, &continuation.Error{
			Code:        CodeExecutionFailure,
			Message:     fmt.Sprintf("open step log: %v", err),
			Recoverable: true,
		})
	}

	var streamingOnce sync.Once
	appendEntry := func(e steplog.Entry) error {
		if err := log.Log(e); err != nil {
			return err
		}
		// Stream delivery is best effort: a sink failure never fails the
		// continuation.
		if serr := r.sink.Send(execCtx, stream.Event{
			SessionID:      sessionID,
			ContinuationID: continuationID,
			Timestamp:      time.Now().UTC(),
			Entry:          e,
		}); serr != nil {
			r.logger.Warn(ctx, "stream delivery", "continuation_id", continuationID, "err", serr)
		}
		streamingOnce.Do(func() {
			c.Status = continuation.StatusStreaming
			if perr := r.put(ctx, c); perr != nil {
				r.logger.Error(ctx, "persist streaming transition", "continuation_id", continuationID, "err", perr)
			}
		})
		return nil
	}

	inv := &tools.Invocation{
		Session:        sess,
		ContinuationID: continuationID,
		Log:            appendEntry,
		Artifacts:      r.artifacts,
		Hass:           r.hass,
	}
	var registry *tools.Registry
	if c.Request.AllowTools {
		registry = r.registry
	}

	started := time.Now()
	result, planErr := r.planner.Plan(execCtx, planner.PlanInput{
		Request:    c.Request,
		Session:    sess,
		Model:      sess.Model,
		Tools:      registry,
		Invocation: inv,
		Budget:     budget,
		Resume:     resume,
	})
	duration := time.Since(started)

	var cerr *continuation.Error
	if planErr != nil {
		cerr = r.classify(execCtx, continuationID, planErr)
		if aerr := appendEntry(steplog.Entry{
			Type: steplog.TypeError,
			Error: &steplog.ErrorDetail{
				Code:        cerr.Code,
				Message:     cerr.Message,
				Recoverable: cerr.Recoverable,
			},
		}); aerr != nil {
			r.logger.Warn(ctx, "append error entry", "continuation_id", continuationID, "err", aerr)
		}
	}
	if err := log.Close(); err != nil {
		r.logger.Error(ctx, "close step log", "continuation_id", continuationID, "err", err)
	}

	status := "completed"
	if cerr != nil {
		status = string(statusForError(cerr))
	}
	r.metrics.RecordTimer("continuation_duration", duration, "status", status)
	r.metrics.IncCounter("continuations_finished", 1, "status", status)

	return r.finish(ctx, c, result.Usage, &result, cerr)
}

// finish persists the terminal record, folds usage and memory updates into
// the session, and closes the open-set registration.
func (r *runner) finish(ctx context.Context, c *continuation.Continuation, usage planner.Usage, result *planner.PlanResult, cerr *continuation.Error) error {
	if cerr != nil {
		c.Status = statusForError(cerr)
		c.Error = cerr
		if c.Status == continuation.StatusCancelled && c.CancelReason == "" {
			c.CancelReason = cerr.Message
		}
	} else {
		c.Status = continuation.StatusCompleted
		resp := result.Response
		c.Response = &resp
	}
	if err := r.put(ctx, c); err != nil {
		return err
	}

	if cerr == nil && result != nil {
		r.recordOutcome(ctx, c, result)
	}
	if err := r.sessions.RemoveContinuation(ctx, c.SessionID, c.ID, usage.Steps, usage.ToolCalls, usage.Tokens); err != nil {
		r.logger.Error(ctx, "close continuation registration", "continuation_id", c.ID, "err", err)
	}
	r.logger.Info(ctx, "continuation finished",
		"session_id", c.SessionID, "continuation_id", c.ID, "status", string(c.Status))
	if cerr != nil {
		return fmt.Errorf("continuation %s %s: %s", c.ID, c.Status, cerr.Message)
	}
	return nil
}

// recordOutcome folds a successful result into session memory: the assistant
// message, an optional summary update, and any extracted facts.
func (r *runner) recordOutcome(ctx context.Context, c *continuation.Continuation, result *planner.PlanResult) {
	now := time.Now().UTC()
	msg := session.Message{Role: "assistant", Content: result.Response.FinalMessage, CreatedAt: now}
	ref := session.MessageRef{ContinuationID: c.ID, CreatedAt: now, Preview: preview(result.Response.FinalMessage)}
	if err := r.sessions.AddMessage(ctx, c.SessionID, msg, ref); err != nil {
		r.logger.Error(ctx, "record assistant message", "continuation_id", c.ID, "err", err)
	}
	if result.SummaryUpdate != "" {
		if err := r.sessions.UpdateSummary(ctx, c.SessionID, result.SummaryUpdate); err != nil {
			r.logger.Error(ctx, "update rolling summary", "continuation_id", c.ID, "err", err)
		}
	}
	for _, fact := range result.Facts {
		if fact.CreatedAt.IsZero() {
			fact.CreatedAt = now
		}
		if err := r.sessions.AddFact(ctx, c.SessionID, fact); err != nil {
			r.logger.Error(ctx, "record fact", "continuation_id", c.ID, "err", err)
		}
	}
}

// classify maps a planner failure to the structured error recorded on the
// continuation.
func (r *runner) classify(execCtx context.Context, continuationID string, err error) *continuation.Error {
	r.mu.Lock()
	var reason string
	if exec, ok := r.running[continuationID]; ok {
		reason = exec.reason
	}
	r.mu.Unlock()

	switch {
	case reason != "":
		return &continuation.Error{Code: CodeCancelled, Message: reason}
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return &continuation.Error{Code: CodeTimeout, Message: "time budget exhausted", Recoverable: true}
	case errors.Is(err, context.Canceled):
		return &continuation.Error{Code: CodeCancelled, Message: "cancelled"}
	case errors.Is(err, tools.ErrActuationDenied):
		return &continuation.Error{Code: CodePolicyDenied, Message: err.Error()}
	default:
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return &continuation.Error{Code: CodeValidation, Message: err.Error()}
		}
		return &continuation.Error{Code: CodeExecutionFailure, Message: err.Error(), Recoverable: true}
	}
}

func statusForError(cerr *continuation.Error) continuation.Status {
	if cerr.Code == CodeCancelled {
		return continuation.StatusCancelled
	}
	return continuation.StatusFailed
}

// cancel requests cooperative cancellation. An in-flight execution is
// signalled through its context; a pending or interrupted record is finalized
// directly. Returns false when the continuation is unknown or already
// terminal.
func (r *runner) cancel(ctx context.Context, sessionID, continuationID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by caller"
	}
	r.mu.Lock()
	if exec, ok := r.running[continuationID]; ok {
		exec.reason = reason
		exec.cancel()
		r.mu.Unlock()
		return true, nil
	}
	if rec, ok := r.records[continuationID]; ok && rec.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	// Claim the execution slot so an execute goroutine that has not yet
	// registered cannot revive the record while the direct finalize below
	// runs.
	r.running[continuationID] = &execution{reason: reason, cancel: func() {}}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, continuationID)
		r.mu.Unlock()
	}()

	c, err := r.get(ctx, sessionID, continuationID)
	if err != nil {
		if errors.Is(err, continuation.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if c.Status.Terminal() {
		return false, nil
	}
	wasOpen := c.Status != continuation.StatusInterrupted
	c.Status = continuation.StatusCancelled
	c.CancelReason = reason
	c.Error = &continuation.Error{Code: CodeCancelled, Message: reason}
	if err := r.put(ctx, c); err != nil {
		return false, err
	}
	if wasOpen {
		if err := r.sessions.RemoveContinuation(ctx, sessionID, continuationID, 0, 0, 0); err != nil {
			r.logger.Error(ctx, "close continuation registration", "continuation_id", continuationID, "err", err)
		}
	}
	return true, nil
}

// cancelByID resolves the owning session from the in-memory index and
// cancels. A continuation the engine is not tracking reports not found; the
// caller cannot distinguish "never created" from "evicted", and does not need
// to.
func (r *runner) cancelByID(ctx context.Context, continuationID, reason string) (bool, error) {
	r.mu.Lock()
	c, ok := r.records[continuationID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return r.cancel(ctx, c.SessionID, continuationID, reason)
}

// await blocks until the continuation reaches a terminal or interrupted
// status, polling the in-memory index and falling back to the durable store.
// Exceeding timeout returns an AwaitTimeoutError; the continuation itself
// keeps running.
func (r *runner) await(ctx context.Context, sessionID, continuationID string, timeout time.Duration) (*continuation.Continuation, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(awaitPollInterval)
	defer ticker.Stop()
	for {
		c, err := r.get(ctx, sessionID, continuationID)
		if err != nil {
			return nil, err
		}
		if c.Status.Terminal() || c.Status == continuation.StatusInterrupted {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, &AwaitTimeoutError{ContinuationID: continuationID, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// recover sweeps persisted continuations at startup: non-terminal records are
// reclassified as interrupted and released from their session's open set, and
// the idempotency index is rebuilt so retries keep collapsing across
// restarts. Returns the number of continuations interrupted.
func (r *runner) recover(ctx context.Context, sessionIDs []string) (int, error) {
	interrupted := 0
	for _, sid := range sessionIDs {
		persisted, err := r.store.List(ctx, sid)
		if err != nil {
			return interrupted, fmt.Errorf("recover session %s: %w", sid, err)
		}
		for _, c := range persisted {
			if key := c.Request.IdempotencyKey; key != "" {
				r.idemMu.Lock()
				r.idem[idemKey(sid, key)] = c.ID
				r.idemMu.Unlock()
			}
			if c.Status.Terminal() || c.Status == continuation.StatusInterrupted {
				continue
			}
			c.Status = continuation.StatusInterrupted
			if err := r.put(ctx, c); err != nil {
				return interrupted, err
			}
			if err := r.sessions.RemoveContinuation(ctx, sid, c.ID, 0, 0, 0); err != nil {
				return interrupted, err
			}
			interrupted++
			r.logger.Info(ctx, "continuation interrupted by recovery",
				"session_id", sid, "continuation_id", c.ID)
		}
	}
	return interrupted, nil
}

// resume restarts an interrupted continuation from its durably flushed step
// entries. The continuation re-enters the session's open set, subject to the
// single-flight cap, and executes again with the replayed trace.
func (r *runner) resume(ctx context.Context, sessionID, continuationID string) (*continuation.Continuation, error) {
	c, err := r.get(ctx, sessionID, continuationID)
	if err != nil {
		return nil, err
	}
	if c.Status != continuation.StatusInterrupted {
		return nil, fmt.Errorf("%w: continuation %s is %s", ErrNotResumable, continuationID, c.Status)
	}
	entries, err := steplog.Read(r.logPath(sessionID, continuationID))
	if err != nil {
		return nil, err
	}
	if err := r.sessions.AddContinuation(ctx, sessionID, continuationID); err != nil {
		return nil, err
	}
	c.Status = continuation.StatusPending
	if err := r.put(ctx, c); err != nil {
		return nil, err
	}
	r.start(ctx, sessionID, continuationID, entries)
	return c.Clone(), nil
}

// get returns a private copy of the record, consulting the in-memory index
// first and the durable store second.
func (r *runner) get(ctx context.Context, sessionID, continuationID string) (*continuation.Continuation, error) {
	r.mu.Lock()
	c, ok := r.records[continuationID]
	r.mu.Unlock()
	if ok {
		if c.SessionID != sessionID {
			return nil, continuation.ErrNotFound
		}
		return c.Clone(), nil
	}
	return r.store.Load(ctx, sessionID, continuationID)
}

// list returns a session's continuations from the durable store, overlaid
// with any fresher in-memory records.
func (r *runner) list(ctx context.Context, sessionID string) ([]*continuation.Continuation, error) {
	persisted, err := r.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range persisted {
		if mem, ok := r.records[c.ID]; ok {
			persisted[i] = mem.Clone()
		}
	}
	return persisted, nil
}

// put persists the record and publishes it to the in-memory index.
func (r *runner) put(ctx context.Context, c *continuation.Continuation) error {
	c.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(ctx, c); err != nil {
		return fmt.Errorf("persist continuation %s: %w", c.ID, err)
	}
	r.mu.Lock()
	r.records[c.ID] = c.Clone()
	r.mu.Unlock()
	return nil
}

// effectiveBudget merges session budgets with request overrides.
func effectiveBudget(sess *session.Session, req continuation.Request, start time.Time) planner.Budget {
	b := planner.Budget{
		MaxSteps:     sess.Budgets.MaxSteps,
		MaxToolCalls: sess.Budgets.MaxToolCalls,
		MaxTokens:    sess.Budgets.MaxTokens,
	}
	if req.MaxSteps > 0 {
		b.MaxSteps = req.MaxSteps
	}
	duration := sess.Budgets.MaxDuration
	if req.TimeBudget > 0 {
		duration = req.TimeBudget
	}
	if duration > 0 {
		b.Deadline = start.Add(duration)
	}
	return b
}

func preview(text string) string {
	if len(text) <= messagePreviewLen {
		return text
	}
	// Back up to a rune boundary so truncation never emits invalid UTF-8.
	cut := messagePreviewLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
