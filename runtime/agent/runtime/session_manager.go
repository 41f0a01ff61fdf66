package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hearth-agent/hearth/ident"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/telemetry"
)

type (
	// SessionManager owns session records. It is the single source of truth
	// at runtime: the durable store is written through for crash recovery but
	// never consulted on the read path.
	SessionManager struct {
		mu       sync.RWMutex
		sessions map[string]*session.Session

		store   session.Store
		ids     *ident.Generator
		logger  telemetry.Logger
		maxOpen int
		idleTTL time.Duration
	}

	// CreateSessionOptions carries optional overrides for session creation.
	// Omitted fields receive engine defaults.
	CreateSessionOptions struct {
		// Model selects the model; empty uses the engine default.
		Model string
		// Budgets overrides default resource budgets. Zero fields inherit.
		Budgets session.Budgets
		// Policy overrides the default (non-actuating) policy.
		Policy *session.Policy
		// Preferences stores caller-provided free-form preferences.
		Preferences map[string]string
	}
)

// errSkipMutation aborts a mutate without persisting and without failing.
var errSkipMutation = errors.New("skip mutation")

func newSessionManager(store session.Store, ids *ident.Generator, logger telemetry.Logger, maxOpen int, idleTTL time.Duration) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session.Session),
		store:    store,
		ids:      ids,
		logger:   logger,
		maxOpen:  maxOpen,
		idleTTL:  idleTTL,
	}
}

// Init loads every persisted session into memory. It returns the ids of
// sessions with a non-empty open-continuation set: those need the runner's
// recovery sweep before new work is accepted.
func (m *SessionManager) Init(ctx context.Context) ([]string, error) {
	persisted, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var needRecovery []string
	for _, sess := range persisted {
		m.sessions[sess.ID] = sess
		if len(sess.Open) > 0 {
			needRecovery = append(needRecovery, sess.ID)
		}
	}
	sort.Strings(needRecovery)
	return needRecovery, nil
}

// Create allocates a session with defaults applied, persists it at version 1,
// and returns a private copy.
func (m *SessionManager) Create(ctx context.Context, defaults CreateSessionOptions, opts CreateSessionOptions) (*session.Session, error) {
	id, err := m.ids.New()
	if err != nil {
		return nil, fmt.Errorf("allocate session id: %w", err)
	}
	now := time.Now().UTC()

	model := opts.Model
	if model == "" {
		model = defaults.Model
	}
	budgets := mergeBudgets(defaults.Budgets, opts.Budgets)
	policy := session.Policy{}
	if defaults.Policy != nil {
		policy = *defaults.Policy
	}
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	sess := &session.Session{
		ID:           id,
		Status:       session.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
		Model:        model,
		Budgets:      budgets,
		Policy:       policy,
		Preferences:  opts.Preferences,
		Open:         make(map[string]struct{}),
		LastActivity: now,
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}
	m.mu.Lock()
	m.sessions[id] = sess.Clone()
	m.mu.Unlock()
	m.logger.Info(ctx, "session created", "session_id", id, "model", model)
	return sess, nil
}

// Get returns a private copy of the in-memory session or session.ErrNotFound.
func (m *SessionManager) Get(id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.Clone(), nil
}

// List returns private copies of every in-memory session in id order.
func (m *SessionManager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies an optimistic-concurrency write: the caller's Version must
// match the current in-memory Version or the update fails with
// session.ErrVersionConflict and writes nothing. On success the version is
// incremented, the record persisted, and the new state published.
func (m *SessionManager) Update(ctx context.Context, sess *session.Session) (*session.Session, error) {
	if sess == nil || sess.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[sess.ID]
	if !ok {
		return nil, session.ErrNotFound
	}
	if sess.Version != current.Version {
		return nil, fmt.Errorf("%w: have %d, want %d", session.ErrVersionConflict, sess.Version, current.Version)
	}
	next := sess.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", next.ID, err)
	}
	m.sessions[next.ID] = next
	return next.Clone(), nil
}

// mutate routes a narrow mutation through the version-checked update path
// while holding the lock, so internal mutators never lose the race they would
// otherwise have to retry.
func (m *SessionManager) mutate(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	if err := m.store.Put(ctx, next); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}
	m.sessions[id] = next
	return next.Clone(), nil
}

// AddMessage pushes a full message onto the LastK ring buffer (evicting the
// oldest at capacity) and appends its lightweight reference.
func (m *SessionManager) AddMessage(ctx context.Context, sessionID string, msg session.Message, ref session.MessageRef) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		sess.Memory.PushMessage(msg)
		sess.Messages = append(sess.Messages, ref)
		sess.LastActivity = time.Now().UTC()
		return nil
	})
	return err
}

// UpdateSummary replaces the rolling summary.
func (m *SessionManager) UpdateSummary(ctx context.Context, sessionID, summary string) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		sess.Memory.RollingSummary = summary
		return nil
	})
	return err
}

// AddFact appends a durable insight to session memory.
func (m *SessionManager) AddFact(ctx context.Context, sessionID string, fact session.Fact) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		sess.Memory.Facts = append(sess.Memory.Facts, fact)
		return nil
	})
	return err
}

// AddPin appends an always-included snippet to session memory.
func (m *SessionManager) AddPin(ctx context.Context, sessionID string, pin session.Pin) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		sess.Memory.Pins = append(sess.Memory.Pins, pin)
		return nil
	})
	return err
}

// AddContinuation registers an open continuation, enforcing the per-session
// single-flight cap atomically: a session at the cap rejects the addition
// with ErrSessionBusy rather than queueing.
func (m *SessionManager) AddContinuation(ctx context.Context, sessionID, continuationID string) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.Status != session.StatusActive {
			return session.ErrEnded
		}
		if len(sess.Open) >= m.maxOpen {
			return fmt.Errorf("%w (open=%d, cap=%d)", ErrSessionBusy, len(sess.Open), m.maxOpen)
		}
		if sess.Open == nil {
			sess.Open = make(map[string]struct{})
		}
		sess.Open[continuationID] = struct{}{}
		sess.Usage.Continuations++
		sess.LastActivity = time.Now().UTC()
		return nil
	})
	return err
}

// RemoveContinuation closes an open continuation and folds the reported usage
// into the session's aggregate statistics.
func (m *SessionManager) RemoveContinuation(ctx context.Context, sessionID, continuationID string, steps, toolCalls, tokens int) error {
	_, err := m.mutate(ctx, sessionID, func(sess *session.Session) error {
		delete(sess.Open, continuationID)
		sess.Usage.Steps += steps
		sess.Usage.ToolCalls += toolCalls
		sess.Usage.Tokens += tokens
		sess.LastActivity = time.Now().UTC()
		return nil
	})
	return err
}

// End transitions the session to ended. Terminal; the record is retained.
func (m *SessionManager) End(ctx context.Context, sessionID, reason string) (*session.Session, error) {
	return m.mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.Status.Terminal() {
			return nil
		}
		sess.Status = session.StatusEnded
		sess.EndReason = reason
		return nil
	})
}

// Cleanup expires every active session idle past the TTL. Idempotent and safe
// to run on a timer; returns the number of sessions expired.
func (m *SessionManager) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.idleTTL)
	var stale []string
	m.mu.RLock()
	for id, sess := range m.sessions {
		if sess.Status == session.StatusActive && sess.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	expired := 0
	for _, id := range stale {
		changed := false
		_, err := m.mutate(ctx, id, func(sess *session.Session) error {
			if sess.Status != session.StatusActive || !sess.LastActivity.Before(cutoff) {
				return errSkipMutation
			}
			sess.Status = session.StatusExpired
			sess.EndReason = "idle"
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, errSkipMutation) {
			return expired, err
		}
		if changed {
			expired++
			m.logger.Info(ctx, "session expired", "session_id", id)
		}
	}
	return expired, nil
}

// mergeBudgets overlays non-zero override fields on the defaults.
func mergeBudgets(defaults, override session.Budgets) session.Budgets {
	out := defaults
	if override.MaxSteps > 0 {
		out.MaxSteps = override.MaxSteps
	}
	if override.MaxToolCalls > 0 {
		out.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxDuration > 0 {
		out.MaxDuration = override.MaxDuration
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	return out
}
