// Package session defines durable session lifecycle and memory primitives.
//
// A Session is the first-class conversational container. Continuations must
// always belong to a session. Session lifecycle is explicit: sessions are
// created on demand, ended explicitly, or expired by the idle sweep; the core
// never physically deletes a session record.
package session

import (
	"context"
	"errors"
	"time"
)

// LastKCapacity bounds the ring buffer of most recent full messages kept in
// session memory. Older messages are evicted oldest-first.
const LastKCapacity = 10

type (
	// Session captures durable session state.
	//
	// Contract:
	// - Version increases by exactly 1 on every persisted mutation.
	// - Memory.LastK never exceeds LastKCapacity.
	// - Open is always a subset of the continuations created for this session.
	Session struct {
		// ID is the sortable identifier of the session.
		ID string
		// Status is the current lifecycle state.
		Status Status
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last persisted mutation.
		UpdatedAt time.Time
		// Version is the optimistic-concurrency token. Starts at 1.
		Version int64

		// Model is the model identifier continuations run against.
		Model string
		// Budgets bounds resource consumption for continuations in this session.
		Budgets Budgets
		// Policy gates side-effecting behavior.
		Policy Policy
		// Preferences stores caller-provided free-form preferences.
		Preferences map[string]string

		// Memory is the session's working memory.
		Memory Memory
		// Messages lists lightweight references to every message sent, in
		// order. References never carry full content.
		Messages []MessageRef
		// Open is the set of currently open continuation ids.
		Open map[string]struct{}
		// Usage aggregates resource consumption across continuations.
		Usage Usage

		// EndReason records why the session ended, when it did.
		EndReason string
		// LastActivity is the timestamp of the most recent send or completion,
		// used by the idle sweep.
		LastActivity time.Time
	}

	// Status represents the lifecycle state of a session.
	Status string

	// Budgets bounds the resources one continuation may consume.
	Budgets struct {
		// MaxSteps caps planner steps per continuation.
		MaxSteps int
		// MaxToolCalls caps tool invocations per continuation.
		MaxToolCalls int
		// MaxDuration caps wall-clock execution time per continuation.
		MaxDuration time.Duration
		// MaxTokens caps model token usage per continuation.
		MaxTokens int
	}

	// Policy gates side-effecting behavior for a session.
	Policy struct {
		// AllowActuation permits tools flagged as actuating to run.
		AllowActuation bool
		// AllowServices whitelists service identifiers callable by tools.
		// Empty means all services (subject to DenyServices).
		AllowServices []string
		// DenyServices blacklists service identifiers.
		DenyServices []string
		// RequireConfirmation requires explicit confirmation before actuation.
		RequireConfirmation bool
		// PinModel prevents continuations from overriding the session model.
		PinModel bool
	}

	// Memory is the session's working memory: a bounded rolling summary,
	// durable facts, pinned snippets, and a ring buffer of recent messages.
	Memory struct {
		// RollingSummary is a bounded free-text digest of the conversation.
		RollingSummary string
		// Facts are durable extracted insights.
		Facts []Fact
		// Pins are always-included snippets.
		Pins []Pin
		// LastK holds the most recent full messages, oldest first. Its length
		// never exceeds LastKCapacity.
		LastK []Message
	}

	// Fact is a durable extracted insight with a confidence score and
	// relevance tags.
	Fact struct {
		Text       string
		Confidence float64
		Tags       []string
		CreatedAt  time.Time
	}

	// Pin is an always-included snippet with the reason it was pinned.
	Pin struct {
		Text      string
		Reason    string
		CreatedAt time.Time
	}

	// Message is one full message retained in the LastK ring buffer.
	Message struct {
		Role      string
		Content   string
		CreatedAt time.Time
	}

	// MessageRef is a lightweight reference to a message: continuation id,
	// timestamp, and a short preview. Never the full content.
	MessageRef struct {
		ContinuationID string
		CreatedAt      time.Time
		Preview        string
	}

	// Usage aggregates resource consumption across a session's continuations.
	Usage struct {
		Continuations int
		Steps         int
		ToolCalls     int
		Tokens        int
	}

	// Store persists session records.
	//
	// Stores are for durability and recovery only: the session manager is the
	// single source of truth at runtime. Writes are whole-record overwrites so
	// readers always observe either the pre- or post-mutation state.
	Store interface {
		// Put persists the full session record, creating any missing parent
		// containers first.
		Put(ctx context.Context, sess *Session) error
		// Load reads a session record. Returns ErrNotFound when the record was
		// never created, distinguishing it from I/O failure.
		Load(ctx context.Context, sessionID string) (*Session, error)
		// List enumerates all persisted sessions. A missing container yields
		// an empty result, not an error.
		List(ctx context.Context) ([]*Session, error)
	}
)

const (
	// StatusActive indicates the session accepts new continuations.
	StatusActive Status = "active"
	// StatusEnded indicates the session was ended explicitly.
	StatusEnded Status = "ended"
	// StatusExpired indicates the idle sweep expired the session.
	StatusExpired Status = "expired"
)

var (
	// ErrNotFound indicates a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict indicates an update carried a stale version. The
	// caller must re-fetch and reapply; the core never retries automatically.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrEnded indicates an operation targeted a session in a terminal state.
	ErrEnded = errors.New("session is not active")
)

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusExpired
}

// PushMessage appends msg to the LastK ring buffer, evicting the oldest
// message when the buffer is at capacity.
func (m *Memory) PushMessage(msg Message) {
	if len(m.LastK) >= LastKCapacity {
		m.LastK = append(m.LastK[:0], m.LastK[len(m.LastK)-LastKCapacity+1:]...)
	}
	m.LastK = append(m.LastK, msg)
}

// Clone returns a deep copy of the session so callers can mutate it without
// affecting the manager's published state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Preferences != nil {
		out.Preferences = make(map[string]string, len(s.Preferences))
		for k, v := range s.Preferences {
			out.Preferences[k] = v
		}
	}
	out.Policy.AllowServices = append([]string(nil), s.Policy.AllowServices...)
	out.Policy.DenyServices = append([]string(nil), s.Policy.DenyServices...)
	out.Memory.Facts = append([]Fact(nil), s.Memory.Facts...)
	for i := range out.Memory.Facts {
		out.Memory.Facts[i].Tags = append([]string(nil), out.Memory.Facts[i].Tags...)
	}
	out.Memory.Pins = append([]Pin(nil), s.Memory.Pins...)
	out.Memory.LastK = append([]Message(nil), s.Memory.LastK...)
	out.Messages = append([]MessageRef(nil), s.Messages...)
	if s.Open != nil {
		out.Open = make(map[string]struct{}, len(s.Open))
		for id := range s.Open {
			out.Open[id] = struct{}{}
		}
	}
	return &out
}
