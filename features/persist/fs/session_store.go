package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hearth-agent/hearth/runtime/agent/session"
)

// SessionStore implements session.Store on the file layout.
type SessionStore struct {
	root string
}

// sessionDoc is the serialized form of a session record. Set-valued fields
// are stored as explicit ordered lists and rebuilt as sets on read so
// membership round-trips losslessly.
type sessionDoc struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
	Model       string            `json:"model"`
	Budgets     budgetsDoc        `json:"budgets"`
	Policy      policyDoc         `json:"policy"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Memory      memoryDoc         `json:"memory"`
	Messages    []messageRefDoc   `json:"messages,omitempty"`
	Open        []string          `json:"open_continuations,omitempty"`
	Usage       usageDoc          `json:"usage"`
	EndReason   string            `json:"end_reason,omitempty"`
	LastActive  time.Time         `json:"last_activity"`
}

type budgetsDoc struct {
	MaxSteps      int   `json:"max_steps"`
	MaxToolCalls  int   `json:"max_tool_calls"`
	MaxDurationMS int64 `json:"max_duration_ms"`
	MaxTokens     int   `json:"max_tokens"`
}

type policyDoc struct {
	AllowActuation      bool     `json:"allow_actuation"`
	AllowServices       []string `json:"allow_services,omitempty"`
	DenyServices        []string `json:"deny_services,omitempty"`
	RequireConfirmation bool     `json:"require_confirmation"`
	PinModel            bool     `json:"pin_model"`
}

type memoryDoc struct {
	RollingSummary string       `json:"rolling_summary,omitempty"`
	Facts          []factDoc    `json:"facts,omitempty"`
	Pins           []pinDoc     `json:"pins,omitempty"`
	LastK          []messageDoc `json:"last_k,omitempty"`
}

type factDoc struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type pinDoc struct {
	Text      string    `json:"text"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type messageDoc struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type messageRefDoc struct {
	ContinuationID string    `json:"continuation_id"`
	CreatedAt      time.Time `json:"created_at"`
	Preview        string    `json:"preview,omitempty"`
}

type usageDoc struct {
	Continuations int `json:"continuations"`
	Steps         int `json:"steps"`
	ToolCalls     int `json:"tool_calls"`
	Tokens        int `json:"tokens"`
}

// Put implements session.Store.
func (s *SessionStore) Put(_ context.Context, sess *session.Session) error {
	if sess == nil {
		return fmt.Errorf("fs: session is required")
	}
	if err := checkID(sess.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(encodeSession(sess), "", "  ")
	if err != nil {
		return fmt.Errorf("fs: marshal session %s: %w", sess.ID, err)
	}
	path := filepath.Join(sessionDir(s.root, sess.ID), sessionFile)
	return writeFileAtomic(path, data)
}

// Load implements session.Store.
func (s *SessionStore) Load(_ context.Context, sessionID string) (*session.Session, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	path := filepath.Join(sessionDir(s.root, sessionID), sessionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("fs: read session %s: %w", sessionID, err)
	}
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fs: parse session %s: %w", sessionID, err)
	}
	return decodeSession(doc), nil
}

// List implements session.Store. Sessions come back in id order; a missing
// sessions container yields an empty result.
func (s *SessionStore) List(ctx context.Context) ([]*session.Session, error) {
	dir := filepath.Join(s.root, sessionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs: list sessions: %w", err)
	}
	var out []*session.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.Load(ctx, e.Name())
		if err != nil {
			// A session directory without a record (e.g. crash between mkdir
			// and first write) is treated as never created.
			if errors.Is(err, session.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func encodeSession(sess *session.Session) sessionDoc {
	open := make([]string, 0, len(sess.Open))
	for id := range sess.Open {
		open = append(open, id)
	}
	sort.Strings(open)

	doc := sessionDoc{
		ID:        sess.ID,
		Status:    string(sess.Status),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Version:   sess.Version,
		Model:     sess.Model,
		Budgets: budgetsDoc{
			MaxSteps:      sess.Budgets.MaxSteps,
			MaxToolCalls:  sess.Budgets.MaxToolCalls,
			MaxDurationMS: sess.Budgets.MaxDuration.Milliseconds(),
			MaxTokens:     sess.Budgets.MaxTokens,
		},
		Policy: policyDoc{
			AllowActuation:      sess.Policy.AllowActuation,
			AllowServices:       sess.Policy.AllowServices,
			DenyServices:        sess.Policy.DenyServices,
			RequireConfirmation: sess.Policy.RequireConfirmation,
			PinModel:            sess.Policy.PinModel,
		},
		Preferences: sess.Preferences,
		Memory: memoryDoc{
			RollingSummary: sess.Memory.RollingSummary,
		},
		Open: open,
		Usage: usageDoc{
			Continuations: sess.Usage.Continuations,
			Steps:         sess.Usage.Steps,
			ToolCalls:     sess.Usage.ToolCalls,
			Tokens:        sess.Usage.Tokens,
		},
		EndReason:  sess.EndReason,
		LastActive: sess.LastActivity,
	}
	for _, f := range sess.Memory.Facts {
		doc.Memory.Facts = append(doc.Memory.Facts, factDoc(f))
	}
	for _, p := range sess.Memory.Pins {
		doc.Memory.Pins = append(doc.Memory.Pins, pinDoc(p))
	}
	for _, m := range sess.Memory.LastK {
		doc.Memory.LastK = append(doc.Memory.LastK, messageDoc(m))
	}
	for _, r := range sess.Messages {
		doc.Messages = append(doc.Messages, messageRefDoc(r))
	}
	return doc
}

func decodeSession(doc sessionDoc) *session.Session {
	sess := &session.Session{
		ID:        doc.ID,
		Status:    session.Status(doc.Status),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Version:   doc.Version,
		Model:     doc.Model,
		Budgets: session.Budgets{
			MaxSteps:     doc.Budgets.MaxSteps,
			MaxToolCalls: doc.Budgets.MaxToolCalls,
			MaxDuration:  time.Duration(doc.Budgets.MaxDurationMS) * time.Millisecond,
			MaxTokens:    doc.Budgets.MaxTokens,
		},
		Policy: session.Policy{
			AllowActuation:      doc.Policy.AllowActuation,
			AllowServices:       doc.Policy.AllowServices,
			DenyServices:        doc.Policy.DenyServices,
			RequireConfirmation: doc.Policy.RequireConfirmation,
			PinModel:            doc.Policy.PinModel,
		},
		Preferences: doc.Preferences,
		Memory: session.Memory{
			RollingSummary: doc.Memory.RollingSummary,
		},
		Usage: session.Usage{
			Continuations: doc.Usage.Continuations,
			Steps:         doc.Usage.Steps,
			ToolCalls:     doc.Usage.ToolCalls,
			Tokens:        doc.Usage.Tokens,
		},
		EndReason:    doc.EndReason,
		LastActivity: doc.LastActive,
		Open:         make(map[string]struct{}, len(doc.Open)),
	}
	for _, f := range doc.Memory.Facts {
		sess.Memory.Facts = append(sess.Memory.Facts, session.Fact(f))
	}
	for _, p := range doc.Memory.Pins {
		sess.Memory.Pins = append(sess.Memory.Pins, session.Pin(p))
	}
	for _, m := range doc.Memory.LastK {
		sess.Memory.LastK = append(sess.Memory.LastK, session.Message(m))
	}
	for _, r := range doc.Messages {
		sess.Messages = append(sess.Messages, session.MessageRef(r))
	}
	for _, id := range doc.Open {
		sess.Open[id] = struct{}{}
	}
	return sess
}
