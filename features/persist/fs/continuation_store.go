package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
)

// ContinuationStore implements continuation.Store on the file layout.
// Records are nested under their owning session's container.
type ContinuationStore struct {
	root string
}

type continuationDoc struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Status       string            `json:"status"`
	Request      requestDoc        `json:"request"`
	Response     *responseDoc      `json:"response,omitempty"`
	Error        *errorDoc         `json:"error,omitempty"`
	Artifacts    []artifactRefDoc  `json:"artifacts,omitempty"`
	CancelReason string            `json:"cancel_reason,omitempty"`
}

type requestDoc struct {
	Message        string            `json:"message"`
	AllowTools     bool              `json:"allow_tools"`
	MaxSteps       int               `json:"max_steps,omitempty"`
	TimeBudgetMS   int64             `json:"time_budget_ms,omitempty"`
	PlannerHints   map[string]string `json:"planner_hints,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type responseDoc struct {
	FinalMessage string   `json:"final_message"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Citations    []string `json:"citations,omitempty"`
	FollowUps    []string `json:"follow_ups,omitempty"`
}

type errorDoc struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Detail      map[string]any `json:"detail,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

type artifactRefDoc struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Location  string            `json:"location"`
	Size      int64             `json:"size"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Put implements continuation.Store.
func (s *ContinuationStore) Put(_ context.Context, c *continuation.Continuation) error {
	if c == nil {
		return fmt.Errorf("fs: continuation is required")
	}
	if err := checkID(c.SessionID); err != nil {
		return err
	}
	if err := checkID(c.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(encodeContinuation(c), "", "  ")
	if err != nil {
		return fmt.Errorf("fs: marshal continuation %s: %w", c.ID, err)
	}
	path := filepath.Join(sessionDir(s.root, c.SessionID), continuationsIn, c.ID+".json")
	return writeFileAtomic(path, data)
}

// Load implements continuation.Store.
func (s *ContinuationStore) Load(_ context.Context, sessionID, id string) (*continuation.Continuation, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(sessionDir(s.root, sessionID), continuationsIn, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, continuation.ErrNotFound
		}
		return nil, fmt.Errorf("fs: read continuation %s: %w", id, err)
	}
	var doc continuationDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fs: parse continuation %s: %w", id, err)
	}
	return decodeContinuation(doc), nil
}

// List implements continuation.Store. A missing container yields an empty
// result; records come back in id order, which is creation order for sortable
// identifiers.
func (s *ContinuationStore) List(ctx context.Context, sessionID string) ([]*continuation.Continuation, error) {
	if err := checkID(sessionID); err != nil {
		return nil, err
	}
	dir := filepath.Join(sessionDir(s.root, sessionID), continuationsIn)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fs: list continuations: %w", err)
	}
	var out []*continuation.Continuation
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		c, err := s.Load(ctx, sessionID, strings.TrimSuffix(name, ".json"))
		if err != nil {
			if errors.Is(err, continuation.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func encodeContinuation(c *continuation.Continuation) continuationDoc {
	doc := continuationDoc{
		ID:        c.ID,
		SessionID: c.SessionID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Status:    string(c.Status),
		Request: requestDoc{
			Message:        c.Request.Message,
			AllowTools:     c.Request.AllowTools,
			MaxSteps:       c.Request.MaxSteps,
			TimeBudgetMS:   c.Request.TimeBudget.Milliseconds(),
			PlannerHints:   c.Request.PlannerHints,
			IdempotencyKey: c.Request.IdempotencyKey,
		},
		CancelReason: c.CancelReason,
	}
	if c.Response != nil {
		doc.Response = &responseDoc{
			FinalMessage: c.Response.FinalMessage,
			Reasoning:    c.Response.Reasoning,
			Citations:    c.Response.Citations,
			FollowUps:    c.Response.FollowUps,
		}
	}
	if c.Error != nil {
		doc.Error = &errorDoc{
			Code:        c.Error.Code,
			Message:     c.Error.Message,
			Detail:      c.Error.Detail,
			Recoverable: c.Error.Recoverable,
		}
	}
	for _, ref := range c.Artifacts {
		doc.Artifacts = append(doc.Artifacts, artifactRefDoc{
			ID:        ref.ID,
			Type:      string(ref.Type),
			Location:  ref.Location,
			Size:      ref.Size,
			CreatedAt: ref.CreatedAt,
			Metadata:  ref.Metadata,
		})
	}
	return doc
}

func decodeContinuation(doc continuationDoc) *continuation.Continuation {
	c := &continuation.Continuation{
		ID:        doc.ID,
		SessionID: doc.SessionID,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Status:    continuation.Status(doc.Status),
		Request: continuation.Request{
			Message:        doc.Request.Message,
			AllowTools:     doc.Request.AllowTools,
			MaxSteps:       doc.Request.MaxSteps,
			TimeBudget:     time.Duration(doc.Request.TimeBudgetMS) * time.Millisecond,
			PlannerHints:   doc.Request.PlannerHints,
			IdempotencyKey: doc.Request.IdempotencyKey,
		},
		CancelReason: doc.CancelReason,
	}
	if doc.Response != nil {
		c.Response = &continuation.Response{
			FinalMessage: doc.Response.FinalMessage,
			Reasoning:    doc.Response.Reasoning,
			Citations:    doc.Response.Citations,
			FollowUps:    doc.Response.FollowUps,
		}
	}
	if doc.Error != nil {
		c.Error = &continuation.Error{
			Code:        doc.Error.Code,
			Message:     doc.Error.Message,
			Detail:      doc.Error.Detail,
			Recoverable: doc.Error.Recoverable,
		}
	}
	for _, ref := range doc.Artifacts {
		c.Artifacts = append(c.Artifacts, artifact.Ref{
			ID:        ref.ID,
			Type:      artifact.Type(ref.Type),
			Location:  ref.Location,
			Size:      ref.Size,
			CreatedAt: ref.CreatedAt,
			Metadata:  ref.Metadata,
		})
	}
	return c
}
