package fs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hearth-agent/hearth/ident"
	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/session"
)

func newStores(t *testing.T) *Stores {
	t.Helper()
	s, err := New(Options{Root: t.TempDir()})
	require.NoError(t, err)
	return s
}

func sampleSession(t *testing.T) *session.Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &session.Session{
		ID:        ident.MustNew(),
		Status:    session.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   3,
		Model:     "claude-sonnet-4-5",
		Budgets: session.Budgets{
			MaxSteps:     24,
			MaxToolCalls: 16,
			MaxDuration:  2 * time.Minute,
			MaxTokens:    16384,
		},
		Policy: session.Policy{
			AllowActuation: true,
			AllowServices:  []string{"light.turn_on"},
			DenyServices:   []string{"lock.unlock"},
		},
		Preferences: map[string]string{"tone": "brief"},
		Memory: session.Memory{
			RollingSummary: "talked about the thermostat",
			Facts:          []session.Fact{{Text: "prefers 19C at night", Confidence: 0.9, Tags: []string{"climate"}, CreatedAt: now}},
			Pins:           []session.Pin{{Text: "never unlock doors", Reason: "household rule", CreatedAt: now}},
			LastK:          []session.Message{{Role: "user", Content: "hello", CreatedAt: now}},
		},
		Messages:     []session.MessageRef{{ContinuationID: ident.MustNew(), CreatedAt: now, Preview: "hello"}},
		Open:         map[string]struct{}{},
		Usage:        session.Usage{Continuations: 2, Steps: 5, ToolCalls: 3, Tokens: 900},
		LastActivity: now,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	sess := sampleSession(t)
	cid1, cid2 := ident.MustNew(), ident.MustNew()
	sess.Open[cid1] = struct{}{}
	sess.Open[cid2] = struct{}{}

	require.NoError(t, stores.Sessions.Put(ctx, sess))
	got, err := stores.Sessions.Load(ctx, sess.ID)
	require.NoError(t, err)

	require.Equal(t, sess.ID, got.ID)
	require.Equal(t, sess.Status, got.Status)
	require.Equal(t, sess.Version, got.Version)
	require.Equal(t, sess.Budgets, got.Budgets)
	require.Equal(t, sess.Policy, got.Policy)
	require.Equal(t, sess.Preferences, got.Preferences)
	require.Equal(t, sess.Memory, got.Memory)
	require.Equal(t, sess.Messages, got.Messages)
	require.Equal(t, sess.Usage, got.Usage)
	// Open-set membership survives the list round-trip.
	require.Len(t, got.Open, 2)
	require.Contains(t, got.Open, cid1)
	require.Contains(t, got.Open, cid2)
}

func TestSessionLoadNotFound(t *testing.T) {
	stores := newStores(t)
	_, err := stores.Sessions.Load(context.Background(), ident.MustNew())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionRejectsMalformedID(t *testing.T) {
	stores := newStores(t)
	_, err := stores.Sessions.Load(context.Background(), "../escape")
	require.Error(t, err)
	require.NotErrorIs(t, err, session.ErrNotFound)
}

func TestSessionListEmptyRoot(t *testing.T) {
	stores := newStores(t)
	out, err := stores.Sessions.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestSessionListOrdersByID(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		sess := sampleSession(t)
		require.NoError(t, stores.Sessions.Put(ctx, sess))
		ids = append(ids, sess.ID)
	}
	out, err := stores.Sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, sess := range out {
		require.Equal(t, ids[i], sess.ID)
	}
}

func sampleContinuation(sessionID string) *continuation.Continuation {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &continuation.Continuation{
		ID:        ident.MustNew(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    continuation.StatusCompleted,
		Request: continuation.Request{
			Message:        "turn on the porch light",
			AllowTools:     true,
			MaxSteps:       8,
			TimeBudget:     30 * time.Second,
			PlannerHints:   map[string]string{"tone": "brief"},
			IdempotencyKey: "key-1",
		},
		Response: &continuation.Response{
			FinalMessage: "done",
			Citations:    []string{"hass://light.porch"},
		},
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	sid := ident.MustNew()
	c := sampleContinuation(sid)

	require.NoError(t, stores.Continuations.Put(ctx, c))
	got, err := stores.Continuations.Load(ctx, sid, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
	require.Equal(t, c.Status, got.Status)
	require.Equal(t, c.Request, got.Request)
	require.Equal(t, c.Response, got.Response)
	require.Nil(t, got.Error)
}

func TestContinuationErrorRoundTrip(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	sid := ident.MustNew()
	c := sampleContinuation(sid)
	c.Status = continuation.StatusFailed
	c.Response = nil
	c.Error = &continuation.Error{
		Code:        "execution_failure",
		Message:     "planner exploded",
		Detail:      map[string]any{"attempt": float64(2)},
		Recoverable: true,
	}

	require.NoError(t, stores.Continuations.Put(ctx, c))
	got, err := stores.Continuations.Load(ctx, sid, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.Error, got.Error)
	require.Nil(t, got.Response)
}

func TestContinuationNotFound(t *testing.T) {
	stores := newStores(t)
	_, err := stores.Continuations.Load(context.Background(), ident.MustNew(), ident.MustNew())
	require.ErrorIs(t, err, continuation.ErrNotFound)
}

func TestContinuationListMissingSession(t *testing.T) {
	stores := newStores(t)
	out, err := stores.Continuations.List(context.Background(), ident.MustNew())
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestContinuationListOrdersByID(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	sid := ident.MustNew()
	var ids []string
	for i := 0; i < 3; i++ {
		c := sampleContinuation(sid)
		require.NoError(t, stores.Continuations.Put(ctx, c))
		ids = append(ids, c.ID)
	}
	out, err := stores.Continuations.List(ctx, sid)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, c := range out {
		require.Equal(t, ids[i], c.ID)
	}
}

func TestArtifactWriteReadImmutable(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	content := []byte(`{"series":[1,2,3]}`)

	ref, err := stores.Artifacts.Write(ctx, artifact.TypeJSON, content, map[string]string{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, ref.ID)
	require.EqualValues(t, len(content), ref.Size)

	got, err := stores.Artifacts.Read(ctx, ref.ID)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestArtifactOversizeLeavesNothing(t *testing.T) {
	s, err := New(Options{Root: t.TempDir(), MaxArtifactSize: 8})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Artifacts.Write(ctx, artifact.TypeText, []byte("way past the configured limit"), nil)
	var serr *artifact.SizeLimitError
	require.ErrorAs(t, err, &serr)
	require.EqualValues(t, 8, serr.Limit)

	refs, err := s.Artifacts.List(ctx, artifact.Filter{})
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestArtifactListFilters(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	_, err := stores.Artifacts.Write(ctx, artifact.TypeText, []byte("notes"), nil)
	require.NoError(t, err)
	plot, err := stores.Artifacts.Write(ctx, artifact.TypePlot, []byte("png-bytes"), nil)
	require.NoError(t, err)

	refs, err := stores.Artifacts.List(ctx, artifact.Filter{Type: artifact.TypePlot})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, plot.ID, refs[0].ID)
}

func TestArtifactDeleteIdempotent(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	ref, err := stores.Artifacts.Write(ctx, artifact.TypeText, []byte("bye"), nil)
	require.NoError(t, err)

	require.NoError(t, stores.Artifacts.Delete(ctx, ref.ID))
	require.NoError(t, stores.Artifacts.Delete(ctx, ref.ID))
	_, err = stores.Artifacts.Read(ctx, ref.ID)
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestArtifactCleanup(t *testing.T) {
	stores := newStores(t)
	ctx := context.Background()
	_, err := stores.Artifacts.Write(ctx, artifact.TypeText, []byte("old"), nil)
	require.NoError(t, err)

	removed, err := stores.Artifacts.Cleanup(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	refs, err := stores.Artifacts.List(ctx, artifact.Filter{})
	require.NoError(t, err)
	require.Empty(t, refs)

	// Nothing newer than the cutoff is touched.
	_, err = stores.Artifacts.Write(ctx, artifact.TypeText, []byte("new"), nil)
	require.NoError(t, err)
	removed, err = stores.Artifacts.Cleanup(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestLogPathLayout(t *testing.T) {
	stores := newStores(t)
	sid, cid := ident.MustNew(), ident.MustNew()
	path := stores.LogPath(sid, cid)
	require.Contains(t, path, sid)
	require.Contains(t, path, cid+".jsonl")
}
