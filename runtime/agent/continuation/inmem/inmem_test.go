package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hearth-agent/hearth/runtime/agent/continuation"
)

func TestPutLoadIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()
	c := &continuation.Continuation{
		ID:        "c1",
		SessionID: "s1",
		Status:    continuation.StatusPending,
		Request:   continuation.Request{Message: "hello"},
	}
	require.NoError(t, store.Put(ctx, c))

	c.Status = continuation.StatusRunning
	got, err := store.Load(ctx, "s1", "c1")
	require.NoError(t, err)
	require.Equal(t, continuation.StatusPending, got.Status)
}

func TestLoadScopedToSession(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &continuation.Continuation{ID: "c1", SessionID: "s1"}))

	_, err := store.Load(ctx, "other", "c1")
	require.ErrorIs(t, err, continuation.ErrNotFound)
}

func TestLoadNotFound(t *testing.T) {
	store := New()
	_, err := store.Load(context.Background(), "s1", "absent")
	require.ErrorIs(t, err, continuation.ErrNotFound)
}

func TestPutValidates(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.Error(t, store.Put(ctx, nil))
	require.Error(t, store.Put(ctx, &continuation.Continuation{SessionID: "s1"}))
	require.Error(t, store.Put(ctx, &continuation.Continuation{ID: "c1"}))
}

func TestListOrdersByID(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Put(ctx, &continuation.Continuation{ID: id, SessionID: "s1"}))
	}
	require.NoError(t, store.Put(ctx, &continuation.Continuation{ID: "z", SessionID: "s2"}))

	out, err := store.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "b", out[1].ID)
	require.Equal(t, "c", out[2].ID)

	empty, err := store.List(ctx, "s3")
	require.NoError(t, err)
	require.Empty(t, empty)
}
