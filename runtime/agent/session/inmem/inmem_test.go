package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hearth-agent/hearth/runtime/agent/session"
)

func TestPutLoadIsolated(t *testing.T) {
	store := New()
	ctx := context.Background()
	sess := &session.Session{ID: "s1", Status: session.StatusActive, Version: 1,
		Preferences: map[string]string{"tone": "brief"}}
	require.NoError(t, store.Put(ctx, sess))

	// Mutating the caller's record after Put must not leak into the store.
	sess.Preferences["tone"] = "chatty"
	got, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "brief", got.Preferences["tone"])

	// Nor does mutating a loaded copy.
	got.Status = session.StatusEnded
	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, again.Status)
}

func TestLoadNotFound(t *testing.T) {
	store := New()
	_, err := store.Load(context.Background(), "absent")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestPutValidates(t *testing.T) {
	store := New()
	require.Error(t, store.Put(context.Background(), nil))
	require.Error(t, store.Put(context.Background(), &session.Session{}))
}

func TestListOrdersByID(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Put(ctx, &session.Session{ID: id}))
	}
	out, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, "a", out[0].ID)
	require.Equal(t, "b", out[1].ID)
	require.Equal(t, "c", out[2].ID)
}
