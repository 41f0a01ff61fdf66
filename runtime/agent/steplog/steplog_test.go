package steplog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func planEntry(i int) Entry {
	return Entry{
		Type: TypePlan,
		Plan: &PlanDetail{Thought: fmt.Sprintf("step %d", i), NextAction: "respond"},
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, Options{})
	require.NoError(t, err)

	// 20 entries crosses the default flush threshold twice and leaves a
	// partial buffer for Close to drain.
	var want []string
	for i := 0; i < 20; i++ {
		e := planEntry(i)
		require.NoError(t, l.Log(e))
		want = append(want, e.Plan.Thought)
	}
	require.NoError(t, l.Close())

	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i, e := range entries {
		require.Equal(t, TypePlan, e.Type)
		require.NotNil(t, e.Plan)
		require.Equal(t, want[i], e.Plan.Thought)
		require.False(t, e.Timestamp.IsZero())
	}
}

func TestTimerFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, Options{FlushInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer l.Close()

	// A single entry stays under the threshold; only the timer can flush it.
	require.NoError(t, l.Log(planEntry(0)))
	require.Eventually(t, func() bool {
		entries, err := Read(path)
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExplicitFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, Options{FlushInterval: time.Hour})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Log(planEntry(0)))
	entries, err := Read(path)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, l.Flush())
	entries, err = Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.ErrorIs(t, l.Log(planEntry(0)), ErrClosed)
	require.ErrorIs(t, l.Flush(), ErrClosed)
	// Close stays idempotent.
	require.NoError(t, l.Close())
}

func TestValidateRejectsMismatchedDetail(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "run.jsonl"), Options{})
	require.NoError(t, err)
	defer l.Close()

	require.Error(t, l.Log(Entry{Type: TypePlan}))
	require.Error(t, l.Log(Entry{Type: "bogus"}))
	require.Error(t, l.Log(Entry{Type: TypeToolCall, Plan: &PlanDetail{}}))
}

func TestReadMissingFile(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReadMalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	line, err := json.Marshal(planEntry(0))
	require.NoError(t, err)
	data := append(line, '\n')
	data = append(data, []byte("{not json\n")...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Read(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 2")
}

func TestAppendAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	for i := 0; i < 3; i++ {
		l, err := Open(path, Options{})
		require.NoError(t, err)
		require.NoError(t, l.Log(planEntry(i)))
		require.NoError(t, l.Close())
	}
	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, fmt.Sprintf("step %d", i), e.Plan.Thought)
	}
}

func TestToolEntriesCarryPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	l, err := Open(path, Options{})
	require.NoError(t, err)

	require.NoError(t, l.Log(Entry{
		Type:     TypeToolCall,
		ToolCall: &ToolCallDetail{Tool: "hass.call_service", Args: json.RawMessage(`{"entity":"light.porch"}`), Actuating: true},
	}))
	require.NoError(t, l.Log(Entry{
		Type:       TypeToolResult,
		ToolResult: &ToolResultDetail{Tool: "hass.call_service", Result: json.RawMessage(`{"ok":true}`), DurationMS: 12},
	}))
	require.NoError(t, l.Close())

	entries, err := Read(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].ToolCall.Actuating)
	require.JSONEq(t, `{"entity":"light.porch"}`, string(entries[0].ToolCall.Args))
	require.JSONEq(t, `{"ok":true}`, string(entries[1].ToolResult.Result))
	require.EqualValues(t, 12, entries[1].ToolResult.DurationMS)
}
