package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
)

// entryRecorder collects step-log entries appended during invocations.
type entryRecorder struct {
	mu      sync.Mutex
	entries []steplog.Entry
}

func (r *entryRecorder) log(e steplog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *entryRecorder) all() []steplog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]steplog.Entry(nil), r.entries...)
}

func echoSpec(name string) Spec {
	return Spec{
		Name:        name,
		Description: "echo the given text",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"],
			"additionalProperties": false
		}`),
		Handler: func(_ context.Context, args json.RawMessage, _ *Invocation) (any, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]string{"echo": in.Text}, nil
		},
	}
}

func newInvocation(rec *entryRecorder, policy session.Policy) *Invocation {
	return &Invocation{
		Session:        &session.Session{ID: "s1", Policy: policy},
		ContinuationID: "c1",
		Log:            rec.log,
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register(echoSpec("echo")))
	require.ErrorIs(t, r.Register(echoSpec("echo")), ErrToolExists)
}

func TestRegisterValidatesSpec(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.Error(t, r.Register(Spec{Handler: func(context.Context, json.RawMessage, *Invocation) (any, error) { return nil, nil }}))
	require.Error(t, r.Register(Spec{Name: "no-handler"}))
	// Malformed schemas fail at registration, not at invoke time.
	require.Error(t, r.Register(Spec{
		Name:        "bad-schema",
		InputSchema: json.RawMessage(`{"type": 42}`),
		Handler:     func(context.Context, json.RawMessage, *Invocation) (any, error) { return nil, nil },
	}))
}

func TestInvokeSuccessLogsCallAndResult(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register(echoSpec("echo")))
	rec := &entryRecorder{}

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), newInvocation(rec, session.Policy{}))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"echo": "hi"}, out)

	entries := rec.all()
	require.Len(t, entries, 2)
	require.Equal(t, steplog.TypeToolCall, entries[0].Type)
	require.Equal(t, "echo", entries[0].ToolCall.Tool)
	require.False(t, entries[0].ToolCall.Actuating)
	require.Equal(t, steplog.TypeToolResult, entries[1].Type)
	require.JSONEq(t, `{"echo":"hi"}`, string(entries[1].ToolResult.Result))
	require.Empty(t, entries[1].ToolResult.Error)
}

func TestInvokeUnknownToolStillAudited(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	rec := &entryRecorder{}

	_, err := r.Invoke(context.Background(), "ghost", nil, newInvocation(rec, session.Policy{}))
	require.ErrorIs(t, err, ErrToolNotFound)

	// The attempt and its failure are both on the audit trail.
	entries := rec.all()
	require.Len(t, entries, 2)
	require.Equal(t, "ghost", entries[0].ToolCall.Tool)
	require.Contains(t, entries[1].ToolResult.Error, "tool not found")
}

func TestInvokeActuationDenied(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	ran := false
	require.NoError(t, r.Register(Spec{
		Name:              "lock.unlock",
		RequiresActuation: true,
		Handler: func(context.Context, json.RawMessage, *Invocation) (any, error) {
			ran = true
			return nil, nil
		},
	}))
	rec := &entryRecorder{}

	_, err := r.Invoke(context.Background(), "lock.unlock", nil, newInvocation(rec, session.Policy{AllowActuation: false}))
	require.ErrorIs(t, err, ErrActuationDenied)
	require.False(t, ran, "denied tool body must never run")

	entries := rec.all()
	require.Len(t, entries, 2)
	require.True(t, entries[0].ToolCall.Actuating)
	require.Contains(t, entries[1].ToolResult.Error, "actuation denied")
}

func TestInvokeActuationAllowed(t *testing.T) {
	r := NewRegistry(RegistryOptions{ActuationLimiter: rate.NewLimiter(rate.Inf, 1)})
	require.NoError(t, r.Register(Spec{
		Name:              "light.turn_on",
		RequiresActuation: true,
		Handler: func(context.Context, json.RawMessage, *Invocation) (any, error) {
			return "on", nil
		},
	}))
	rec := &entryRecorder{}

	out, err := r.Invoke(context.Background(), "light.turn_on", nil, newInvocation(rec, session.Policy{AllowActuation: true}))
	require.NoError(t, err)
	require.Equal(t, "on", out)
}

func TestInvokeSchemaViolation(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	ran := false
	spec := echoSpec("echo")
	base := spec.Handler
	spec.Handler = func(ctx context.Context, args json.RawMessage, inv *Invocation) (any, error) {
		ran = true
		return base(ctx, args, inv)
	}
	require.NoError(t, r.Register(spec))
	rec := &entryRecorder{}

	_, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"text":7}`), newInvocation(rec, session.Policy{}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "echo", verr.Tool)
	require.False(t, ran)

	entries := rec.all()
	require.Len(t, entries, 2)
	require.NotEmpty(t, entries[1].ToolResult.Error)
}

func TestInvokeHandlerFailure(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	boom := errors.New("device offline")
	require.NoError(t, r.Register(Spec{
		Name:    "flaky",
		Handler: func(context.Context, json.RawMessage, *Invocation) (any, error) { return nil, boom },
	}))
	rec := &entryRecorder{}

	_, err := r.Invoke(context.Background(), "flaky", nil, newInvocation(rec, session.Policy{}))
	require.ErrorIs(t, err, boom)

	entries := rec.all()
	require.Len(t, entries, 2)
	require.Contains(t, entries[1].ToolResult.Error, "device offline")
}

func TestInvokeRequiresLogCallback(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register(echoSpec("echo")))

	_, err := r.Invoke(context.Background(), "echo", nil, nil)
	require.Error(t, err)
	_, err = r.Invoke(context.Background(), "echo", nil, &Invocation{})
	require.Error(t, err)
}

func TestInvokeHonorsCancelledContext(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	ran := false
	require.NoError(t, r.Register(Spec{
		Name:    "slow",
		Handler: func(context.Context, json.RawMessage, *Invocation) (any, error) { ran = true; return nil, nil },
	}))
	rec := &entryRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Invoke(ctx, "slow", nil, newInvocation(rec, session.Policy{}))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

func TestSpecsAndLookup(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.Register(echoSpec("a")))
	require.NoError(t, r.Register(echoSpec("b")))

	spec, ok := r.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "a", spec.Name)
	_, ok = r.Lookup("missing")
	require.False(t, ok)

	require.Len(t, r.Specs(), 2)
}
