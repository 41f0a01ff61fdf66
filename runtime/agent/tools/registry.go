package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/telemetry"
)

type (
	// Registry is the catalog of invocable capabilities. It mediates every
	// tool call: unknown tools and policy violations fail before the tool
	// body runs, and every attempt (request and outcome) is appended to the
	// continuation's step log so the log is a complete audit trail of
	// attempted side effects, not just successful ones.
	//
	// Registry is safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]*registered

		limiter *rate.Limiter
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// RegistryOptions configures optional Registry behavior.
	RegistryOptions struct {
		// ActuationLimiter paces actuating tool invocations process-wide.
		// Nil disables pacing.
		ActuationLimiter *rate.Limiter
		// Logger receives registry log events. Nil selects a no-op logger.
		Logger telemetry.Logger
		// Metrics receives invocation counters. Nil selects no-op metrics.
		Metrics telemetry.Metrics
	}

	registered struct {
		spec  Spec
		input *jsonschema.Schema
	}
)

// NewRegistry returns an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Registry{
		tools:   make(map[string]*registered),
		limiter: opts.ActuationLimiter,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool to the catalog. Registering a name twice fails with
// ErrToolExists. The input schema, when present, is compiled eagerly so
// malformed schemas surface at startup rather than mid-execution.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", spec.Name)
	}
	var input *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		compiled, err := compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return err
		}
		input = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("%w: %q", ErrToolExists, spec.Name)
	}
	r.tools[spec.Name] = &registered{spec: spec, input: input}
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return reg.spec, true
}

// Specs returns every registered spec, for planner prompting.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.spec)
	}
	return out
}

// Invoke runs the named tool. The attempt is logged before the body runs and
// the outcome is logged after, regardless of success. Unknown tools, schema
// violations, and policy denials fail before the tool body ever executes.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, inv *Invocation) (any, error) {
	if inv == nil || inv.Log == nil {
		return nil, fmt.Errorf("tools: invocation context with step logging is required")
	}

	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()

	actuating := ok && reg.spec.RequiresActuation
	if err := inv.Log(steplog.Entry{
		Type:     steplog.TypeToolCall,
		ToolCall: &steplog.ToolCallDetail{Tool: name, Args: args, Actuating: actuating},
	}); err != nil {
		return nil, fmt.Errorf("tools: record invocation attempt: %w", err)
	}

	if !ok {
		err := fmt.Errorf("%w: %q", ErrToolNotFound, name)
		r.finish(ctx, inv, name, time.Time{}, nil, err)
		return nil, err
	}
	if actuating && (inv.Session == nil || !inv.Session.Policy.AllowActuation) {
		err := fmt.Errorf("%w: %q", ErrActuationDenied, name)
		r.finish(ctx, inv, name, time.Time{}, nil, err)
		return nil, err
	}
	if reg.input != nil {
		if err := validateArgs(reg.input, args); err != nil {
			verr := &ValidationError{Tool: name, Cause: err}
			r.finish(ctx, inv, name, time.Time{}, nil, verr)
			return nil, verr
		}
	}
	if actuating && r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.finish(ctx, inv, name, time.Time{}, nil, err)
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		r.finish(ctx, inv, name, time.Time{}, nil, err)
		return nil, err
	}

	start := time.Now()
	result, err := reg.spec.Handler(ctx, args, inv)
	r.finish(ctx, inv, name, start, result, err)
	if err != nil {
		return nil, fmt.Errorf("tools: invoke %q: %w", name, err)
	}
	return result, nil
}

// finish records the invocation outcome on the step log and metrics.
func (r *Registry) finish(ctx context.Context, inv *Invocation, name string, start time.Time, result any, err error) {
	detail := steplog.ToolResultDetail{Tool: name}
	if !start.IsZero() {
		detail.DurationMS = time.Since(start).Milliseconds()
	}
	outcome := "ok"
	if err != nil {
		detail.Error = err.Error()
		outcome = "error"
	} else if result != nil {
		if raw, merr := json.Marshal(result); merr == nil {
			detail.Result = raw
		}
	}
	r.metrics.IncCounter("tool_invocations", 1, "tool", name, "outcome", outcome)
	if lerr := inv.Log(steplog.Entry{Type: steplog.TypeToolResult, ToolResult: &detail}); lerr != nil {
		r.logger.Error(ctx, "record invocation outcome", "tool", name, "err", lerr)
	}
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("tools: tool %q input schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tools: tool %q input schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tools: tool %q input schema: %w", name, err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return err
	}
	return schema.Validate(v)
}
