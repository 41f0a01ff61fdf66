package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hearth-agent/hearth/ident"
	"github.com/hearth-agent/hearth/runtime/agent/artifact"
	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/hass"
	"github.com/hearth-agent/hearth/runtime/agent/planner"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/stream"
	"github.com/hearth-agent/hearth/runtime/agent/telemetry"
	"github.com/hearth-agent/hearth/runtime/agent/tools"
)

// Engine defaults, applied when the corresponding option is zero.
const (
	// DefaultMaxOpenContinuations is the per-session single-flight cap.
	DefaultMaxOpenContinuations = 1
	// DefaultIdleTTL is how long an active session may sit idle before the
	// cleanup sweep expires it.
	DefaultIdleTTL = 30 * time.Minute
	// DefaultAwaitTimeout bounds AwaitContinuation when no timeout is given.
	DefaultAwaitTimeout = time.Minute
)

// DefaultBudgets are the per-continuation resource budgets applied to
// sessions created without overrides.
var DefaultBudgets = session.Budgets{
	MaxSteps:     24,
	MaxToolCalls: 16,
	MaxDuration:  2 * time.Minute,
	MaxTokens:    16384,
}

type (
	// Options configures a Runtime. Stores and Planner are required; every
	// other field has a working default.
	Options struct {
		// Sessions persists session records.
		Sessions session.Store
		// Continuations persists continuation records.
		Continuations continuation.Store
		// Artifacts stores large outputs.
		Artifacts artifact.Store
		// Planner is the reasoning collaborator executing continuations.
		Planner planner.Planner

		// Tools is the capability catalog. Nil creates an empty registry.
		Tools *tools.Registry
		// Hass is the home-automation collaborator handed to tools.
		Hass hass.Client
		// Stream receives live execution updates. Nil discards them.
		Stream stream.Sink
		// Logger receives engine log events. Nil selects a no-op logger.
		Logger telemetry.Logger
		// Metrics receives engine measurements. Nil selects no-op metrics.
		Metrics telemetry.Metrics

		// LogPath maps a continuation to its step log file. Nil places logs
		// under the system temporary directory.
		LogPath func(sessionID, continuationID string) string
		// StepLog tunes write-ahead log flushing.
		StepLog steplog.Options

		// DefaultModel is the model assigned to sessions that name none.
		DefaultModel string
		// DefaultBudgets overrides DefaultBudgets for new sessions.
		DefaultBudgets session.Budgets
		// DefaultPolicy is applied to sessions created without a policy. Nil
		// selects the zero policy, which denies actuation.
		DefaultPolicy *session.Policy
		// MaxOpenContinuations caps open continuations per session.
		MaxOpenContinuations int
		// IdleTTL is the idle duration after which CleanupSessions expires an
		// active session.
		IdleTTL time.Duration
	}

	// Runtime is the durable execution engine: it owns sessions,
	// continuations, recovery, and the operations composing them.
	Runtime struct {
		sessions  *SessionManager
		runner    *runner
		artifacts artifact.Store
		registry  *tools.Registry
		sink      stream.Sink
		logger    telemetry.Logger
		defaults  CreateSessionOptions
	}
)

// New assembles a Runtime from opts. The returned engine is cold: call
// Restore to load persisted state and run the recovery sweep before serving.
func New(opts Options) (*Runtime, error) {
	if opts.Sessions == nil || opts.Continuations == nil || opts.Artifacts == nil {
		return nil, fmt.Errorf("runtime: session, continuation, and artifact stores are required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("runtime: planner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	sink := opts.Stream
	if sink == nil {
		sink = stream.NopSink{}
	}
	registry := opts.Tools
	if registry == nil {
		registry = tools.NewRegistry(tools.RegistryOptions{Logger: logger, Metrics: metrics})
	}
	logPath := opts.LogPath
	if logPath == nil {
		base := filepath.Join(os.TempDir(), "hearth-logs")
		logPath = func(sessionID, continuationID string) string {
			return filepath.Join(base, sessionID, continuationID+".jsonl")
		}
	}
	maxOpen := opts.MaxOpenContinuations
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenContinuations
	}
	idleTTL := opts.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	budgets := mergeBudgets(DefaultBudgets, opts.DefaultBudgets)

	ids := ident.NewGenerator(nil)
	sessions := newSessionManager(opts.Sessions, ids, logger, maxOpen, idleTTL)
	run := newRunner(
		opts.Continuations,
		sessions,
		registry,
		opts.Planner,
		opts.Artifacts,
		opts.Hass,
		sink,
		logger,
		metrics,
		logPath,
		opts.StepLog,
		ids,
	)
	return &Runtime{
		sessions:  sessions,
		runner:    run,
		artifacts: opts.Artifacts,
		registry:  registry,
		sink:      sink,
		logger:    logger,
		defaults: CreateSessionOptions{
			Model:   opts.DefaultModel,
			Budgets: budgets,
			Policy:  opts.DefaultPolicy,
		},
	}, nil
}

// Restore loads persisted sessions and runs the crash-recovery sweep:
// continuations found non-terminal are reclassified as interrupted and their
// sessions released to accept new work. Must be called once before serving.
func (rt *Runtime) Restore(ctx context.Context) error {
	needRecovery, err := rt.sessions.Init(ctx)
	if err != nil {
		return err
	}
	interrupted, err := rt.runner.recover(ctx, needRecovery)
	if err != nil {
		return err
	}
	if interrupted > 0 {
		rt.logger.Info(ctx, "recovery sweep finished",
			"sessions", len(needRecovery), "interrupted", interrupted)
	}
	return nil
}

// Tools exposes the capability catalog for registration.
func (rt *Runtime) Tools() *tools.Registry { return rt.registry }

// Close releases transport resources. In-flight continuations are not
// interrupted; callers wanting a clean stop should await or cancel them
// first.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.sink.Close(ctx)
}
