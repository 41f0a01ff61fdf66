// Package planner defines the reasoning collaborator contract. Planners are
// the decision-making core the engine deliberately does not specify: given a
// request and an invocation context they decide which tools to call and
// produce the final response. The engine invokes the planner once per
// continuation and enforces budgets around it.
package planner

import (
	"context"
	"time"

	"github.com/hearth-agent/hearth/runtime/agent/continuation"
	"github.com/hearth-agent/hearth/runtime/agent/session"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/tools"
)

type (
	// Planner decides what a continuation does.
	//
	// Implementations must be stateless across calls, honor ctx cancellation
	// at natural break points (the engine cancels cooperatively, never
	// preemptively), stay within input.Budget, and route every tool call
	// through input.Tools so policy and audit logging apply.
	Planner interface {
		// Plan executes one continuation and returns the final response.
		// Returning an error marks the continuation failed; the engine
		// records the error on the record and re-raises it for logging.
		Plan(ctx context.Context, input PlanInput) (PlanResult, error)
	}

	// PlanInput carries everything a planner may consult.
	PlanInput struct {
		// Request is the caller's message and constraints.
		Request continuation.Request
		// Session is a snapshot of the owning session, including memory
		// (rolling summary, facts, pins, recent messages).
		Session *session.Session
		// Model is the resolved model identifier for this continuation.
		Model string
		// Tools is the capability catalog. Nil when tool use is disallowed.
		Tools *tools.Registry
		// Invocation is the context handed to every tool call.
		Invocation *tools.Invocation
		// Budget is the effective resource budget for this continuation.
		Budget Budget
		// Resume holds the durably flushed step entries of an interrupted
		// execution being resumed. Nil for fresh executions.
		Resume []steplog.Entry
	}

	// Budget is the effective per-continuation resource budget after merging
	// session defaults with request overrides.
	Budget struct {
		// MaxSteps caps planner decision steps.
		MaxSteps int
		// MaxToolCalls caps tool invocations.
		MaxToolCalls int
		// MaxTokens caps model token usage.
		MaxTokens int
		// Deadline is the wall-clock execution limit.
		Deadline time.Time
	}

	// PlanResult is the planner's final output plus resource accounting.
	PlanResult struct {
		// Response is the agent's final response.
		Response continuation.Response
		// Usage reports the resources consumed, folded into session stats.
		Usage Usage
		// SummaryUpdate optionally replaces the session's rolling summary.
		SummaryUpdate string
		// Facts optionally adds durable insights to session memory.
		Facts []session.Fact
	}

	// Usage reports resources consumed by one plan execution.
	Usage struct {
		Steps     int
		ToolCalls int
		Tokens    int
	}
)
