// Package anthropic provides a planner.Planner implementation backed by the
// Anthropic Claude Messages API. It translates session memory and the caller's
// message into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go, drives the tool loop through the
// engine's registry so policy and audit logging apply, and maps the final
// response back into the generic continuation structures.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hearth-agent/hearth/runtime/agent/planner"
	"github.com/hearth-agent/hearth/runtime/agent/steplog"
)

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the planner. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional planner behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when the session
		// names none. Required.
		DefaultModel string
		// MaxTokens caps completion tokens per model call. Zero selects a
		// conservative default.
		MaxTokens int
		// Temperature is forwarded to the model when positive.
		Temperature float64
	}

	// Planner implements planner.Planner on top of Anthropic Claude Messages.
	Planner struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed planner from the provided Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Planner, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Planner{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTok,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a planner using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Planner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Plan executes one continuation: it assembles the prompt from session memory,
// loops model calls and registry-mediated tool invocations until the model
// stops requesting tools or a budget is exhausted, and returns the final text.
func (p *Planner) Plan(ctx context.Context, input planner.PlanInput) (planner.PlanResult, error) {
	modelID := input.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	toolParams, provToCanon, canonToProv := p.encodeTools(input)
	conversation := p.encodeConversation(input)
	system := p.encodeSystem(input)

	var result planner.PlanResult
	for {
		if input.Budget.MaxSteps > 0 && result.Usage.Steps >= input.Budget.MaxSteps {
			return result, fmt.Errorf("anthropic: step budget %d exhausted", input.Budget.MaxSteps)
		}
		if input.Budget.MaxTokens > 0 && result.Usage.Tokens >= input.Budget.MaxTokens {
			return result, fmt.Errorf("anthropic: token budget %d exhausted", input.Budget.MaxTokens)
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		params := sdk.MessageNewParams{
			MaxTokens: int64(p.maxTok),
			Messages:  conversation,
			Model:     sdk.Model(modelID),
		}
		if len(system) > 0 {
			params.System = system
		}
		if len(toolParams) > 0 {
			params.Tools = toolParams
		}
		if p.temp > 0 {
			params.Temperature = sdk.Float(p.temp)
		}

		msg, err := p.msg.New(ctx, params)
		if err != nil {
			return result, fmt.Errorf("anthropic messages.new: %w", err)
		}
		result.Usage.Steps++
		result.Usage.Tokens += int(msg.Usage.InputTokens + msg.Usage.OutputTokens)

		text, calls := splitContent(msg, provToCanon)
		if err := input.Invocation.Log(steplog.Entry{
			Type: steplog.TypePlan,
			Plan: &steplog.PlanDetail{Thought: text, NextAction: nextAction(calls)},
		}); err != nil {
			return result, err
		}

		if len(calls) == 0 || msg.StopReason != "tool_use" {
			result.Response.FinalMessage = text
			return result, nil
		}
		if input.Tools == nil {
			return result, errors.New("anthropic: model requested a tool but tool use is disallowed")
		}

		// Echo the assistant turn, then answer every tool_use block so the
		// conversation stays well-formed for the next call.
		conversation = append(conversation, assistantTurn(text, calls, canonToProv))
		var results []sdk.ContentBlockParamUnion
		for _, call := range calls {
			if input.Budget.MaxToolCalls > 0 && result.Usage.ToolCalls >= input.Budget.MaxToolCalls {
				return result, fmt.Errorf("anthropic: tool call budget %d exhausted", input.Budget.MaxToolCalls)
			}
			result.Usage.ToolCalls++
			out, ierr := input.Tools.Invoke(ctx, call.name, call.args, input.Invocation)
			results = append(results, toolResultBlock(call.id, out, ierr))
		}
		conversation = append(conversation, sdk.NewUserMessage(results...))
	}
}

type toolCall struct {
	id   string
	name string
	args json.RawMessage
}

// encodeSystem assembles the system prompt from session memory: the rolling
// summary, pinned snippets, durable facts, and caller preferences.
func (p *Planner) encodeSystem(input planner.PlanInput) []sdk.TextBlockParam {
	var blocks []sdk.TextBlockParam
	if input.Session == nil {
		return nil
	}
	mem := input.Session.Memory
	if mem.RollingSummary != "" {
		blocks = append(blocks, sdk.TextBlockParam{Text: "Conversation so far:\n" + mem.RollingSummary})
	}
	if len(mem.Pins) > 0 {
		var b strings.Builder
		b.WriteString("Pinned context:\n")
		for _, pin := range mem.Pins {
			b.WriteString("- " + pin.Text + "\n")
		}
		blocks = append(blocks, sdk.TextBlockParam{Text: b.String()})
	}
	if len(mem.Facts) > 0 {
		var b strings.Builder
		b.WriteString("Known facts:\n")
		for _, fact := range mem.Facts {
			fmt.Fprintf(&b, "- %s (confidence %.2f)\n", fact.Text, fact.Confidence)
		}
		blocks = append(blocks, sdk.TextBlockParam{Text: b.String()})
	}
	if len(input.Session.Preferences) > 0 {
		var b strings.Builder
		b.WriteString("User preferences:\n")
		for k, v := range input.Session.Preferences {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
		blocks = append(blocks, sdk.TextBlockParam{Text: b.String()})
	}
	if len(input.Resume) > 0 {
		blocks = append(blocks, sdk.TextBlockParam{Text: resumeDigest(input.Resume)})
	}
	return blocks
}

// encodeConversation maps the recent-message ring buffer plus the current
// request into SDK message params.
func (p *Planner) encodeConversation(input planner.PlanInput) []sdk.MessageParam {
	var conversation []sdk.MessageParam
	if input.Session != nil {
		for _, m := range input.Session.Memory.LastK {
			if m.Content == "" {
				continue
			}
			switch m.Role {
			case "assistant":
				conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			default:
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		}
	}
	// The ring buffer already contains the current message when the engine
	// recorded it before planning; dedupe by checking the tail.
	if n := len(conversation); n == 0 || !lastEquals(input, conversation) {
		conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(input.Request.Message)))
	}
	return conversation
}

func lastEquals(input planner.PlanInput, conversation []sdk.MessageParam) bool {
	if input.Session == nil {
		return false
	}
	lastK := input.Session.Memory.LastK
	if len(lastK) == 0 {
		return false
	}
	tail := lastK[len(lastK)-1]
	return tail.Role == "user" && tail.Content == input.Request.Message
}

func (p *Planner) encodeTools(input planner.PlanInput) ([]sdk.ToolUnionParam, map[string]string, map[string]string) {
	if input.Tools == nil {
		return nil, nil, nil
	}
	specs := input.Tools.Specs()
	if len(specs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(specs))
	provToCanon := make(map[string]string, len(specs))
	canonToProv := make(map[string]string, len(specs))
	for _, spec := range specs {
		sanitized := sanitizeToolName(spec.Name)
		if _, taken := provToCanon[sanitized]; taken {
			// Collisions are a registration-time smell; skip the duplicate
			// rather than advertising an ambiguous name.
			continue
		}
		provToCanon[sanitized] = spec.Name
		canonToProv[spec.Name] = sanitized
		u := sdk.ToolUnionParamOfTool(inputSchemaParam(spec.InputSchema), sanitized)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, provToCanon, canonToProv
}

func inputSchemaParam(schema json.RawMessage) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}
}

// splitContent separates a response message into its text and tool calls,
// mapping sanitized tool names back to their canonical identifiers. A name
// the model invented survives unmapped; the registry rejects it downstream
// and the refusal lands on the audit trail.
func splitContent(msg *sdk.Message, provToCanon map[string]string) (string, []toolCall) {
	var texts []string
	var calls []toolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			name := block.Name
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			calls = append(calls, toolCall{id: block.ID, name: name, args: block.Input})
		}
	}
	return strings.Join(texts, "\n"), calls
}

func assistantTurn(text string, calls []toolCall, canonToProv map[string]string) sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(calls)+1)
	if text != "" {
		blocks = append(blocks, sdk.NewTextBlock(text))
	}
	for _, call := range calls {
		name := call.name
		if sanitized, ok := canonToProv[name]; ok {
			name = sanitized
		}
		var args any
		if len(call.args) > 0 {
			_ = json.Unmarshal(call.args, &args)
		}
		blocks = append(blocks, sdk.NewToolUseBlock(call.id, args, name))
	}
	return sdk.NewAssistantMessage(blocks...)
}

func toolResultBlock(id string, out any, err error) sdk.ContentBlockParamUnion {
	if err != nil {
		return sdk.NewToolResultBlock(id, err.Error(), true)
	}
	var content string
	switch v := out.(type) {
	case nil:
	case string:
		content = v
	case []byte:
		content = string(v)
	default:
		if data, merr := json.Marshal(v); merr == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(id, content, false)
}

func nextAction(calls []toolCall) string {
	if len(calls) == 0 {
		return "respond"
	}
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.name
	}
	return "call " + strings.Join(names, ", ")
}

// resumeDigest renders the replayed step entries of an interrupted execution
// into a compact trace the model can pick up from.
func resumeDigest(entries []steplog.Entry) string {
	var b strings.Builder
	b.WriteString("This request was interrupted mid-execution. Completed steps:\n")
	for _, e := range entries {
		switch e.Type {
		case steplog.TypePlan:
			if e.Plan.Thought != "" {
				fmt.Fprintf(&b, "- planned: %s\n", e.Plan.Thought)
			}
		case steplog.TypeToolCall:
			fmt.Fprintf(&b, "- called %s with %s\n", e.ToolCall.Tool, string(e.ToolCall.Args))
		case steplog.TypeToolResult:
			if e.ToolResult.Error != "" {
				fmt.Fprintf(&b, "- %s failed: %s\n", e.ToolResult.Tool, e.ToolResult.Error)
			} else {
				fmt.Fprintf(&b, "- %s returned %s\n", e.ToolResult.Tool, string(e.ToolResult.Result))
			}
		case steplog.TypeError:
			fmt.Fprintf(&b, "- error: %s\n", e.Error.Message)
		}
	}
	b.WriteString("Do not repeat completed side effects; continue from here.")
	return b.String()
}

// sanitizeToolName maps a canonical tool identifier ("hass.get_state") to the
// characters Anthropic tool naming allows by replacing any disallowed rune
// with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
