package agentic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
	"github.com/invoqio/invoq/runtime/tools"
)

// State carries the loop across iterations. Execute drives it to a
// terminal result; callers composing their own loop can build one with
// NewState and step it through ExecuteIteration.
type State struct {
	// Definition is the agentic function being run.
	Definition *fn.Definition
	// ExecutionID identifies this run in tool contexts and approvals.
	ExecutionID string
	// Iteration counts completed iterations.
	Iteration int
	// Messages is the full conversation history, goal message first.
	Messages []model.Message
	// Trace collects one record per iteration.
	Trace []fn.IterationRecord
	// Tokens accumulates usage across model calls.
	Tokens fn.TokenUsage
	// ToolsUsed lists distinct tool names whose handler was invoked, in
	// first-use order.
	ToolsUsed []string
	// LastContent is the content of the latest model response.
	LastContent string
	// Output is the terminal output once the loop ends.
	Output any
	// GoalAchieved reports whether the model ended its turn.
	GoalAchieved bool
	// Model is the model id reported by the latest response.
	Model string

	cfg       runConfig
	byName    map[string]fn.ToolDefinition
	used      map[string]bool
	replyFrom int
}

// NewState prepares loop state for an agentic definition, overlaying the
// invocation config. The goal message carries the serialized input when
// one is given.
func NewState(def *fn.Definition, executionID string, input any, cfg *fn.InvokeConfig) *State {
	return newState(def, executionID, input, resolveRunConfig(def, cfg))
}

func newState(def *fn.Definition, executionID string, input any, rc runConfig) *State {
	st := &State{
		Definition:  def,
		ExecutionID: executionID,
		Model:       rc.model,
		cfg:         rc,
		byName:      make(map[string]fn.ToolDefinition),
		used:        make(map[string]bool),
	}
	goal := ""
	if def.Agentic != nil {
		goal = def.Agentic.Goal
		for _, td := range def.Agentic.Tools {
			st.byName[td.Name] = td
		}
	}
	if input != nil {
		if data, err := json.Marshal(input); err == nil {
			goal += "\n\nInput:\n" + string(data)
		}
	}
	st.Messages = []model.Message{{Role: model.RoleUser, Content: goal}}
	return st
}

// ExecuteIteration runs one think/act/observe iteration: one model call
// followed by the accepted tool calls. It reports done=true when the
// model ended its turn and returns the model client's error verbatim.
func (e *Executor) ExecuteIteration(ctx context.Context, st *State) (bool, error) {
	spec := st.Definition.Agentic
	started := time.Now()
	req := &model.Request{
		Model:     st.cfg.model,
		System:    spec.SystemPrompt,
		Messages:  st.requestMessages(),
		Tools:     e.visibleTools(st),
		Reasoning: spec.EnableReasoning,
	}
	resp, err := e.client.Complete(ctx, req)
	if err != nil {
		return false, err
	}

	st.Iteration++
	st.Tokens.Add(resp.Usage)
	st.LastContent = resp.Content
	if resp.Model != "" {
		st.Model = resp.Model
	}
	rec := fn.IterationRecord{
		Iteration: st.Iteration,
		Timestamp: started.UTC(),
		Reasoning: resp.Reasoning,
		ToolCalls: []fn.ToolCallRecord{},
		Tokens:    resp.Usage,
	}

	if resp.StopReason == model.StopEndTurn || len(resp.ToolCalls) == 0 {
		rec.DurationMs = time.Since(started).Milliseconds()
		st.Trace = append(st.Trace, rec)
		st.appendAssistant(resp.Content, nil)
		// A response without tool calls ends the loop even when the stop
		// reason says otherwise; only an explicit end turn achieves the
		// goal.
		st.GoalAchieved = resp.StopReason == model.StopEndTurn
		st.Output = parseMaybeJSON(resp.Content)
		return true, nil
	}

	accepted := resp.ToolCalls
	if len(accepted) > st.cfg.maxToolCalls {
		e.logger.Warn(ctx, "dropping excess tool calls",
			"executionId", st.ExecutionID, "requested", len(resp.ToolCalls), "cap", st.cfg.maxToolCalls)
		accepted = accepted[:st.cfg.maxToolCalls]
	}

	results := make([]model.ToolResult, 0, len(accepted))
	for _, call := range accepted {
		tr := e.runToolCall(ctx, st, call)
		rec.ToolCalls = append(rec.ToolCalls, tr)
		results = append(results, toolResult(call, tr))
	}
	rec.DurationMs = time.Since(started).Milliseconds()
	st.Trace = append(st.Trace, rec)

	st.appendAssistant(resp.Content, accepted)
	for i := range results {
		st.Messages = append(st.Messages, model.Message{Role: model.RoleTool, ToolResult: &results[i]})
	}
	return false, nil
}

// runToolCall walks one accepted call through validation, handler
// resolution, the approval gate, and invocation. Failures at any rung
// are recorded, never fatal.
func (e *Executor) runToolCall(ctx context.Context, st *State, call model.ToolCall) (rec fn.ToolCallRecord) {
	started := time.Now()
	rec = fn.ToolCallRecord{Tool: call.Name, Input: call.Input}
	defer func() { rec.DurationMs = time.Since(started).Milliseconds() }()

	td, known := st.byName[call.Name]
	var h tools.Handler
	if known {
		h = e.handlerFor(td)
	}
	if known {
		if err := tools.ValidateInput(td.InputSchema, call.Input); err != nil {
			rec.Error = fmt.Sprintf("validation failed: %v", err)
			return rec
		}
	}
	if h == nil {
		rec.Error = fmt.Sprintf("tool %s has no registered handler", call.Name)
		return rec
	}
	if td.RequiresApproval {
		outcome := e.awaitApproval(ctx, st, td)
		rec.Approval = &fn.ApprovalRecord{Required: true, Granted: outcome.Granted, ApprovedBy: outcome.ApprovedBy}
		if !outcome.Granted {
			rec.Error = outcome.Reason
			return rec
		}
	}

	st.markUsed(call.Name)
	out, err := h(ctx, call.Input, tools.Context{Definition: td, ExecutionID: st.ExecutionID})
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	rec.Output = out
	rec.Success = true
	return rec
}

// requestMessages is what the model sees this iteration: the whole
// history with memory on, otherwise the goal plus the latest exchange.
func (st *State) requestMessages() []model.Message {
	if st.Definition.Agentic.EnableMemory || st.replyFrom == 0 {
		return st.Messages
	}
	msgs := make([]model.Message, 0, 1+len(st.Messages)-st.replyFrom)
	msgs = append(msgs, st.Messages[0])
	msgs = append(msgs, st.Messages[st.replyFrom:]...)
	return msgs
}

// appendAssistant records the model's turn. Only accepted tool calls
// enter the history; dropped ones may be re-requested.
func (st *State) appendAssistant(content string, accepted []model.ToolCall) {
	st.replyFrom = len(st.Messages)
	st.Messages = append(st.Messages, model.Message{
		Role:      model.RoleAssistant,
		Content:   content,
		ToolCalls: accepted,
	})
}

func (st *State) markUsed(name string) {
	if st.used[name] {
		return
	}
	st.used[name] = true
	st.ToolsUsed = append(st.ToolsUsed, name)
}

func (st *State) reasoningSummary() string {
	var parts []string
	for _, rec := range st.Trace {
		if rec.Reasoning != "" {
			parts = append(parts, fmt.Sprintf("[%d] %s", rec.Iteration, rec.Reasoning))
		}
	}
	return strings.Join(parts, "\n")
}

// visibleTools maps resolvable tool definitions into the model's tool
// list. Tools without a resolvable handler are hidden.
func (e *Executor) visibleTools(st *State) []model.ToolDefinition {
	spec := st.Definition.Agentic
	out := make([]model.ToolDefinition, 0, len(spec.Tools))
	for _, td := range spec.Tools {
		if e.handlerFor(td) == nil {
			continue
		}
		out = append(out, model.ToolDefinition{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.InputSchema,
		})
	}
	return out
}

// toolResult shapes a call record into the message fed back to the
// model. Failed calls feed the error text so the model can react.
func toolResult(call model.ToolCall, rec fn.ToolCallRecord) model.ToolResult {
	tr := model.ToolResult{CallID: call.ID, Name: call.Name}
	if rec.Success {
		tr.Content = rec.Output
		return tr
	}
	tr.Content = rec.Error
	tr.IsError = true
	return tr
}
