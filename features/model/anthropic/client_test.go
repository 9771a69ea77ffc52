package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Model: "claude-sonnet-4",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		System:   "You are terse.",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "world" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.StopReason != model.StopEndTurn {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected model %q", resp.Model)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "You are terse." {
		t.Fatalf("system prompt not forwarded: %+v", stub.lastParams.System)
	}
	if stub.lastParams.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
}

func TestCompleteToolUseRoundTripsNames(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "call the tool"}},
		Tools: []model.ToolDefinition{{
			Name:        "web search",
			Description: "search the web",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: "web_search", ID: "call-1", Input: json.RawMessage(`{"q":"go"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "web search" {
		t.Fatalf("sanitized name did not map back, got %q", call.Name)
	}
	if call.ID != "call-1" {
		t.Fatalf("unexpected call id %q", call.ID)
	}
	if call.Input["q"] != "go" {
		t.Fatalf("unexpected input %v", call.Input)
	}
	if resp.StopReason != model.StopToolUse {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(stub.lastParams.Tools))
	}
}

func TestCompleteEncodesToolResultsOnUserTurns(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "look it up"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "call-1", Name: "lookup", Input: map[string]any{"k": "v"}}}},
			{Role: model.RoleTool, ToolResult: &model.ToolResult{CallID: "call-1", Name: "lookup", Content: map[string]any{"hit": true}}},
		},
	}
	if _, err := cl.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := len(stub.lastParams.Messages); got != 3 {
		t.Fatalf("expected 3 encoded messages, got %d", got)
	}
}

func TestCompleteReasoningBudget(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Thinking: "the answer is direct"},
			{Type: "text", Text: "42"},
		},
		StopReason: sdk.StopReasonEndTurn,
	}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4", ThinkingBudget: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := cl.Complete(context.Background(), &model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "think"}},
		Reasoning: true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Reasoning != "the answer is direct" {
		t.Fatalf("unexpected reasoning %q", resp.Reasoning)
	}
	if resp.Content != "42" {
		t.Fatalf("unexpected content %q", resp.Content)
	}

	// A budget below the provider floor is rejected before the call.
	low, err := New(stub, Options{DefaultModel: "claude-sonnet-4", ThinkingBudget: 512})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := low.Complete(context.Background(), &model.Request{
		Messages:  []model.Message{{Role: model.RoleUser, Content: "think"}},
		Reasoning: true,
	}); err == nil {
		t.Fatal("expected thinking budget error")
	}
}

func TestCompleteRateLimitedJoinsSentinel(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{StatusCode: 429}}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = cl.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	fe := fn.AsError(err)
	if fe.Name != fn.ErrLimit || fe.Limit != fn.LimitRateLimit {
		t.Fatalf("expected structured rate limit error, got %+v", fe)
	}
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"search":     "search",
		"web search": "web_search",
		"a.b/c":      "a_b_c",
	}
	for in, want := range cases {
		if got := sanitizeToolName(in); got != want {
			t.Fatalf("sanitizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}
