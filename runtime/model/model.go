// Package model defines the provider-agnostic contract the agentic
// executor uses to call chat models. Implementations wrap provider SDKs
// (Anthropic, OpenAI, Bedrock) and translate Request/Response to the
// provider wire formats; see features/model.
package model

import (
	"context"
	"errors"

	"github.com/invoqio/invoq/runtime/fn"
)

// ErrRateLimited marks provider rate limiting. Adapters join it into the
// errors they return so the tokens-per-minute middleware can back off and
// retry layers can distinguish throttling from hard failures.
var ErrRateLimited = errors.New("model: provider rate limited")

type (
	// Client is the contract the agentic loop drives. Implementations must
	// be safe for concurrent use across executions.
	Client interface {
		// Complete sends one chat completion request and returns the
		// normalized response. Provider failures surface as errors; the
		// loop fails the execution with them.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request is one normalized model invocation.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// System primes the model before the conversation.
		System string
		// Messages is the ordered conversation, oldest first.
		Messages []Message
		// Tools lists the tool schemas offered for this call. Only tools
		// with registered handlers appear here.
		Tools []ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// Reasoning asks providers that support it to emit reasoning
		// content alongside the answer.
		Reasoning bool
	}

	// Response is the normalized completion.
	Response struct {
		// Content is the assistant text, empty when the model only
		// requested tools.
		Content string
		// Reasoning carries reasoning content when it was requested and
		// the provider produced any.
		Reasoning string
		// ToolCalls lists requested tool invocations, in provider order.
		ToolCalls []ToolCall
		// Usage is the token accounting for this call.
		Usage fn.TokenUsage
		// StopReason tells the loop whether the model finished or wants
		// tools.
		StopReason StopReason
		// Model is the resolved model id that produced the response.
		Model string
	}

	// Message is one turn of the conversation.
	Message struct {
		// Role is who speaks.
		Role Role
		// Content is the message text.
		Content string
		// ToolCalls echoes the calls an assistant turn requested, so the
		// following tool results can be correlated.
		ToolCalls []ToolCall
		// ToolResult carries the outcome of one call when Role is
		// RoleTool.
		ToolResult *ToolResult
	}

	// ToolCall is a model-requested tool invocation.
	ToolCall struct {
		// ID correlates the call with its result message. Providers that
		// do not issue ids leave it empty.
		ID string
		// Name is the requested tool.
		Name string
		// Input is the call argument object as decoded JSON.
		Input map[string]any
	}

	// ToolResult is the outcome fed back for one tool call.
	ToolResult struct {
		// CallID matches the originating ToolCall.ID.
		CallID string
		// Name is the tool that ran.
		Name string
		// Content is the handler output, or the failure description when
		// IsError is set.
		Content any
		// IsError marks validation, approval, and handler failures.
		IsError bool
	}

	// ToolDefinition is the schema surface of one tool as presented to the
	// model.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is a JSON-Schema object.
		InputSchema map[string]any
	}

	// Role names a conversation side.
	Role string

	// StopReason explains why the model stopped generating.
	StopReason string
)

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	// StopEndTurn means the model considers the task answered.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model requested tool calls.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the completion hit the token cap.
	StopMaxTokens StopReason = "max_tokens"
)
