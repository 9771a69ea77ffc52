// Package openai implements model.Client over the OpenAI Chat Completions
// API using github.com/sashabaranov/go-openai. Reasoning requests are
// accepted but not forwarded; chat completions have no thinking surface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
)

// ChatClient is the subset of the go-openai client the adapter uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures the adapter.
type Options struct {
	// Client is the chat client. Required.
	Client ChatClient
	// DefaultModel is used when Request.Model is empty. Required.
	DefaultModel string
}

// Client implements model.Client via Chat Completions.
type Client struct {
	chat  ChatClient
	model string
}

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs the adapter with the default go-openai client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete renders one chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded)
	}
	toolParams, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     toolParams,
	})
	if err != nil {
		return nil, classifyError(err)
	}
	return translateResponse(response), nil
}

func encodeMessage(m model.Message) (openai.ChatCompletionMessage, error) {
	switch m.Role {
	case model.RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}, nil
	case model.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Input)
			if err != nil {
				return openai.ChatCompletionMessage{}, fmt.Errorf("openai: marshal tool %s arguments: %w", call.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:       call.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: call.Name, Arguments: string(args)},
			})
		}
		return msg, nil
	case model.RoleTool:
		if m.ToolResult == nil {
			return openai.ChatCompletionMessage{}, errors.New("openai: tool message without a result")
		}
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: m.ToolResult.CallID,
			Name:       m.ToolResult.Name,
			Content:    coerceContent(m.ToolResult.Content),
		}, nil
	case model.RoleSystem:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content}, nil
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func coerceContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []byte:
		return string(c)
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(data)
	}
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	toolParams := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
		}
		toolParams = append(toolParams, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return toolParams, nil
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return errors.Join(model.ErrRateLimited, fn.NewLimitError(fn.LimitRateLimit, "openai: rate limited"))
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return fn.NewAuthError(fmt.Sprintf("openai: authentication failed (%d)", apiErr.HTTPStatusCode))
		case apiErr.HTTPStatusCode == 400:
			return fn.NewValidationError(fmt.Sprintf("openai: invalid request: %s", apiErr.Message))
		}
	}
	return fmt.Errorf("openai chat completion: %w", err)
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{Model: resp.Model}
	if len(resp.Choices) == 0 {
		out.StopReason = model.StopEndTurn
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: parseToolArguments(call.Function.Arguments),
		})
	}
	out.Usage = fn.TokenUsage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
	}
	out.StopReason = translateFinishReason(choice.FinishReason)
	return out
}

func translateFinishReason(reason openai.FinishReason) model.StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return model.StopEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.StopToolUse
	case openai.FinishReasonLength:
		return model.StopMaxTokens
	default:
		return model.StopReason(reason)
	}
}

// parseToolArguments decodes the provider's argument string. Malformed
// JSON is preserved under a raw key so validation can report it instead
// of dropping the call.
func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{"raw": raw}
	}
	return input
}
