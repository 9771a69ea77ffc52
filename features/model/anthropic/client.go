// Package anthropic implements model.Client over the Anthropic Claude
// Messages API. It translates normalized requests into anthropic.Message
// calls with github.com/anthropics/anthropic-sdk-go and maps responses
// (text, tool use, thinking, usage) back into the generic structures the
// agentic loop consumes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
)

const (
	// defaultMaxTokens caps completions when neither the request nor the
	// options set one. Anthropic requires an explicit max_tokens.
	defaultMaxTokens = 4096
	// defaultThinkingBudget is the thinking token budget used when
	// reasoning is requested without one configured. Anthropic rejects
	// budgets below 1024.
	defaultThinkingBudget = 2048
)

type (
	// MessagesClient is the subset of the Anthropic SDK the adapter uses.
	// *sdk.MessageService satisfies it; tests pass a stub.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model id used when Request.Model is
		// empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap when a request does not set one.
		// Zero means defaultMaxTokens.
		MaxTokens int
		// ThinkingBudget is the thinking token budget when reasoning is
		// requested. Zero means defaultThinkingBudget.
		ThinkingBudget int64
	}

	// Client implements model.Client on Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		think        int64
	}
)

// New builds the adapter over an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTok,
		think:        think,
	}, nil
}

// NewFromAPIKey constructs the adapter with the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues one Messages.New call and translates the response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classifyError(err)
	}
	return translateResponse(msg, provToCanon)
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}

	toolParams, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if req.Reasoning {
		budget := c.think
		if budget < 1024 {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= int64(maxTokens) {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return &params, provToCanon, nil
}

func encodeMessages(msgs []model.Message, canonToProv map[string]string) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				name := call.Name
				if prov, ok := canonToProv[name]; ok && prov != "" {
					name = prov
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Input, name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			// Anthropic carries tool results on user turns.
			conversation = append(conversation, sdk.NewUserMessage(encodeToolResult(*m.ToolResult)))
		case model.RoleSystem:
			return nil, errors.New("anthropic: system content belongs in Request.System, not the conversation")
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, nil
}

func encodeToolResult(tr model.ToolResult) sdk.ContentBlockParamUnion {
	var content string
	switch c := tr.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(tr.CallID, content, tr.IsError)
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized

		u := sdk.ToolUnionParamOfTool(toolInputSchema(def.InputSchema), sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToProv, provToCanon, nil
}

func toolInputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}
}

// sanitizeToolName maps a tool name onto the character set Anthropic
// accepts, replacing anything else with '_' and truncating to 64 runes.
func sanitizeToolName(in string) string {
	if isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
		if len(out) == 64 {
			break
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// classifyError folds SDK failures into the structured taxonomy. Rate
// limiting additionally joins model.ErrRateLimited so the TPM middleware
// backs off.
func classifyError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return errors.Join(model.ErrRateLimited, fn.NewLimitError(fn.LimitRateLimit, "anthropic: rate limited"))
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fn.NewAuthError(fmt.Sprintf("anthropic: authentication failed (%d)", apierr.StatusCode))
		case apierr.StatusCode == 400:
			return fn.NewValidationError(fmt.Sprintf("anthropic: invalid request: %v", err))
		}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}

func translateResponse(msg *sdk.Message, provToCanon map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{Model: string(msg.Model)}
	var content, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			name := block.Name
			// A hallucinated tool name is absent from the reverse map.
			// Surface the call as-is so the loop records the miss.
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			var input map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool %s input: %w", name, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  name,
				Input: input,
			})
		}
	}
	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.Usage = fn.TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	resp.StopReason = translateStopReason(msg.StopReason)
	return resp, nil
}

func translateStopReason(reason sdk.StopReason) model.StopReason {
	switch reason {
	case sdk.StopReasonEndTurn, sdk.StopReasonStopSequence:
		return model.StopEndTurn
	case sdk.StopReasonToolUse:
		return model.StopToolUse
	case sdk.StopReasonMaxTokens:
		return model.StopMaxTokens
	default:
		return model.StopReason(reason)
	}
}
