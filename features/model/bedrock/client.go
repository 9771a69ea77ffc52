// Package bedrock implements model.Client over the AWS Bedrock Converse
// API: system and conversational messages are split, tool schemas encode
// into Bedrock's ToolConfiguration, and Converse responses (text, tool
// use, reasoning, usage) translate back into the generic structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
)

// defaultThinkingBudget is the reasoning token budget when reasoning is
// requested without one configured.
const defaultThinkingBudget = 2048

type (
	// RuntimeClient is the subset of the Bedrock runtime client the
	// adapter uses. *bedrockruntime.Client satisfies it.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Runtime provides access to Bedrock. Required.
		Runtime RuntimeClient
		// DefaultModel is the model id used when Request.Model is empty.
		// Required.
		DefaultModel string
		// MaxTokens caps completions when a request does not set one. Zero
		// omits the cap so Bedrock applies its own default.
		MaxTokens int
		// ThinkingBudget is the reasoning token budget when reasoning is
		// requested. Zero means defaultThinkingBudget.
		ThinkingBudget int
	}

	// Client implements model.Client on Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		think        int
	}
)

// New builds the adapter.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	think := opts.ThinkingBudget
	if think <= 0 {
		think = defaultThinkingBudget
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		think:        think,
	}, nil
}

// Complete issues one Converse call and translates the response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	input, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	resp, err := translateResponse(output, provToCanon)
	if err != nil {
		return nil, err
	}
	// Converse does not echo the model, so report the one we asked for.
	resp.Model = aws.ToString(input.ModelId)
	return resp, nil
}

func (c *Client) prepareRequest(req *model.Request) (*bedrockruntime.ConverseInput, map[string]string, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	messages, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if req.MaxTokens > 0 || c.maxTok > 0 {
		tokens := req.MaxTokens
		if tokens <= 0 {
			tokens = c.maxTok
		}
		input.InferenceConfig = &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(tokens)), //nolint:gosec // AWS SDK requires int32
		}
	}
	if req.Reasoning {
		fields := map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": c.think,
			},
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input, provToCanon, nil
}

func encodeMessages(msgs []model.Message, canonToProv map[string]string) ([]brtypes.Message, error) {
	// Correlation ids in transcripts may exceed Bedrock's toolUseId
	// constraints; map them to provider-safe values per encode pass.
	toolUseIDs := make(map[string]string)
	nextToolUseID := 0

	conversation := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				tb := brtypes.ToolUseBlock{Input: toDocument(call.Input)}
				name := call.Name
				if prov, ok := canonToProv[name]; ok && prov != "" {
					name = prov
				}
				tb.Name = aws.String(name)
				if id := toolUseIDFor(call.ID, toolUseIDs, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: blocks,
			})
		case model.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			// Bedrock expects tool_result blocks on user turns, correlated
			// to the prior tool_use.
			tr := brtypes.ToolResultBlock{}
			if id := toolUseIDFor(m.ToolResult.CallID, toolUseIDs, &nextToolUseID); id != "" {
				tr.ToolUseId = aws.String(id)
			}
			if s, ok := m.ToolResult.Content.(string); ok {
				tr.Content = []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberText{Value: s},
				}
			} else {
				tr.Content = []brtypes.ToolResultContentBlock{
					&brtypes.ToolResultContentBlockMemberJson{Value: toDocument(m.ToolResult.Content)},
				}
			}
			if m.ToolResult.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		case model.RoleSystem:
			return nil, errors.New("bedrock: system content belongs in Request.System, not the conversation")
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return conversation, nil
}

func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToProv := make(map[string]string, len(defs))
	provToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized

		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toolSchemaDocument(def.InputSchema)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToProv, provToCanon, nil
}

func toolSchemaDocument(schema map[string]any) document.Interface {
	if len(schema) == 0 {
		return toDocument(map[string]any{"type": "object"})
	}
	return toDocument(schema)
}

func toDocument(v any) document.Interface {
	if v == nil {
		empty := map[string]any{}
		return document.NewLazyDocument(&empty)
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) map[string]any {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil
	}
	return input
}

// toolUseIDFor returns a provider-safe tool use id for the canonical one,
// minting sequential replacements for ids that violate the [a-zA-Z0-9_-]
// and 64-character constraints.
func toolUseIDFor(canonical string, ids map[string]string, next *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeID(canonical) {
		return canonical
	}
	if id, ok := ids[canonical]; ok {
		return id
	}
	*next++
	id := fmt.Sprintf("t%d", *next)
	ids[canonical] = id
	return id
}

func isProviderSafeID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func sanitizeToolName(in string) string {
	if isProviderSafeID(in) {
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

// classifyError folds AWS failures into the structured taxonomy. Both
// throttling error codes and HTTP 429 responses join model.ErrRateLimited
// so the TPM middleware backs off.
func classifyError(err error) error {
	if isRateLimited(err) {
		return errors.Join(model.ErrRateLimited, fn.NewLimitError(fn.LimitRateLimit, "bedrock: rate limited"))
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == 401 || status == 403:
			return fn.NewAuthError(fmt.Sprintf("bedrock: authentication failed (%d)", status))
		case status == 400:
			return fn.NewValidationError(fmt.Sprintf("bedrock: invalid request: %v", err))
		}
	}
	return fmt.Errorf("bedrock converse: %w", err)
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}

func translateResponse(output *bedrockruntime.ConverseOutput, provToCanon map[string]string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberReasoningContent:
				if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok {
					resp.Reasoning += aws.ToString(rt.Value.Text)
				}
			case *brtypes.ContentBlockMemberToolUse:
				name := aws.ToString(v.Value.Name)
				if canonical, ok := provToCanon[name]; ok {
					name = canonical
				}
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:    aws.ToString(v.Value.ToolUseId),
					Name:  name,
					Input: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = fn.TokenUsage{
			InputTokens:  int64(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int64(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:  int64(aws.ToInt32(usage.TotalTokens)),
		}
	}
	resp.StopReason = translateStopReason(output.StopReason)
	return resp, nil
}

func translateStopReason(reason brtypes.StopReason) model.StopReason {
	switch reason {
	case brtypes.StopReasonEndTurn, brtypes.StopReasonStopSequence:
		return model.StopEndTurn
	case brtypes.StopReasonToolUse:
		return model.StopToolUse
	case brtypes.StopReasonMaxTokens:
		return model.StopMaxTokens
	default:
		return model.StopReason(reason)
	}
}
