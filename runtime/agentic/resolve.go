package agentic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/invoqio/invoq/runtime/executor"
	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/safeurl"
	"github.com/invoqio/invoq/runtime/tools"
)

// maxAPIResponseBytes caps what an api tool may return.
const maxAPIResponseBytes = 4 << 20

// handlerFor resolves a tool definition to its handler, one resolver
// per implementation variant. A nil return means the tool cannot run in
// this executor and stays hidden from the model.
func (e *Executor) handlerFor(td fn.ToolDefinition) tools.Handler {
	kind, err := td.Implementation.Kind()
	if err != nil {
		return nil
	}
	switch kind {
	case fn.ToolImplBuiltin:
		h, _ := e.registry.Get(td.Implementation.Builtin)
		return h
	case fn.ToolImplInline:
		if e.code == nil {
			return nil
		}
		return e.inlineHandler(td.Name, td.Implementation.Inline)
	case fn.ToolImplFunction:
		if e.code == nil || e.defs == nil {
			return nil
		}
		return e.functionHandler(td.Implementation.Function)
	case fn.ToolImplAPI:
		return e.apiHandler(td.Implementation.API)
	}
	return nil
}

// ExecuteTool runs one tool outside the loop, for composition and for
// operator-driven dry runs. Unlike loop calls, a missing handler is a
// hard error here.
func (e *Executor) ExecuteTool(ctx context.Context, td fn.ToolDefinition, input map[string]any, executionID string) (any, error) {
	h := e.handlerFor(td)
	if h == nil {
		return nil, fn.NewNotFoundError(fmt.Sprintf("no handler registered for tool %s", td.Name))
	}
	if err := tools.ValidateInput(td.InputSchema, input); err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("tool %s input: %v", td.Name, err))
	}
	return h(ctx, input, tools.Context{Definition: td, ExecutionID: executionID})
}

// inlineHandler runs a JavaScript body through the code executor under a
// synthetic definition scoped to the tool name.
func (e *Executor) inlineHandler(name, body string) tools.Handler {
	def := &fn.Definition{
		ID:      "tools/" + name,
		Version: "0.0.0",
		Kind:    fn.KindCode,
		Code: &fn.CodeSpec{
			Language: fn.LangJavaScript,
			Source:   fn.SourceRef{Inline: body},
		},
	}
	return func(ctx context.Context, input map[string]any, tc tools.Context) (any, error) {
		res, err := e.code.Execute(ctx, executor.Request{
			Definition:  def,
			Input:       input,
			ExecutionID: tc.ExecutionID,
		})
		if err != nil {
			return nil, err
		}
		if res.Status != fn.StatusCompleted {
			return nil, res.Error
		}
		return res.Output, nil
	}
}

// functionHandler dispatches a referenced code function. The reference
// is an id, optionally pinned as id@version.
func (e *Executor) functionHandler(ref string) tools.Handler {
	id, version := splitRef(ref)
	return func(ctx context.Context, input map[string]any, tc tools.Context) (any, error) {
		def, err := e.defs.Lookup(ctx, id, version)
		if err != nil {
			return nil, err
		}
		if def == nil {
			return nil, fn.NewNotFoundError(fmt.Sprintf("function %s not found", ref))
		}
		if def.Kind != fn.KindCode {
			return nil, fn.NewValidationError(fmt.Sprintf("tool target %s is not a code function", ref))
		}
		res, err := e.code.Execute(ctx, executor.Request{
			Definition:  def,
			Input:       input,
			ExecutionID: tc.ExecutionID,
		})
		if err != nil {
			return nil, err
		}
		if res.Status != fn.StatusCompleted {
			return nil, res.Error
		}
		return res.Output, nil
	}
}

// apiHandler POSTs the tool input as JSON to a guarded HTTPS endpoint
// and returns the decoded response body.
func (e *Executor) apiHandler(endpoint string) tools.Handler {
	return func(ctx context.Context, input map[string]any, tc tools.Context) (any, error) {
		if err := safeurl.Validate(endpoint); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(input)
		if err != nil {
			return nil, fn.NewValidationError(fmt.Sprintf("tool input is not serializable: %v", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fn.NewValidationError(err.Error())
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.http.Do(req)
		if err != nil {
			return nil, fn.NewTransportError(fmt.Sprintf("tool endpoint %s unreachable", endpoint), err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
		if err != nil {
			return nil, fn.NewTransportError("reading tool response failed", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fn.NewTransportError(fmt.Sprintf("tool endpoint returned %d", resp.StatusCode), nil)
		}
		var out any
		if err := json.Unmarshal(body, &out); err != nil {
			return string(body), nil
		}
		return out, nil
	}
}

func splitRef(ref string) (id, version string) {
	if at := strings.LastIndexByte(ref, '@'); at > 0 {
		return ref[:at], ref[at+1:]
	}
	return ref, fn.Latest
}
