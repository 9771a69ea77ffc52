package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/invoqio/invoq/runtime/agentic"
	"github.com/invoqio/invoq/runtime/events"
	"github.com/invoqio/invoq/runtime/executor"
	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/telemetry"
)

// maxInvokeBodyBytes caps an invoke request body.
const maxInvokeBodyBytes = 16 << 20

type (
	// CodeInvoker runs code functions.
	CodeInvoker interface {
		Execute(ctx context.Context, req executor.Request) (*fn.Result, error)
	}

	// AgenticInvoker runs agentic functions.
	AgenticInvoker interface {
		Execute(ctx context.Context, req agentic.Request) (*fn.Result, error)
	}

	// Definitions resolves function ids to registered definitions.
	Definitions interface {
		Lookup(ctx context.Context, id, version string) (*fn.Definition, error)
	}

	// Server dispatches routed requests to the executors.
	Server struct {
		defs    Definitions
		code    CodeInvoker
		agent   AgenticInvoker
		sink    events.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// ServerOption configures a Server.
	ServerOption func(*Server)

	// InvokeRequest is the invoke body. Every field is optional; an
	// empty body invokes the latest version with no input.
	InvokeRequest struct {
		// Input is handed to the function verbatim.
		Input any `json:"input,omitempty"`
		// Config is the invocation-level config overlay.
		Config *fn.InvokeConfig `json:"config,omitempty"`
		// Version pins a definition version; empty means latest.
		Version string `json:"version,omitempty"`
		// ExecutionID threads a caller-supplied id through the run.
		ExecutionID string `json:"executionId,omitempty"`
	}
)

// WithCodeInvoker wires the code executor.
func WithCodeInvoker(c CodeInvoker) ServerOption {
	return func(s *Server) { s.code = c }
}

// WithAgenticInvoker wires the agentic executor.
func WithAgenticInvoker(a AgenticInvoker) ServerOption {
	return func(s *Server) { s.agent = a }
}

// WithEventSink publishes execution lifecycle events to the sink.
func WithEventSink(sink events.Sink) ServerOption {
	return func(s *Server) { s.sink = sink }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer builds the HTTP dispatch surface over a definition source.
func NewServer(defs Definitions, opts ...ServerOption) (*Server, error) {
	if defs == nil {
		return nil, fmt.Errorf("httpapi: definition source is required")
	}
	s := &Server{
		defs:    defs,
		sink:    events.NewNoopSink(),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler routes requests per the routing surface. Unrecognized actions
// and unrouted paths are 404s.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := ParseFunctionPath(r)
		if route.FunctionID == "" {
			ErrorResponse(w, "function id is required", http.StatusNotFound)
			return
		}
		switch route.Action {
		case ActionInvoke:
			s.handleInvoke(w, r, route.FunctionID)
		case ActionInfo:
			s.handleInfo(w, r, route.FunctionID)
		default:
			// Bare function routes, including header-routed ones, fall
			// back on the method: POST invokes, GET describes.
			switch r.Method {
			case http.MethodPost:
				s.handleInvoke(w, r, route.FunctionID)
			case http.MethodGet:
				s.handleInfo(w, r, route.FunctionID)
			default:
				ErrorResponse(w, fmt.Sprintf("no action for path %s", r.URL.Path), http.StatusNotFound)
			}
		}
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, fid string) {
	if r.Method != http.MethodPost {
		ErrorResponse(w, "invoke requires POST", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	var body InvokeRequest
	data, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBodyBytes))
	if err != nil {
		ErrorResponse(w, "reading request body failed", http.StatusBadRequest)
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			ErrorResponse(w, fmt.Sprintf("invalid invoke body: %v", err), http.StatusBadRequest)
			return
		}
	}

	def, err := s.defs.Lookup(ctx, fid, body.Version)
	if err != nil {
		ErrorResponse(w, fn.AsError(err).Message, StatusOf(err))
		return
	}

	execID := body.ExecutionID
	if execID == "" {
		execID = fn.NewExecutionID()
	}
	if span := SpanFromContext(ctx); span != nil {
		span.SetAttributes(map[string]any{
			"function.id":      def.ID,
			"function.version": def.Version,
			"execution.id":     execID,
		})
	}
	s.publish(ctx, events.New(events.TypeExecutionStarted, execID, def.ID, map[string]any{
		"kind":    string(def.Kind),
		"version": def.Version,
	}))

	res, err := s.dispatch(ctx, def, body, execID)
	if err != nil {
		fe := fn.AsError(err)
		s.publish(ctx, events.New(events.TypeExecutionCompleted, execID, def.ID, map[string]any{
			"status": string(fn.StatusFailed),
			"error":  string(fe.Name),
		}))
		s.metrics.IncCounter("http_invocations_total", 1, "kind", string(def.Kind), "status", "rejected")
		ErrorResponse(w, fe.Message, StatusOf(err))
		return
	}

	s.publish(ctx, events.New(events.TypeExecutionCompleted, execID, def.ID, map[string]any{
		"status":     string(res.Status),
		"durationMs": res.Metrics.DurationMs,
	}))
	s.metrics.IncCounter("http_invocations_total", 1, "kind", string(def.Kind), "status", string(res.Status))
	JSONResponse(w, res, http.StatusOK)
}

// dispatch routes the invocation to the executor matching the
// definition kind.
func (s *Server) dispatch(ctx context.Context, def *fn.Definition, body InvokeRequest, execID string) (*fn.Result, error) {
	switch def.Kind {
	case fn.KindCode:
		if s.code == nil {
			return nil, errors.New("no code executor configured")
		}
		return s.code.Execute(ctx, executor.Request{
			Definition:  def,
			Input:       body.Input,
			Config:      body.Config,
			ExecutionID: execID,
		})
	case fn.KindAgentic:
		if s.agent == nil {
			return nil, errors.New("no agentic executor configured")
		}
		return s.agent.Execute(ctx, agentic.Request{
			Definition:  def,
			Input:       body.Input,
			Config:      body.Config,
			ExecutionID: execID,
		})
	default:
		return nil, fn.NewValidationError(fmt.Sprintf("function %s has unknown kind %q", def.ID, def.Kind))
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, fid string) {
	if r.Method != http.MethodGet {
		ErrorResponse(w, "info requires GET", http.StatusMethodNotAllowed)
		return
	}
	def, err := s.defs.Lookup(r.Context(), fid, r.URL.Query().Get("version"))
	if err != nil {
		ErrorResponse(w, fn.AsError(err).Message, StatusOf(err))
		return
	}
	JSONResponse(w, describe(def), http.StatusOK)
}

// describe shapes the public view of a definition. Source bodies and
// prompts stay private.
func describe(def *fn.Definition) map[string]any {
	info := map[string]any{
		"id":      def.ID,
		"version": def.Version,
		"kind":    string(def.Kind),
	}
	if def.Code != nil {
		kind, _ := def.Code.Source.Kind()
		info["language"] = string(def.Code.Language)
		info["source"] = kind
	}
	if def.Agentic != nil {
		tools := make([]map[string]any, len(def.Agentic.Tools))
		for i, td := range def.Agentic.Tools {
			impl, _ := td.Implementation.Kind()
			tools[i] = map[string]any{
				"name":             td.Name,
				"description":      td.Description,
				"implementation":   string(impl),
				"requiresApproval": td.RequiresApproval,
			}
		}
		info["model"] = def.Agentic.Model
		info["maxIterations"] = def.Agentic.MaxIterations
		info["tools"] = tools
	}
	if def.Config != nil {
		info["config"] = def.Config
	}
	return info
}

func (s *Server) publish(ctx context.Context, ev events.Event) {
	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "event publish failed", "type", string(ev.Type), "error", err.Error())
	}
}
