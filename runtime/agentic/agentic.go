// Package agentic implements the bounded think/act/observe loop for
// agentic functions. Each iteration asks the model client for a
// completion, executes the accepted tool calls through their resolved
// handlers, and feeds the results back until the model ends its turn, a
// bound trips, or the budget runs out.
//
// Tool implementations resolve per variant: builtin names a handler on
// the registry, inline runs a JavaScript body through the code executor,
// function dispatches a referenced code function, api POSTs the input to
// a guarded HTTPS endpoint. Tools that cannot be resolved are hidden
// from the model.
//
// Model and handler failures land in the result; only resolution-phase
// failures (nil or invalid definition, wrong kind) return Go errors.
package agentic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/invoqio/invoq/runtime/events"
	"github.com/invoqio/invoq/runtime/executor"
	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/model"
	"github.com/invoqio/invoq/runtime/telemetry"
	"github.com/invoqio/invoq/runtime/tools"
)

// Loop defaults. The definition and the invocation config can tighten
// them but never widen the iteration bound.
const (
	// DefaultTimeout bounds one agentic execution wall clock.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxIterations bounds the loop when the definition is silent.
	DefaultMaxIterations = 10
	// DefaultMaxToolCalls caps accepted tool calls per iteration.
	DefaultMaxToolCalls = 5
)

type (
	// CodeExecutor is the slice of the code executor the inline and
	// function tool resolvers dispatch through.
	CodeExecutor interface {
		Execute(ctx context.Context, req executor.Request) (*fn.Result, error)
	}

	// DefinitionSource looks up registered function definitions for
	// function-implemented tools.
	DefinitionSource interface {
		Lookup(ctx context.Context, id, version string) (*fn.Definition, error)
	}

	// Pricing configures the cost estimate emitted in results.
	Pricing struct {
		// InputTokenPricePer1K is the price of one thousand input tokens.
		InputTokenPricePer1K float64
		// OutputTokenPricePer1K is the price of one thousand output tokens.
		OutputTokenPricePer1K float64
	}

	// Executor drives agentic executions.
	Executor struct {
		client    model.Client
		registry  *tools.Registry
		code      CodeExecutor
		defs      DefinitionSource
		http      *http.Client
		approvals *approvals
		sink      events.Sink
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		pricing   *Pricing
	}

	// Option configures the executor.
	Option func(*Executor)

	// Request is one agentic invocation.
	Request struct {
		// Definition must be an agentic function.
		Definition *fn.Definition
		// Input is the invocation payload, appended to the goal message.
		Input any
		// Config is the invocation-level overlay.
		Config *fn.InvokeConfig
		// ExecutionID is caller-supplied; empty means generated.
		ExecutionID string
		// RetryCount is how often this invocation was retried upstream.
		RetryCount int
	}
)

// WithRegistry replaces the tool handler registry.
func WithRegistry(r *tools.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithCodeExecutor wires the code executor used by inline and function
// tools. Without one those tools stay hidden from the model.
func WithCodeExecutor(c CodeExecutor) Option {
	return func(e *Executor) { e.code = c }
}

// WithDefinitionSource wires the definition lookup for function tools.
func WithDefinitionSource(d DefinitionSource) Option {
	return func(e *Executor) { e.defs = d }
}

// WithHTTPClient sets the client api tools POST through.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.http = c }
}

// WithEventSink publishes approval lifecycle events to the sink.
func WithEventSink(s events.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithPricing enables cost estimates in results.
func WithPricing(p Pricing) Option {
	return func(e *Executor) { e.pricing = &p }
}

// New builds an agentic executor around a model client.
func New(client model.Client, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("agentic: model client is required")
	}
	e := &Executor{
		client:    client,
		registry:  tools.NewRegistry(),
		http:      &http.Client{Timeout: 30 * time.Second},
		approvals: newApprovals(),
		sink:      events.NewNoopSink(),
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterTool binds a builtin handler by name.
func (e *Executor) RegisterTool(name string, h tools.Handler) error {
	return e.registry.Register(name, h)
}

// Execute runs one agentic invocation to a terminal result. The returned
// error is non-nil only when the definition never admitted a run.
func (e *Executor) Execute(ctx context.Context, req Request) (*fn.Result, error) {
	def := req.Definition
	if def == nil {
		return nil, fn.NewValidationError("definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Kind != fn.KindAgentic {
		return nil, fn.NewValidationError(fmt.Sprintf("function %s is not an agentic function", def.ID))
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = fn.NewExecutionID()
	}
	rc := resolveRunConfig(def, req.Config)
	st := newState(def, execID, req.Input, rc)

	res := &fn.Result{
		FunctionID:      def.ID,
		FunctionVersion: def.Version,
		ExecutionID:     execID,
		Metrics: fn.Metrics{
			RetryCount:     req.RetryCount,
			InputSizeBytes: jsonSize(req.Input),
		},
	}

	started := time.Now()
	res.Metadata.StartedAt = started.UTC()
	runCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	defer e.approvals.release(execID)

	e.logger.Debug(ctx, "starting agentic execution",
		"functionId", def.ID, "executionId", execID,
		"maxIterations", rc.maxIterations, "timeout", rc.timeout.String())

	var failure *fn.Error
	status := fn.StatusCompleted

loop:
	for i := 1; i <= rc.maxIterations; i++ {
		if err := runCtx.Err(); err != nil {
			status, failure = haltStatus(err, rc.timeout)
			break
		}
		if rc.budget > 0 && st.Tokens.TotalTokens >= rc.budget {
			status = fn.StatusFailed
			failure = fn.NewLimitError(fn.LimitTokenBudget,
				fmt.Sprintf("token budget exhausted: %d tokens used of %d budget", st.Tokens.TotalTokens, rc.budget))
			break
		}

		done, err := e.ExecuteIteration(runCtx, st)
		switch {
		case err != nil:
			status, failure = haltStatus(err, rc.timeout)
			if failure == nil {
				status = fn.StatusFailed
				failure = fn.AsError(err)
			}
			break loop
		case done:
			break loop
		case i == rc.maxIterations:
			// Out of iterations without an end turn: the last content
			// stands as partial output.
			st.GoalAchieved = false
			st.Output = parseMaybeJSON(st.LastContent)
		}
	}

	completed := time.Now()
	res.Metadata.CompletedAt = completed.UTC()
	res.Metrics.DurationMs = completed.Sub(started).Milliseconds()
	res.Status = status
	res.Error = failure
	if status == fn.StatusCompleted {
		res.Output = st.Output
		res.Metrics.OutputSizeBytes = jsonSize(st.Output)
	}
	res.Agentic = e.report(st)

	e.metrics.IncCounter("agentic_execution_total", 1,
		"status", string(res.Status), "goalAchieved", fmt.Sprintf("%t", st.GoalAchieved))
	e.metrics.RecordTimer("agentic_execution_duration_seconds", completed.Sub(started),
		"model", st.Model)
	e.metrics.IncCounter("agentic_tokens_total", float64(st.Tokens.TotalTokens), "model", st.Model)

	if res.Status == fn.StatusCompleted {
		e.logger.Debug(ctx, "agentic execution completed",
			"functionId", def.ID, "executionId", execID,
			"iterations", len(st.Trace), "goalAchieved", st.GoalAchieved,
			"totalTokens", st.Tokens.TotalTokens)
	} else {
		e.logger.Warn(ctx, "agentic execution did not complete",
			"functionId", def.ID, "executionId", execID,
			"status", string(res.Status), "error", failure.Message)
	}
	return res, nil
}

// report shapes the agentic half of the result.
func (e *Executor) report(st *State) *fn.AgenticReport {
	rep := &fn.AgenticReport{
		Iterations:   len(st.Trace),
		Trace:        st.Trace,
		ToolsUsed:    st.ToolsUsed,
		GoalAchieved: st.GoalAchieved,
		TotalTokens:  st.Tokens,
		Model:        st.Model,
	}
	if rep.ToolsUsed == nil {
		rep.ToolsUsed = []string{}
	}
	if rep.Trace == nil {
		rep.Trace = []fn.IterationRecord{}
	}
	if st.Definition.Agentic.EnableReasoning {
		rep.ReasoningSummary = st.reasoningSummary()
	}
	if e.pricing != nil {
		cost := float64(st.Tokens.InputTokens)/1000*e.pricing.InputTokenPricePer1K +
			float64(st.Tokens.OutputTokens)/1000*e.pricing.OutputTokenPricePer1K
		rep.CostEstimate = &cost
	}
	return rep
}

// haltStatus classifies a context error against the terminal statuses.
// Non-context errors return an empty status so the caller can decide.
func haltStatus(err error, timeout time.Duration) (fn.Status, *fn.Error) {
	switch {
	case err == nil:
		return "", nil
	case isDeadline(err):
		return fn.StatusTimeout, fn.NewTimeoutError(fmt.Sprintf("execution exceeded %s", timeout))
	case isCanceled(err):
		return fn.StatusCancelled, fn.NewCancelledError("execution aborted")
	default:
		return "", nil
	}
}

func isDeadline(err error) bool { return errors.Is(err, context.DeadlineExceeded) }

func isCanceled(err error) bool { return errors.Is(err, context.Canceled) }

// parseMaybeJSON returns the decoded value when content is valid JSON,
// the raw string otherwise. Empty content stays nil.
func parseMaybeJSON(content string) any {
	if content == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v
	}
	return content
}

// jsonSize measures a value as serialized JSON. Unencodable values
// measure zero.
func jsonSize(v any) int64 {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(data))
}
