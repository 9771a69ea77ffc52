// Package executor runs code functions end to end: it overlays invocation
// configuration, resolves source references, strips TypeScript down to
// JavaScript, consults the compile cache, selects and drives the sandbox
// isolate, and shapes the terminal result with its metrics. User-code
// failures land in the result; only resolution failures (missing backends,
// unknown code) propagate as errors to the caller.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/invoqio/invoq/runtime/compilecache"
	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/sandbox"
	"github.com/invoqio/invoq/runtime/telemetry"
)

type (
	// Store is the code resolution surface the executor reads from.
	// codestore.Store satisfies it.
	Store interface {
		Get(ctx context.Context, fid, version string) ([]byte, error)
		GetBinary(ctx context.Context, fid, version string) ([]byte, error)
		GetObject(ctx context.Context, key string) ([]byte, error)
	}

	// Executor executes code functions.
	Executor struct {
		store   Store
		cache   *compilecache.Cache
		client  *http.Client
		js      sandbox.Isolate
		wasm    sandbox.Isolate
		workers map[fn.Language]sandbox.Isolate
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures an Executor.
	Option func(*Executor)

	// Request describes one invocation.
	Request struct {
		// Definition is the function to run. Required.
		Definition *fn.Definition
		// Input is passed to the entry handler.
		Input any
		// Config is the invocation-level overlay, strongest in the
		// config resolution.
		Config *fn.InvokeConfig
		// ExecutionID is the caller-supplied execution id. When empty a
		// fresh exec- prefixed id is generated.
		ExecutionID string
		// RetryCount is how many times this invocation was retried
		// upstream; it is recorded in the result metrics verbatim.
		RetryCount int
	}
)

// WithCache routes compilation through the given compile cache.
func WithCache(c *compilecache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithHTTPClient sets the client used for URL source fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithJSIsolate replaces the default JavaScript isolate.
func WithJSIsolate(iso sandbox.Isolate) Option {
	return func(e *Executor) { e.js = iso }
}

// WithWASMIsolate replaces the default WASM isolate.
func WithWASMIsolate(iso sandbox.Isolate) Option {
	return func(e *Executor) { e.wasm = iso }
}

// WithWorker registers a worker isolate for a language. Python gets a
// default worker; csharp requires one from the operator.
func WithWorker(lang fn.Language, iso sandbox.Isolate) Option {
	return func(e *Executor) { e.workers[lang] = iso }
}

// WithLogger sets the structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New constructs an Executor over the given code store. Isolates default
// to the built-in JavaScript, WASM, and Python implementations.
func New(store Store, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, fmt.Errorf("executor: store is required")
	}
	e := &Executor{
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		workers: make(map[fn.Language]sandbox.Isolate),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.js == nil {
		e.js = sandbox.NewJSIsolate(sandbox.JSOptions{})
	}
	if e.wasm == nil {
		e.wasm = sandbox.NewWASMIsolate()
	}
	if _, ok := e.workers[fn.LangPython]; !ok {
		e.workers[fn.LangPython] = sandbox.NewPythonIsolate()
	}
	return e, nil
}

// Execute runs one code function invocation. The returned result always
// carries a terminal status; a non-nil error means the invocation never
// reached the sandbox (invalid definition, unresolvable source, missing
// isolate).
func (e *Executor) Execute(ctx context.Context, req Request) (*fn.Result, error) {
	def := req.Definition
	if def == nil {
		return nil, fn.NewValidationError("definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Kind != fn.KindCode {
		return nil, fn.NewValidationError(fmt.Sprintf("function %s is not a code function", def.ID))
	}

	execID := req.ExecutionID
	if execID == "" {
		execID = fn.NewExecutionID()
	}
	eff := resolveConfig(def, req.Config)

	res := &fn.Result{
		FunctionID:      def.ID,
		FunctionVersion: def.Version,
		ExecutionID:     execID,
		Metrics: fn.Metrics{
			RetryCount:     req.RetryCount,
			Language:       def.Code.Language,
			Deterministic:  eff.Policy.Deterministic,
			InputSizeBytes: jsonSize(req.Input),
		},
	}

	unit, err := e.resolveSource(ctx, def)
	if err != nil {
		return nil, err
	}
	if def.Code.Language == fn.LangTypeScript {
		unit.Code = stripTypes(unit.Code)
	}

	iso, err := e.isolateFor(def.Code.Language, eff.Isolate)
	if err != nil {
		return nil, err
	}
	res.Metrics.IsolateType = string(iso.Type())

	artifact, err := e.compile(ctx, iso, unit, def.Code.Language, eff.Policy, &res.Metrics)
	if err != nil {
		return e.finish(ctx, res, nil, err, time.Now(), eff)
	}

	started := time.Now()
	res.Metadata.StartedAt = started.UTC()
	runCtx, cancel := context.WithTimeout(ctx, eff.Timeout)
	defer cancel()

	e.logger.Debug(ctx, "executing function",
		"functionId", def.ID, "executionId", execID,
		"language", string(def.Code.Language), "isolate", res.Metrics.IsolateType,
		"timeout", eff.Timeout.String())

	out, runErr := iso.Run(runCtx, artifact, req.Input, eff.Policy)
	return e.finish(ctx, res, out, runErr, started, eff)
}

// finish maps a sandbox outcome onto the result, fills the timing metrics,
// and records telemetry.
func (e *Executor) finish(ctx context.Context, res *fn.Result, out *sandbox.Result, runErr error, started time.Time, eff effectiveConfig) (*fn.Result, error) {
	completed := time.Now()
	if res.Metadata.StartedAt.IsZero() {
		res.Metadata.StartedAt = started.UTC()
	}
	res.Metadata.CompletedAt = completed.UTC()
	res.Metrics.DurationMs = completed.Sub(started).Milliseconds()
	if out != nil {
		res.Metrics.MemoryUsedBytes = out.MemoryUsedBytes
		res.Metrics.CPUTimeMs = out.CPUTimeMs
		for _, line := range out.Logs {
			e.logger.Debug(ctx, "function log", "functionId", res.FunctionID, "executionId", res.ExecutionID, "line", line)
		}
	}

	switch {
	case runErr == nil:
		res.Status = fn.StatusCompleted
		if out != nil {
			res.Output = out.Output
			res.Metrics.OutputSizeBytes = jsonSize(out.Output)
		}
	case errors.Is(runErr, context.DeadlineExceeded):
		res.Status = fn.StatusTimeout
		res.Error = fn.NewTimeoutError(fmt.Sprintf("execution exceeded %s", eff.Timeout))
	case errors.Is(runErr, context.Canceled):
		res.Status = fn.StatusCancelled
		res.Error = fn.NewCancelledError("execution aborted")
	default:
		res.Status = fn.StatusFailed
		res.Error = fn.AsError(runErr)
		if out != nil && out.Output != nil {
			// a retryable failure may carry a partial result
			res.Output = out.Output
			res.Metrics.OutputSizeBytes = jsonSize(out.Output)
		}
	}

	e.metrics.IncCounter("execution_total", 1,
		"status", string(res.Status), "language", string(res.Metrics.Language))
	e.metrics.RecordTimer("execution_duration_seconds", completed.Sub(started),
		"language", string(res.Metrics.Language), "isolate", res.Metrics.IsolateType)
	if res.Status == fn.StatusCompleted {
		e.logger.Debug(ctx, "execution completed",
			"functionId", res.FunctionID, "executionId", res.ExecutionID,
			"durationMs", res.Metrics.DurationMs)
	} else {
		e.logger.Warn(ctx, "execution did not complete",
			"functionId", res.FunctionID, "executionId", res.ExecutionID,
			"status", string(res.Status), "error", res.Error.Message)
	}
	return res, nil
}

// compile produces the runnable artifact, consulting the compile cache
// when one is configured. A cache hit records zero compilation time.
func (e *Executor) compile(ctx context.Context, iso sandbox.Isolate, unit sandbox.Unit, lang fn.Language, policy sandbox.Policy, m *fn.Metrics) (sandbox.Artifact, error) {
	content := unit.Code
	if len(unit.Binary) > 0 {
		content = string(unit.Binary)
	}
	var key string
	if e.cache != nil {
		key = compilecache.Key(lang, content, policy.Fingerprint())
		if art, ok := e.cache.Get(key); ok {
			m.CacheHit = true
			m.CompilationTimeMs = 0
			e.metrics.IncCounter("compile_cache_hit_total", 1, "language", string(lang))
			return art, nil
		}
	}
	start := time.Now()
	art, err := iso.Compile(ctx, unit)
	if err != nil {
		return nil, err
	}
	m.CompilationTimeMs = time.Since(start).Milliseconds()
	e.metrics.RecordTimer("compile_duration_seconds", time.Since(start), "language", string(lang))
	if e.cache != nil {
		e.cache.Add(key, art)
	}
	return art, nil
}

// isolateFor selects the isolate instance for a language, honoring an
// explicit type override.
func (e *Executor) isolateFor(lang fn.Language, override sandbox.Type) (sandbox.Isolate, error) {
	t := override
	if t == "" {
		var err error
		t, err = sandbox.TypeForLanguage(lang)
		if err != nil {
			return nil, err
		}
	}
	switch t {
	case sandbox.TypeV8:
		return e.js, nil
	case sandbox.TypeWASM:
		return e.wasm, nil
	case sandbox.TypeWorker:
		iso, ok := e.workers[lang]
		if !ok {
			return nil, fn.NewValidationError(fmt.Sprintf("no worker isolate configured for language %s", lang))
		}
		return iso, nil
	default:
		return nil, fn.NewValidationError(fmt.Sprintf("unknown isolate type %q", t))
	}
}

// jsonSize measures a value the way it travels on the wire. Unencodable
// values measure zero.
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
