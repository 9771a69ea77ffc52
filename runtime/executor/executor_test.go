package executor_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/compilecache"
	"github.com/invoqio/invoq/runtime/executor"
	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/sandbox"
)

func newExecutor(t *testing.T, opts ...executor.Option) *executor.Executor {
	t.Helper()
	e, err := executor.New(&fakeStore{}, opts...)
	require.NoError(t, err)
	return e
}

func inlineJS(code string) *fn.Definition {
	return codeDef(fn.LangJavaScript, fn.SourceRef{Inline: code})
}

func TestExecuteCompletedRun(t *testing.T) {
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) { return { sum: input.a + input.b }; }`),
		Input:      map[string]any{"a": 2, "b": 3},
		RetryCount: 2,
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, res.Status)
	require.Nil(t, res.Error)

	out, ok := res.Output.(map[string]any)
	require.True(t, ok, "output is %T", res.Output)
	require.Equal(t, int64(5), out["sum"])

	require.Equal(t, "demo", res.FunctionID)
	require.Equal(t, "1.0.0", res.FunctionVersion)
	require.True(t, strings.HasPrefix(res.ExecutionID, "exec-"), "id %q", res.ExecutionID)

	m := res.Metrics
	require.Equal(t, fn.LangJavaScript, m.Language)
	require.Equal(t, string(sandbox.TypeV8), m.IsolateType)
	require.Equal(t, int64(len(`{"a":2,"b":3}`)), m.InputSizeBytes)
	require.Equal(t, int64(len(`{"sum":5}`)), m.OutputSizeBytes)
	require.Equal(t, 2, m.RetryCount)
	require.GreaterOrEqual(t, m.DurationMs, int64(0))
	require.False(t, res.Metadata.StartedAt.IsZero())
	require.False(t, res.Metadata.CompletedAt.Before(res.Metadata.StartedAt))
}

func TestExecutePreservesSuppliedExecutionID(t *testing.T) {
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition:  inlineJS(`function handler(input) { return null; }`),
		ExecutionID: "exec-replay-42",
	})
	require.NoError(t, err)
	require.Equal(t, "exec-replay-42", res.ExecutionID)
}

func TestExecuteCompileCacheHit(t *testing.T) {
	cache, err := compilecache.New(compilecache.Options{Capacity: 8})
	require.NoError(t, err)
	e := newExecutor(t, executor.WithCache(cache))

	req := executor.Request{
		Definition: inlineJS(`function handler(input) { return input.n * 2; }`),
		Input:      map[string]any{"n": 4},
	}

	first, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, first.Status)
	require.False(t, first.Metrics.CacheHit)

	second, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, second.Status)
	require.True(t, second.Metrics.CacheHit)
	require.Zero(t, second.Metrics.CompilationTimeMs)
	require.Equal(t, first.Output, second.Output)
}

func TestExecuteCompileErrorFailsResult(t *testing.T) {
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) { return {;`),
	})
	require.NoError(t, err, "compile failures land in the result")
	require.Equal(t, fn.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, fn.ErrValidation, res.Error.Name)
	require.Contains(t, res.Error.Message, "compile")
}

func TestExecuteTimeout(t *testing.T) {
	e := newExecutor(t)
	timeout, err := fn.ParseDurationValue("200ms")
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) { while (true) {} }`),
		Config:     &fn.InvokeConfig{Timeout: &timeout},
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusTimeout, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, fn.ErrTimeout, res.Error.Name)
	require.True(t, res.Error.Retryable)
	require.Contains(t, res.Error.Message, "200ms")
	require.GreaterOrEqual(t, res.Metrics.DurationMs, int64(200))
}

func TestExecuteDefaultTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("runs against the 5s default timeout")
	}
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) { while (true) {} }`),
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusTimeout, res.Status)
	require.Contains(t, res.Error.Message, "5s")
	require.GreaterOrEqual(t, res.Metrics.DurationMs, int64(4500))
	require.Less(t, res.Metrics.DurationMs, int64(6000))
}

func TestExecuteCancelled(t *testing.T) {
	e := newExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	res, err := e.Execute(ctx, executor.Request{
		Definition: inlineJS(`function handler(input) { while (true) {} }`),
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusCancelled, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, fn.ErrCancelled, res.Error.Name)
	require.GreaterOrEqual(t, res.Metrics.DurationMs, int64(50))
}

func TestExecuteThrownError(t *testing.T) {
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) { throw new TypeError("bad input shape"); }`),
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	require.Equal(t, fn.ErrorName("TypeError"), res.Error.Name)
	require.Equal(t, "bad input shape", res.Error.Message)
	require.Contains(t, res.Error.Stack, "handler")
	require.False(t, res.Error.Retryable)
}

func TestExecutePartialResultSurfaced(t *testing.T) {
	e := newExecutor(t)

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: inlineJS(`function handler(input) {
 const err = new Error("upstream flaked");
 err.retryable = true;
 err.partialResult = { processed: 2 };
 throw err;
}`),
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusFailed, res.Status)
	require.True(t, res.Error.Retryable)

	out, ok := res.Output.(map[string]any)
	require.True(t, ok, "partial output is %T", res.Output)
	require.Equal(t, int64(2), out["processed"])
	require.Equal(t, int64(len(`{"processed":2}`)), res.Metrics.OutputSizeBytes)
}

func TestExecuteDeterministicRepeat(t *testing.T) {
	def := inlineJS(`function handler(input) { return { r: Math.random(), t: Date.now() }; }`)
	def.Config = &fn.InvokeConfig{
		Deterministic: ptr(true),
		Seed:          ptr(int64(7)),
		FixedClockMs:  ptr(int64(1700000000000)),
	}
	e := newExecutor(t)

	first, err := e.Execute(context.Background(), executor.Request{Definition: def})
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, first.Status)
	require.True(t, first.Metrics.Deterministic)

	second, err := e.Execute(context.Background(), executor.Request{Definition: def})
	require.NoError(t, err)
	require.Equal(t, first.Output, second.Output)

	out, ok := first.Output.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), out["t"])
}

func TestExecuteIsolateOverrideHonored(t *testing.T) {
	e := newExecutor(t)
	def := inlineJS(`function handler(input) { return 1; }`)
	def.Config = &fn.InvokeConfig{Isolate: string(sandbox.TypeWASM)}

	// JavaScript text is not a WASM module, so routing it to the wasm
	// isolate proves the override applied.
	res, err := e.Execute(context.Background(), executor.Request{Definition: def})
	require.NoError(t, err)
	require.Equal(t, string(sandbox.TypeWASM), res.Metrics.IsolateType)
	require.Equal(t, fn.StatusFailed, res.Status)
}

// stubIsolate completes every run with a fixed output.
type stubIsolate struct {
	typ    sandbox.Type
	output any
}

func (s *stubIsolate) Type() sandbox.Type { return s.typ }

func (s *stubIsolate) Compile(context.Context, sandbox.Unit) (sandbox.Artifact, error) {
	return struct{}{}, nil
}

func (s *stubIsolate) Run(context.Context, sandbox.Artifact, any, sandbox.Policy) (*sandbox.Result, error) {
	return &sandbox.Result{Output: s.output}, nil
}

func TestExecuteWorkerRouting(t *testing.T) {
	worker := &stubIsolate{typ: sandbox.TypeWorker, output: "csharp ran"}
	e := newExecutor(t, executor.WithWorker(fn.LangCSharp, worker))

	res, err := e.Execute(context.Background(), executor.Request{
		Definition: codeDef(fn.LangCSharp, fn.SourceRef{Inline: "return 1;"}),
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, res.Status)
	require.Equal(t, "csharp ran", res.Output)
	require.Equal(t, string(sandbox.TypeWorker), res.Metrics.IsolateType)
}

func TestExecuteResolutionErrors(t *testing.T) {
	e := newExecutor(t)

	cases := []struct {
		name string
		def  *fn.Definition
		want string
	}{
		{"nil definition", nil, "definition is required"},
		{
			"unknown language",
			codeDef(fn.Language("cobol"), fn.SourceRef{Inline: "x"}),
			"unsupported language",
		},
		{
			"agentic definition",
			&fn.Definition{ID: "planner", Kind: fn.KindAgentic, Agentic: &fn.AgenticSpec{Goal: "do"}},
			"not a code function",
		},
		{
			"worker language without worker",
			codeDef(fn.LangCSharp, fn.SourceRef{Inline: "return 1;"}),
			"no worker isolate configured",
		},
		{
			"missing stored code",
			codeDef(fn.LangJavaScript, fn.SourceRef{Registry: &fn.RegistryRef{FunctionID: "ghost"}}),
			"no stored code",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), executor.Request{Definition: tc.def})
			require.Error(t, err)
			require.Nil(t, res, "resolution failures never produce a result")
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExecuteTypeScriptHandler(t *testing.T) {
	e := newExecutor(t)

	src := `
interface Payload {
 a: number;
 b: number;
}

function handler(input: Payload): { sum: number } {
 const total: number = input.a + input.b;
 return { sum: total };
}
`
	res, err := e.Execute(context.Background(), executor.Request{
		Definition: codeDef(fn.LangTypeScript, fn.SourceRef{Inline: src}),
		Input:      map[string]any{"a": 20, "b": 22},
	})
	require.NoError(t, err)
	require.Equal(t, fn.StatusCompleted, res.Status)

	out, ok := res.Output.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(42), out["sum"])
	require.Equal(t, fn.LangTypeScript, res.Metrics.Language)
}
