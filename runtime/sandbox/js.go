package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/invoqio/invoq/runtime/fn"
	"github.com/invoqio/invoq/runtime/safeurl"
)

const (
	// jsEntrypoint is the function user code must define.
	jsEntrypoint = "handler"

	// jsMaxCallStack bounds recursion depth inside the isolate.
	jsMaxCallStack = 4096

	// jsMaxFetchBody caps response bodies read on behalf of user code.
	jsMaxFetchBody = 10 << 20

	// memWatchInterval is how often the memory watchdog samples heap
	// growth while a run is in flight.
	memWatchInterval = 25 * time.Millisecond
)

type (
	// JSOptions configures a JSIsolate.
	JSOptions struct {
		// HTTPClient serves sandboxed fetch calls. Defaults to a client
		// with a 10 second timeout.
		HTTPClient *http.Client
	}

	// JSIsolate runs JavaScript in an embedded engine. One isolate is
	// reusable across invocations; each run gets a fresh VM so user code
	// never observes another invocation's globals.
	JSIsolate struct {
		client *http.Client
	}

	// interrupted carries the reason a VM was stopped mid-run.
	interrupted struct {
		err error
	}

	// rejectedError carries the rejection value of a settled promise so
	// it maps exactly like a synchronous throw.
	rejectedError struct {
		value goja.Value
	}
)

func (e *rejectedError) Error() string { return "promise rejected" }

// NewJSIsolate constructs a JSIsolate.
func NewJSIsolate(opts JSOptions) *JSIsolate {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JSIsolate{client: client}
}

// Type implements Isolate.
func (i *JSIsolate) Type() Type { return TypeV8 }

// Compile parses and compiles JavaScript source. The compiled program is
// immutable and safe to share across VMs and invocations.
func (i *JSIsolate) Compile(_ context.Context, unit Unit) (Artifact, error) {
	prog, err := goja.Compile("function.js", unit.Code, true)
	if err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("compile: %v", err))
	}
	return prog, nil
}

// Run executes a compiled program. The program must define
// handler(input); its return value, synchronous or an already-settled
// promise, becomes the output. On failure the returned result may still
// carry partial output and logs.
func (i *JSIsolate) Run(ctx context.Context, artifact Artifact, input any, policy Policy) (*Result, error) {
	prog, ok := artifact.(*goja.Program)
	if !ok {
		return nil, fmt.Errorf("sandbox: artifact is %T, not a compiled program", artifact)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(jsMaxCallStack)
	if policy.Deterministic {
		src := rand.New(rand.NewPCG(uint64(policy.Seed), uint64(policy.Seed)))
		vm.SetRandSource(src.Float64)
		fixed := time.UnixMilli(policy.FixedClockMs).UTC()
		vm.SetTimeSource(func() time.Time { return fixed })
	}

	res := &Result{}
	if policy.GlobalAllowed("console") {
		installConsole(vm, &res.Logs)
	}
	if policy.GlobalAllowed("fetch") {
		i.installFetch(vm, policy)
	}

	stop := watch(ctx, vm, policy)
	defer stop()

	started := time.Now()
	out, err := invoke(vm, prog, input)
	res.CPUTimeMs = time.Since(started).Milliseconds()
	res.MemoryUsedBytes = heapInUse()

	if err != nil {
		mapped, partial := mapJSError(err)
		res.Output = partial
		return res, mapped
	}
	res.Output = exportJS(out)
	return res, nil
}

// invoke runs the program, resolves the entry handler, and calls it.
func invoke(vm *goja.Runtime, prog *goja.Program, input any) (goja.Value, error) {
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, err
	}
	entry, ok := goja.AssertFunction(vm.Get(jsEntrypoint))
	if !ok {
		return nil, fn.NewValidationError(fmt.Sprintf("code must define %s(input)", jsEntrypoint))
	}
	out, err := entry(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, err
	}
	// The job queue drains before control returns to Go, so promises
	// from async handlers are settled here unless they wait on a timer,
	// which no isolate API provides.
	if p, ok := out.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &rejectedError{value: p.Result()}
		default:
			return nil, fn.NewSandboxError("handler promise did not settle")
		}
	}
	return out, nil
}

// watch interrupts the VM on context cancellation and enforces the CPU
// and memory budgets. The returned stop function must run before the
// result is read.
func watch(ctx context.Context, vm *goja.Runtime, policy Policy) (stop func()) {
	done := make(chan struct{})

	go func() {
		var cpu <-chan time.Time
		if policy.CPUTimeLimitMs > 0 {
			t := time.NewTimer(time.Duration(policy.CPUTimeLimitMs) * time.Millisecond)
			defer t.Stop()
			cpu = t.C
		}
		var mem <-chan time.Time
		if policy.MemoryLimitBytes > 0 {
			t := time.NewTicker(memWatchInterval)
			defer t.Stop()
			mem = t.C
		}
		base := heapInUse()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				vm.Interrupt(interrupted{err: ctx.Err()})
				return
			case <-cpu:
				vm.Interrupt(interrupted{err: fn.NewLimitError(fn.LimitCPU, "cpu time limit exceeded")})
				return
			case <-mem:
				// Heap growth is process wide; growth during the run is
				// attributed to this isolate.
				if grown := heapInUse() - base; grown > policy.MemoryLimitBytes {
					vm.Interrupt(interrupted{err: fn.NewLimitError(fn.LimitMemory, "memory limit exceeded")})
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// installConsole wires console.log and friends to the run's log capture.
func installConsole(vm *goja.Runtime, logs *[]string) {
	console := vm.NewObject()
	appendLog := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		*logs = append(*logs, strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, appendLog)
	}
	_ = vm.Set("console", console)
}

// installFetch exposes a synchronous fetch to user code. Every request
// passes the network gate and the URL guard before leaving the process.
func (i *JSIsolate) installFetch(vm *goja.Runtime, policy Policy) {
	_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		raw := call.Argument(0).String()
		if err := checkFetchTarget(raw, policy); err != nil {
			panic(vm.NewGoError(err))
		}

		method := http.MethodGet
		var body io.Reader
		headers := map[string]string{}
		if opts, ok := call.Argument(1).Export().(map[string]any); ok {
			if m, ok := opts["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}
			if b, ok := opts["body"].(string); ok {
				body = strings.NewReader(b)
			}
			if hs, ok := opts["headers"].(map[string]any); ok {
				for k, v := range hs {
					headers[k] = fmt.Sprint(v)
				}
			}
		}

		req, err := http.NewRequest(method, raw, body)
		if err != nil {
			panic(vm.NewGoError(fn.NewValidationError(fmt.Sprintf("fetch: %v", err))))
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := i.client.Do(req)
		if err != nil {
			panic(vm.NewGoError(fn.NewTransportError(fmt.Sprintf("fetch %s", raw), err)))
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, jsMaxFetchBody))
		if err != nil {
			panic(vm.NewGoError(fn.NewTransportError(fmt.Sprintf("fetch %s: read body", raw), err)))
		}

		text := string(data)
		obj := vm.NewObject()
		_ = obj.Set("status", resp.StatusCode)
		_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
		_ = obj.Set("body", text)
		_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
			return vm.ToValue(text)
		})
		_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				panic(vm.NewGoError(fn.NewValidationError(fmt.Sprintf("fetch: response is not JSON: %v", err))))
			}
			return vm.ToValue(v)
		})
		return obj
	})
}

// checkFetchTarget applies the network policy and the URL guard to an
// outbound request target.
func checkFetchTarget(raw string, policy Policy) error {
	if !policy.NetworkEnabled {
		return fn.NewAuthError("network access is disabled")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fn.NewValidationError(fmt.Sprintf("fetch: invalid URL %q", raw))
	}
	if !policy.HostAllowed(u.Hostname()) {
		return fn.NewAuthError(fmt.Sprintf("host %q is not on the network allowlist", u.Hostname()))
	}
	return safeurl.Validate(raw)
}

// exportJS converts a VM value to a plain Go value for the result.
func exportJS(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// mapJSError converts an engine error into the structured error model.
// The second return value carries partial output when the thrown object
// declared one alongside retryable=true.
func mapJSError(err error) (*fn.Error, any) {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if r, ok := ie.Value().(interrupted); ok {
			var fe *fn.Error
			if errors.As(r.err, &fe) {
				return fe, nil
			}
			if r.err != nil {
				return fn.AsError(r.err), nil
			}
		}
		return fn.NewSandboxError(fmt.Sprintf("interrupted: %v", ie.Value())), nil
	}

	var re *rejectedError
	if errors.As(err, &re) {
		return mapThrown(re.value)
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return mapThrown(ex.Value())
	}

	var fe *fn.Error
	if errors.As(err, &fe) {
		return fe, nil
	}
	return fn.NewSandboxError(err.Error()), nil
}

// mapThrown converts a thrown JS value. Error objects contribute name,
// message, and stack; anything else is stringified. Objects annotated
// with partialResult and retryable=true surface the partial output.
func mapThrown(v goja.Value) (*fn.Error, any) {
	if v == nil {
		return fn.NewSandboxError("unknown error"), nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &fn.Error{Name: "Error", Message: v.String()}, nil
	}

	e := &fn.Error{Name: "Error", Message: v.String()}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		e.Name = fn.ErrorName(name.String())
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		e.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.Stack = stack.String()
	}
	if code := obj.Get("code"); code != nil && !goja.IsUndefined(code) {
		e.Code = code.String()
	}

	var partial any
	if r := obj.Get("retryable"); r != nil && r.ToBoolean() {
		e.Retryable = true
		if p := obj.Get("partialResult"); p != nil && !goja.IsUndefined(p) {
			partial = safeExport(p)
		}
	}
	return e, partial
}

// safeExport exports a JS value, recovering from anything pathological a
// user-thrown object might do during export.
func safeExport(v goja.Value) (out any) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return v.Export()
}

func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}
