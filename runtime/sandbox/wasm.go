package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/invoqio/invoq/runtime/fn"
)

// wasmPageSize is the WebAssembly linear memory page size.
const wasmPageSize = 64 * 1024

type (
	// WASMIsolate runs WebAssembly command modules under WASI. The guest
	// reads its input as JSON on stdin and writes either a bare value or
	// an {"output": ...} / {"error": {...}} envelope to stdout. A shared
	// compilation cache keeps recompilation across invocations cheap.
	WASMIsolate struct {
		cache wazero.CompilationCache
	}

	wasmArtifact struct {
		binary []byte
	}

	// wasmEnvelope is the optional structured guest response.
	wasmEnvelope struct {
		Output any        `json:"output"`
		Error  *guestFail `json:"error"`
	}

	guestFail struct {
		Name      string `json:"name"`
		Message   string `json:"message"`
		Stack     string `json:"stack"`
		Retryable bool   `json:"retryable"`
	}

	// seededReader feeds WASI's random source deterministically.
	seededReader struct {
		r *rand.Rand
	}
)

func (s *seededReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(s.r.UintN(256))
	}
	return len(p), nil
}

// NewWASMIsolate constructs a WASMIsolate.
func NewWASMIsolate() *WASMIsolate {
	return &WASMIsolate{cache: wazero.NewCompilationCache()}
}

// Type implements Isolate.
func (i *WASMIsolate) Type() Type { return TypeWASM }

// Compile validates the module and warms the shared compilation cache.
func (i *WASMIsolate) Compile(ctx context.Context, unit Unit) (Artifact, error) {
	if len(unit.Binary) == 0 {
		return nil, fn.NewValidationError("wasm source must be a binary module")
	}
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(i.cache))
	defer rt.Close(ctx) //nolint:errcheck
	if _, err := rt.CompileModule(ctx, unit.Binary); err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("compile wasm: %v", err))
	}
	return &wasmArtifact{binary: unit.Binary}, nil
}

// Run instantiates the module and lets its entrypoint run to completion.
// Exit code zero and a plain return both count as success.
func (i *WASMIsolate) Run(ctx context.Context, artifact Artifact, input any, policy Policy) (*Result, error) {
	art, ok := artifact.(*wasmArtifact)
	if !ok {
		return nil, fmt.Errorf("sandbox: artifact is %T, not a wasm module", artifact)
	}

	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(i.cache).
		WithCloseOnContextDone(true)
	if policy.MemoryLimitBytes > 0 {
		pages := (policy.MemoryLimitBytes + wasmPageSize - 1) / wasmPageSize
		if pages < 1 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(uint32(pages))
	}

	runCtx := ctx
	if policy.CPUTimeLimitMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(policy.CPUTimeLimitMs)*time.Millisecond)
		defer cancel()
	}

	rt := wazero.NewRuntimeWithConfig(runCtx, cfg)
	defer rt.Close(context.WithoutCancel(ctx)) //nolint:errcheck
	wasi_snapshot_preview1.MustInstantiate(runCtx, rt)

	compiled, err := rt.CompileModule(runCtx, art.binary)
	if err != nil {
		return nil, mapWASMError(err, ctx)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("encode input: %v", err))
	}

	var stdout, stderr bytes.Buffer
	mcfg := wazero.NewModuleConfig().
		WithName("function").
		WithArgs("function").
		WithStdin(bytes.NewReader(inputJSON)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	if policy.Deterministic {
		mcfg = mcfg.WithRandSource(&seededReader{r: rand.New(rand.NewPCG(uint64(policy.Seed), uint64(policy.Seed)))})
		fixedSec := policy.FixedClockMs / 1000
		fixedNsec := int32((policy.FixedClockMs % 1000) * int64(time.Millisecond))
		mcfg = mcfg.WithWalltime(func() (int64, int32) { return fixedSec, fixedNsec }, sys.ClockResolution(time.Millisecond))
		mcfg = mcfg.WithNanotime(func() int64 { return policy.FixedClockMs * int64(time.Millisecond) }, sys.ClockResolution(time.Millisecond))
	}

	res := &Result{}
	started := time.Now()
	mod, err := rt.InstantiateModule(runCtx, compiled, mcfg)
	res.CPUTimeMs = time.Since(started).Milliseconds()
	if mod != nil {
		if mem := mod.Memory(); mem != nil {
			res.MemoryUsedBytes = int64(mem.Size())
		}
		defer mod.Close(context.WithoutCancel(ctx)) //nolint:errcheck
	}
	res.Logs = splitLogLines(stderr.String())

	if err != nil {
		// Context expiry closes the module mid-flight, so classify by
		// which deadline fired before looking at the module error.
		if ctx.Err() != nil {
			return res, fn.AsError(ctx.Err())
		}
		if runCtx.Err() != nil {
			return res, fn.NewLimitError(fn.LimitCPU, "cpu time limit exceeded")
		}
		var exit *sys.ExitError
		if !errors.As(err, &exit) {
			return res, mapWASMError(err, ctx)
		}
		if exit.ExitCode() != 0 {
			if env := parseWASMEnvelope(stdout.Bytes()); env != nil && env.Error != nil {
				return res, guestError(env.Error)
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("module exited with code %d", exit.ExitCode())
			}
			return res, fn.NewSandboxError(msg)
		}
		// proc_exit(0) is a clean exit, fall through to the output.
	}

	if env := parseWASMEnvelope(stdout.Bytes()); env != nil {
		if env.Error != nil {
			res.Output = env.Output
			return res, guestError(env.Error)
		}
		res.Output = env.Output
		return res, nil
	}
	if out := strings.TrimSpace(stdout.String()); out != "" {
		res.Output = out
	}
	return res, nil
}

// parseWASMEnvelope decodes the guest's stdout when it is the structured
// envelope. Anything else returns nil and is treated as raw output.
func parseWASMEnvelope(data []byte) *wasmEnvelope {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var env wasmEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil
	}
	return &env
}

func guestError(g *guestFail) *fn.Error {
	name := g.Name
	if name == "" {
		name = "Error"
	}
	// An interpreter-level MemoryError is the worker tripping its rlimit.
	if name == "MemoryError" {
		msg := g.Message
		if msg == "" {
			msg = "memory limit exceeded"
		}
		return fn.NewLimitError(fn.LimitMemory, msg)
	}
	return &fn.Error{
		Name:      fn.ErrorName(name),
		Message:   g.Message,
		Stack:     g.Stack,
		Retryable: g.Retryable,
	}
}

// mapWASMError classifies runtime-level failures. Memory capacity
// violations surface as limit errors so callers see the same shape on
// every isolate.
func mapWASMError(err error, ctx context.Context) *fn.Error {
	if ctx.Err() != nil {
		return fn.AsError(ctx.Err())
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "memory") && (strings.Contains(lower, "limit") || strings.Contains(lower, "max") || strings.Contains(lower, "page")) {
		return fn.NewLimitError(fn.LimitMemory, "memory limit exceeded: "+msg)
	}
	return fn.NewSandboxError(msg)
}

func splitLogLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
