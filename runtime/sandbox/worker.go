package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// WorkerOptions configures a WorkerIsolate.
	WorkerOptions struct {
		// Command launches the worker process. The worker reads one JSON
		// request {code, input, policy} on stdin and writes one JSON
		// response {output | error, logs, memoryUsedBytes, cpuTimeMs} on
		// stdout. Required.
		Command []string
		// WaitDelay bounds how long to wait for the process after its
		// context is cancelled. Defaults to 2 seconds.
		WaitDelay time.Duration
	}

	// WorkerIsolate runs interpreted languages in a subprocess speaking
	// the JSON worker protocol. The Python worker ships with the
	// runtime; other platforms plug in their own command.
	WorkerIsolate struct {
		command   []string
		waitDelay time.Duration
	}

	workerArtifact struct {
		code string
	}

	workerRequest struct {
		Code   string       `json:"code"`
		Input  any          `json:"input"`
		Policy workerPolicy `json:"policy"`
	}

	workerPolicy struct {
		Deterministic    bool     `json:"deterministic"`
		Seed             int64    `json:"seed"`
		FixedClockMs     int64    `json:"fixedClockMs"`
		MemoryLimitBytes int64    `json:"memoryLimitBytes"`
		CPUTimeLimitMs   int64    `json:"cpuTimeLimitMs"`
		NetworkEnabled   bool     `json:"networkEnabled"`
		NetworkAllowlist []string `json:"networkAllowlist"`
	}

	workerResponse struct {
		Output          any        `json:"output"`
		Error           *guestFail `json:"error"`
		Logs            []string   `json:"logs"`
		MemoryUsedBytes int64      `json:"memoryUsedBytes"`
		CPUTimeMs       int64      `json:"cpuTimeMs"`
	}
)

// NewWorkerIsolate constructs a WorkerIsolate for an arbitrary worker
// command.
func NewWorkerIsolate(opts WorkerOptions) (*WorkerIsolate, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("sandbox: worker command is required")
	}
	delay := opts.WaitDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	return &WorkerIsolate{command: opts.Command, waitDelay: delay}, nil
}

// NewPythonIsolate constructs the worker for Python functions using the
// bundled bootstrap under an isolated interpreter.
func NewPythonIsolate() *WorkerIsolate {
	w, err := NewWorkerIsolate(WorkerOptions{Command: []string{"python3", "-I", "-c", pythonBootstrap}})
	if err != nil {
		// The bundled command is never empty.
		panic(err)
	}
	return w
}

// Type implements Isolate.
func (w *WorkerIsolate) Type() Type { return TypeWorker }

// Compile is a passthrough: worker languages ship source to the process.
func (w *WorkerIsolate) Compile(_ context.Context, unit Unit) (Artifact, error) {
	if unit.Code == "" {
		return nil, fn.NewValidationError("worker source must be code text")
	}
	return &workerArtifact{code: unit.Code}, nil
}

// Run launches the worker process for one invocation.
func (w *WorkerIsolate) Run(ctx context.Context, artifact Artifact, input any, policy Policy) (*Result, error) {
	art, ok := artifact.(*workerArtifact)
	if !ok {
		return nil, fmt.Errorf("sandbox: artifact is %T, not worker code", artifact)
	}

	payload, err := json.Marshal(workerRequest{
		Code:  art.code,
		Input: input,
		Policy: workerPolicy{
			Deterministic:    policy.Deterministic,
			Seed:             policy.Seed,
			FixedClockMs:     policy.FixedClockMs,
			MemoryLimitBytes: policy.MemoryLimitBytes,
			CPUTimeLimitMs:   policy.CPUTimeLimitMs,
			NetworkEnabled:   policy.NetworkEnabled,
			NetworkAllowlist: policy.NetworkAllowlist,
		},
	})
	if err != nil {
		return nil, fn.NewValidationError(fmt.Sprintf("encode input: %v", err))
	}

	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = w.waitDelay

	started := time.Now()
	runErr := cmd.Run()
	wall := time.Since(started).Milliseconds()

	if ctx.Err() != nil {
		return &Result{CPUTimeMs: wall}, fn.AsError(ctx.Err())
	}
	if runErr != nil {
		return &Result{CPUTimeMs: wall}, mapWorkerExit(runErr, stderr.String())
	}

	var resp workerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return &Result{CPUTimeMs: wall}, fn.NewSandboxError(fmt.Sprintf("worker wrote invalid response: %v", err))
	}

	res := &Result{
		Output:          resp.Output,
		Logs:            resp.Logs,
		MemoryUsedBytes: resp.MemoryUsedBytes,
		CPUTimeMs:       resp.CPUTimeMs,
	}
	if res.CPUTimeMs == 0 {
		res.CPUTimeMs = wall
	}
	if resp.Error != nil {
		return res, guestError(resp.Error)
	}
	return res, nil
}

// mapWorkerExit classifies a non-zero worker exit. A CPU rlimit kill
// surfaces as SIGXCPU, which the exec error spells out as "CPU time limit
// exceeded".
func mapWorkerExit(err error, stderr string) *fn.Error {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "cpu time limit exceeded") {
		return fn.NewLimitError(fn.LimitCPU, "cpu time limit exceeded")
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if tail := strings.TrimSpace(stderr); tail != "" {
			return fn.NewSandboxError(tail)
		}
		return fn.NewSandboxError(msg)
	}
	return fn.NewSandboxError(fmt.Sprintf("start worker: %v", msg))
}
