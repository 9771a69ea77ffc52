// Package sandbox runs user code in isolation. Three isolate families
// cover the supported languages: a JavaScript isolate on an embedded
// engine, a WASM isolate backed by a WebAssembly runtime with WASI, and a
// worker isolate that shells out to a platform interpreter over a JSON
// stdin/stdout protocol.
//
// All isolates honor the same policy surface: deterministic mode pins the
// random and clock sources, memory and CPU budgets fail the run with a
// limit error, outbound network requires both the network toggle and an
// exact host allowlist match, and the allowed-globals list restricts
// which host-provided globals are installed. Language builtins are never
// hidden by the allowlist.
package sandbox

import (
	"context"
	"fmt"

	"github.com/invoqio/invoq/runtime/fn"
)

// Type names an isolate family.
type Type string

const (
	TypeV8     Type = "v8"
	TypeWASM   Type = "wasm"
	TypeWorker Type = "worker-loader"
)

type (
	// Policy is the resolved sandbox policy for one invocation.
	Policy struct {
		// Deterministic pins randomness and time so identical code and
		// input produce identical output.
		Deterministic bool
		// Seed feeds the deterministic random source.
		Seed int64
		// FixedClockMs is the deterministic wall clock in Unix
		// milliseconds.
		FixedClockMs int64
		// MemoryLimitBytes caps isolate memory. Zero means unlimited.
		MemoryLimitBytes int64
		// CPUTimeLimitMs caps isolate compute time. Zero means unlimited.
		CPUTimeLimitMs int64
		// NetworkEnabled gates all outbound requests from user code.
		NetworkEnabled bool
		// NetworkAllowlist is the exact-match set of allowed hosts.
		NetworkAllowlist []string
		// AllowedGlobals, when non-nil, restricts which host globals are
		// installed in the isolate.
		AllowedGlobals []string
	}

	// Unit is one compilable piece of user code: source text for script
	// languages, a binary module for compiled ones.
	Unit struct {
		Code   string
		Binary []byte
	}

	// Artifact is a compiled unit ready to run. Artifacts are produced
	// and consumed by the same isolate family and are safe to cache
	// across invocations.
	Artifact any

	// Result is the outcome of one sandboxed run.
	Result struct {
		Output          any
		Logs            []string
		MemoryUsedBytes int64
		CPUTimeMs       int64
	}

	// Isolate compiles and runs user code.
	Isolate interface {
		// Type names the family for metrics.
		Type() Type
		// Compile prepares a unit for execution. The artifact is
		// policy-independent and cacheable.
		Compile(ctx context.Context, unit Unit) (Artifact, error)
		// Run executes a compiled artifact against input under policy.
		// Deadlines and cancellation arrive through ctx.
		Run(ctx context.Context, artifact Artifact, input any, policy Policy) (*Result, error)
	}
)

// HostAllowed reports whether host passes the policy's network gate:
// networking must be enabled and the host must appear verbatim in the
// allowlist.
func (p Policy) HostAllowed(host string) bool {
	if !p.NetworkEnabled {
		return false
	}
	for _, h := range p.NetworkAllowlist {
		if h == host {
			return true
		}
	}
	return false
}

// GlobalAllowed reports whether a host-provided global may be installed.
// A nil allowlist admits everything.
func (p Policy) GlobalAllowed(name string) bool {
	if p.AllowedGlobals == nil {
		return true
	}
	for _, g := range p.AllowedGlobals {
		if g == name {
			return true
		}
	}
	return false
}

// Fingerprint summarizes the policy fields that influence compiled
// artifacts. It feeds the compile cache key so artifacts never leak
// across incompatible policies.
func (p Policy) Fingerprint() string {
	det := "0"
	if p.Deterministic {
		det = "1"
	}
	return fmt.Sprintf("det=%s,mem=%d,cpu=%d", det, p.MemoryLimitBytes, p.CPUTimeLimitMs)
}

// TypeForLanguage maps a language tag to its default isolate family.
func TypeForLanguage(lang fn.Language) (Type, error) {
	switch lang {
	case fn.LangTypeScript, fn.LangJavaScript:
		return TypeV8, nil
	case fn.LangRust, fn.LangGo, fn.LangAssemblyScript, fn.LangZig:
		return TypeWASM, nil
	case fn.LangPython, fn.LangCSharp:
		return TypeWorker, nil
	default:
		return "", fn.NewValidationError(fmt.Sprintf("unsupported language: %s", lang))
	}
}
