// Package fn defines the shared vocabulary of the invocation plane: function
// identity and kinds, definitions, invocation configuration, structured
// errors, and execution results. Every other runtime package speaks these
// types; fn itself depends on nothing above the standard library and the UUID
// generator so it can sit at the bottom of the import graph.
package fn

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type (
	// Kind discriminates the two function families the plane can execute.
	Kind string

	// Language tags the source language of a code function.
	Language string

	// Status is the terminal state of one execution.
	Status string
)

const (
	// KindCode marks a plain code function executed in a sandbox.
	KindCode Kind = "code"
	// KindAgentic marks an AI-driven function executed by the agentic loop.
	KindAgentic Kind = "agentic"
)

const (
	LangTypeScript     Language = "typescript"
	LangJavaScript     Language = "javascript"
	LangRust           Language = "rust"
	LangGo             Language = "go"
	LangPython         Language = "python"
	LangCSharp         Language = "csharp"
	LangZig            Language = "zig"
	LangAssemblyScript Language = "assemblyscript"
)

const (
	// StatusCompleted means the function ran to completion.
	StatusCompleted Status = "completed"
	// StatusFailed means the function or one of its collaborators failed.
	StatusFailed Status = "failed"
	// StatusTimeout means the wall-clock limit fired before completion.
	StatusTimeout Status = "timeout"
	// StatusCancelled means an external abort signal stopped the execution.
	StatusCancelled Status = "cancelled"
)

// Latest is the version sentinel resolving to the most recently published
// code of a function.
const Latest = "latest"

// Languages lists every language tag the executor understands.
func Languages() []Language {
	return []Language{
		LangTypeScript, LangJavaScript, LangRust, LangGo,
		LangPython, LangCSharp, LangZig, LangAssemblyScript,
	}
}

// KnownLanguage reports whether tag is one of the supported language tags.
func KnownLanguage(tag Language) bool {
	for _, l := range Languages() {
		if l == tag {
			return true
		}
	}
	return false
}

// ValidateID checks a function identifier: non-empty, limited to
// [A-Za-z0-9_./-], no whitespace or control characters, no path traversal
// segments, and at most one '/' separating an optional namespace.
func ValidateID(id string) error {
	if id == "" {
		return NewValidationError("function id is empty")
	}
	slashes := 0
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '-':
		case r == '/':
			slashes++
		default:
			return NewValidationError(fmt.Sprintf("function id %q contains invalid character %q", id, r))
		}
	}
	if slashes > 1 {
		return NewValidationError(fmt.Sprintf("function id %q has more than one namespace separator", id))
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" {
			return NewValidationError(fmt.Sprintf("function id %q has an empty segment", id))
		}
		if part == "." || part == ".." {
			return NewValidationError(fmt.Sprintf("function id %q contains a path traversal segment", id))
		}
	}
	return nil
}

// NewExecutionID returns a fresh execution identifier. Generated ids carry
// the exec- prefix so they are distinguishable from caller-supplied ones.
func NewExecutionID() string {
	return "exec-" + uuid.NewString()
}
