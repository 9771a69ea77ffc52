package fn

import (
	"errors"
	"fmt"
)

type (
	// ErrorName identifies one of the structured error kinds surfaced to
	// callers. Names are stable and appear verbatim in serialized results.
	ErrorName string

	// LimitKind narrows a LimitError to the resource that was exhausted.
	LimitKind string

	// Error is the structured failure value carried in results and across
	// package boundaries. Name drives programmatic handling, Message is
	// human-readable, Code and Stack are optional carriers for backend
	// error codes and sandboxed stack traces, and Retryable tells callers
	// whether retrying the same invocation can reasonably succeed.
	Error struct {
		Name      ErrorName `json:"name"`
		Message   string    `json:"message"`
		Code      string    `json:"code,omitempty"`
		Stack     string    `json:"stack,omitempty"`
		Retryable bool      `json:"retryable,omitempty"`
		// Limit is set only when Name is ErrLimit.
		Limit LimitKind `json:"limit,omitempty"`
		cause error
	}
)

const (
	ErrValidation ErrorName = "ValidationError"
	ErrNotFound   ErrorName = "NotFoundError"
	ErrAuth       ErrorName = "AuthError"
	ErrLimit      ErrorName = "LimitError"
	ErrTimeout    ErrorName = "TimeoutError"
	ErrCancelled  ErrorName = "CancelledError"
	ErrTransport  ErrorName = "TransportError"
	ErrSandbox    ErrorName = "SandboxError"
)

const (
	LimitMemory      LimitKind = "memory"
	LimitCPU         LimitKind = "cpu"
	LimitTokenBudget LimitKind = "token_budget"
	LimitRateLimit   LimitKind = "rate_limit"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCode returns a copy of the error annotated with a backend error code.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// WithStack returns a copy of the error carrying a sandboxed stack trace.
func (e *Error) WithStack(stack string) *Error {
	c := *e
	c.Stack = stack
	return &c
}

// NewValidationError builds a ValidationError. Never retryable.
func NewValidationError(msg string) *Error {
	return &Error{Name: ErrValidation, Message: msg}
}

// NewNotFoundError builds a NotFoundError for a missing key, tool, or entry.
func NewNotFoundError(msg string) *Error {
	return &Error{Name: ErrNotFound, Message: msg}
}

// NewAuthError builds an AuthError. Only external collaborators decide auth;
// the core never constructs one on its own behalf.
func NewAuthError(msg string) *Error {
	return &Error{Name: ErrAuth, Message: msg}
}

// NewLimitError builds a LimitError for the given exhausted resource.
func NewLimitError(kind LimitKind, msg string) *Error {
	return &Error{Name: ErrLimit, Message: msg, Limit: kind}
}

// NewTimeoutError builds a retryable TimeoutError.
func NewTimeoutError(msg string) *Error {
	return &Error{Name: ErrTimeout, Message: msg, Retryable: true}
}

// NewCancelledError builds a CancelledError for an external abort.
func NewCancelledError(msg string) *Error {
	return &Error{Name: ErrCancelled, Message: msg}
}

// NewTransportError builds a retryable TransportError wrapping cause.
func NewTransportError(msg string, cause error) *Error {
	return &Error{Name: ErrTransport, Message: msg, Retryable: true, cause: cause}
}

// NewSandboxError builds a SandboxError for a failure raised inside user
// code. The inner stack, when available, is attached with WithStack.
func NewSandboxError(msg string) *Error {
	return &Error{Name: ErrSandbox, Message: msg}
}

// AsError extracts a structured *Error from err, converting plain errors
// into a TransportError so results always carry the structured shape.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return NewTransportError(err.Error(), err)
}

// IsName reports whether err is (or wraps) a structured error with the
// given name.
func IsName(err error, name ErrorName) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Name == name
}
