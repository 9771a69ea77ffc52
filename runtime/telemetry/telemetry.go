// Package telemetry carries the logging and metrics facades used across the
// invocation plane. Implementations typically delegate to Clue and the OTEL
// meter, but the interfaces are intentionally small so tests can provide
// lightweight stubs. Distributed tracing is not here: the plane owns its
// trace model in runtime/trace.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the runtime. Callers
// pass alternating key/value pairs after the message.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation. Tags are alternating key/value strings.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}
