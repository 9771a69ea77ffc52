package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards every message. Use in tests or when logging is
	// not wanted.
	NoopLogger struct{}

	// NoopMetrics discards every sample.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards everything.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}
