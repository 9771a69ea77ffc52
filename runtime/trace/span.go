package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/invoqio/invoq/runtime/fn"
)

type (
	// SpanKind classifies a span's role in the trace.
	SpanKind string

	// StatusCode is the coarse span outcome.
	StatusCode string

	// SpanStatus pairs a status code with an optional message.
	SpanStatus struct {
		Code    StatusCode `json:"code"`
		Message string     `json:"message,omitempty"`
	}

	// ExceptionRecord is one exception recorded on a span.
	ExceptionRecord struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		Stacktrace string `json:"stacktrace,omitempty"`
	}

	// Link references another span related to this one.
	Link struct {
		TraceID    string         `json:"traceId"`
		SpanID     string         `json:"spanId"`
		Attributes map[string]any `json:"attributes,omitempty"`
	}

	// Span is one timed operation. Identity (trace id, span id, parent) is
	// immutable; the body is mutable until End. Recording rules: an
	// unsampled span silently drops every attribute, status change, and
	// exception, and so does an ended span. End is idempotent and only the
	// first call sets the end time and enqueues the span for export. Safe
	// for concurrent use.
	Span struct {
		mu sync.Mutex

		traceID      string
		spanID       string
		parentSpanID string
		traceState   string
		sampled      bool

		name       string
		kind       SpanKind
		startTime  time.Time
		endTime    time.Time
		status     SpanStatus
		attributes map[string]any
		exceptions []ExceptionRecord
		links      []Link

		ended bool
		onEnd func(*Span)
	}
)

const (
	KindInternal SpanKind = "internal"
	KindServer   SpanKind = "server"
	KindClient   SpanKind = "client"
	KindProducer SpanKind = "producer"
	KindConsumer SpanKind = "consumer"
)

const (
	StatusUnset StatusCode = "unset"
	StatusOK    StatusCode = "ok"
	StatusError StatusCode = "error"
)

// TraceID returns the span's trace id.
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns the span's id.
func (s *Span) SpanID() string { return s.spanID }

// ParentSpanID returns the parent span id, empty for root spans.
func (s *Span) ParentSpanID() string { return s.parentSpanID }

// Name returns the span name.
func (s *Span) Name() string { return s.name }

// Kind returns the span kind.
func (s *Span) Kind() SpanKind { return s.kind }

// StartTime returns when the span started.
func (s *Span) StartTime() time.Time { return s.startTime }

// EndTime returns when the span ended, or the zero time while unended.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// IsSampled reports the span's sampling decision.
func (s *Span) IsSampled() bool { return s.sampled }

// IsRecording reports whether mutations are currently accepted: the span
// is sampled and not yet ended.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampled && !s.ended
}

// Context returns the span's trace context for propagation. The trace
// state inherited from the parent context, if any, is carried through.
func (s *Span) Context() TraceContext {
	return TraceContext{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: s.parentSpanID,
		Sampled:      s.sampled,
		TraceState:   s.traceState,
	}
}

// SetAttribute records one attribute. Dropped unless recording.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recordingLocked() {
		return
	}
	s.attributes[key] = value
}

// SetAttributes records every attribute in attrs. Dropped unless recording.
func (s *Span) SetAttributes(attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recordingLocked() {
		return
	}
	for k, v := range attrs {
		s.attributes[k] = v
	}
}

// SetStatus records the span status. Dropped unless recording.
func (s *Span) SetStatus(code StatusCode, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recordingLocked() {
		return
	}
	s.status = SpanStatus{Code: code, Message: message}
}

// Status returns the current span status.
func (s *Span) Status() SpanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RecordException appends an exception record derived from err and mirrors
// its fields into the exception.type, exception.message and
// exception.stacktrace attributes. extra, when given, is merged into the
// span attributes. Dropped unless recording.
func (s *Span) RecordException(err error, extra map[string]any) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recordingLocked() {
		return
	}
	rec := exceptionFrom(err)
	s.exceptions = append(s.exceptions, rec)
	s.attributes["exception.type"] = rec.Type
	s.attributes["exception.message"] = rec.Message
	if rec.Stacktrace != "" {
		s.attributes["exception.stacktrace"] = rec.Stacktrace
	}
	for k, v := range extra {
		s.attributes[k] = v
	}
}

// Attributes returns a copy of the recorded attributes.
func (s *Span) Attributes() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// Exceptions returns a defensive copy of the recorded exceptions.
func (s *Span) Exceptions() []ExceptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExceptionRecord, len(s.exceptions))
	copy(out, s.exceptions)
	return out
}

// Links returns a defensive copy of the span links.
func (s *Span) Links() []Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Link, len(s.links))
	copy(out, s.links)
	return out
}

// Duration returns endTime − startTime once ended, and now − startTime
// while the span is still running.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.endTime.Sub(s.startTime)
	}
	return time.Since(s.startTime)
}

// End completes the span at the current time.
func (s *Span) End() { s.EndAt(time.Now()) }

// EndAt completes the span at the given time. Only the first call takes
// effect: it sets the end time, stops recording, and hands the span to the
// tracer's on-end hook. Later calls are no-ops.
func (s *Span) EndAt(at time.Time) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.endTime = at
	hook := s.onEnd
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (s *Span) recordingLocked() bool { return s.sampled && !s.ended }

// exceptionFrom maps an error to an exception record. Structured errors
// contribute their name, message, and sandboxed stack; plain errors fall
// back to the Go type.
func exceptionFrom(err error) ExceptionRecord {
	var fe *fn.Error
	if errors.As(err, &fe) {
		return ExceptionRecord{
			Type:       string(fe.Name),
			Message:    fe.Message,
			Stacktrace: fe.Stack,
		}
	}
	return ExceptionRecord{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}
