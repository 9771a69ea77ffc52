// Package trace implements the distributed tracer of the invocation plane:
// W3C-compatible identifiers and context propagation, span lifecycle with
// sampled-only recording, pluggable sampling (parent-based, custom,
// probabilistic, rate-limiting), and buffered export in OpenTelemetry
// shape. One Tracer instance owns one pending-span buffer; spans fan into
// it on End and drain to the exporter on Flush, never blocking End on
// export.
package trace

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

type (
	// TraceContext is the propagated identity of a span: enough to parent
	// remote children and carry the sampling decision across processes.
	TraceContext struct {
		TraceID      string `json:"traceId"`
		SpanID       string `json:"spanId"`
		ParentSpanID string `json:"parentSpanId,omitempty"`
		Sampled      bool   `json:"sampled"`
		TraceState   string `json:"traceState,omitempty"`
	}

	// Exporter receives drained traces. Implementations live in the export
	// subpackage; failures are swallowed by the tracer.
	Exporter interface {
		Export(ctx context.Context, t *Exported) error
	}

	// Exported is one drained trace in exportable shape.
	Exported struct {
		ServiceName string         `json:"serviceName"`
		Spans       []ExportedSpan `json:"spans"`
		Resource    map[string]any `json:"resource"`
	}

	// ExportedSpan is the serialized form of one ended span. Times are Unix
	// nanoseconds; the end time is omitted while unended and links are
	// omitted when empty.
	ExportedSpan struct {
		TraceID           string         `json:"traceId"`
		SpanID            string         `json:"spanId"`
		ParentSpanID      string         `json:"parentSpanId,omitempty"`
		Name              string         `json:"name"`
		Kind              SpanKind       `json:"kind"`
		StartTimeUnixNano int64          `json:"startTimeUnixNano"`
		EndTimeUnixNano   int64          `json:"endTimeUnixNano,omitempty"`
		Attributes        map[string]any `json:"attributes"`
		Status            SpanStatus     `json:"status"`
		Links             []Link         `json:"links,omitempty"`
	}

	// Options configures a Tracer.
	Options struct {
		// ServiceName names the service in exported resources. Required.
		ServiceName string
		// SampleRate is the probabilistic rate for root spans when no
		// Sampler is set: 0 never samples, 1 always does. Nil defaults
		// to 1.
		SampleRate *float64
		// Sampler overrides the probabilistic decision for root spans.
		Sampler Sampler
		// Exporter receives flushed traces. Optional: without one, Flush
		// still clears the buffer.
		Exporter Exporter
		// ResourceAttributes are merged into the exported resource.
		ResourceAttributes map[string]any
	}

	// Tracer creates spans, owns the pending-span buffer, and drains it to
	// the exporter. Safe for concurrent use.
	Tracer struct {
		serviceName string
		sampleRate  float64
		sampler     Sampler
		exporter    Exporter
		resource    map[string]any

		mu       sync.Mutex
		pending  []*Span
		shutdown bool
	}

	// SpanOption customizes StartSpan.
	SpanOption func(*spanOptions)

	spanOptions struct {
		parent        *Span
		parentContext *TraceContext
		kind          SpanKind
		attributes    map[string]any
		links         []Link
		startTime     time.Time
	}
)

// New constructs a Tracer.
func New(opts Options) (*Tracer, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("trace: service name is required")
	}
	rate := 1.0
	if opts.SampleRate != nil {
		rate = *opts.SampleRate
		if rate < 0 || rate > 1 {
			return nil, fmt.Errorf("trace: sample rate %v out of [0,1]", rate)
		}
	}
	res := make(map[string]any, len(opts.ResourceAttributes))
	for k, v := range opts.ResourceAttributes {
		res[k] = v
	}
	return &Tracer{
		serviceName: opts.ServiceName,
		sampleRate:  rate,
		sampler:     opts.Sampler,
		exporter:    opts.Exporter,
		resource:    res,
	}, nil
}

// WithParent parents the new span under an in-process span, inheriting its
// trace id and sampling decision.
func WithParent(parent *Span) SpanOption {
	return func(o *spanOptions) { o.parent = parent }
}

// WithParentContext parents the new span under a propagated context,
// inheriting trace id, sampling decision, and trace state.
func WithParentContext(tc TraceContext) SpanOption {
	return func(o *spanOptions) { o.parentContext = &tc }
}

// WithKind sets the span kind. The default is internal.
func WithKind(kind SpanKind) SpanOption {
	return func(o *spanOptions) { o.kind = kind }
}

// WithAttributes stamps initial attributes on the span.
func WithAttributes(attrs map[string]any) SpanOption {
	return func(o *spanOptions) { o.attributes = attrs }
}

// WithLinks attaches links to related spans.
func WithLinks(links ...Link) SpanOption {
	return func(o *spanOptions) { o.links = links }
}

// WithStartTime overrides the span start time.
func WithStartTime(at time.Time) SpanOption {
	return func(o *spanOptions) { o.startTime = at }
}

// StartSpan creates a span. Identity resolution: an explicit parent span
// wins, then a parent context, else a fresh trace id with no parent. The
// sampling decision is inherited from the parent when one is known;
// otherwise the custom sampler decides, and without one the probabilistic
// rate does.
func (t *Tracer) StartSpan(name string, opts ...SpanOption) *Span {
	var o spanOptions
	for _, apply := range opts {
		apply(&o)
	}

	s := &Span{
		spanID:     NewSpanID(),
		name:       name,
		kind:       KindInternal,
		startTime:  time.Now(),
		status:     SpanStatus{Code: StatusUnset},
		attributes: make(map[string]any),
		onEnd:      t.enqueue,
	}
	if o.kind != "" {
		s.kind = o.kind
	}
	if !o.startTime.IsZero() {
		s.startTime = o.startTime
	}
	if len(o.links) > 0 {
		s.links = append(s.links, o.links...)
	}

	var decisionAttrs map[string]any
	switch {
	case o.parent != nil:
		s.traceID = o.parent.traceID
		s.parentSpanID = o.parent.spanID
		s.traceState = o.parent.traceState
		s.sampled = o.parent.sampled
	case o.parentContext != nil:
		s.traceID = o.parentContext.TraceID
		s.parentSpanID = o.parentContext.SpanID
		s.traceState = o.parentContext.TraceState
		s.sampled = o.parentContext.Sampled
	default:
		s.traceID = NewTraceID()
		if t.sampler != nil {
			d := t.sampler.Sample(SampleParams{Context: s.Context(), Name: name})
			s.sampled = d.Sample
			decisionAttrs = d.Attributes
		} else {
			s.sampled = t.probabilistic()
		}
	}

	if s.sampled {
		for k, v := range decisionAttrs {
			s.attributes[k] = v
		}
		for k, v := range o.attributes {
			s.attributes[k] = v
		}
	}
	return s
}

// Flush drains every pending span into one exported trace and hands it to
// the exporter. The buffer is cleared even when no exporter is configured,
// and exporter failures are swallowed: tracing never takes the service
// down.
func (t *Tracer) Flush(ctx context.Context) {
	t.mu.Lock()
	spans := t.pending
	t.pending = nil
	t.mu.Unlock()

	if t.exporter == nil || len(spans) == 0 {
		return
	}
	exported := &Exported{
		ServiceName: t.serviceName,
		Spans:       make([]ExportedSpan, 0, len(spans)),
		Resource:    t.exportResource(),
	}
	for _, s := range spans {
		exported.Spans = append(exported.Spans, exportSpan(s))
	}
	_ = t.exporter.Export(ctx, exported)
}

// Shutdown flushes what is pending and disables further collection.
// Already-created spans keep working, but their end events are no longer
// enqueued.
func (t *Tracer) Shutdown(ctx context.Context) {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
	t.Flush(ctx)
}

// PendingCount reports the number of ended spans awaiting export.
func (t *Tracer) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracer) enqueue(s *Span) {
	if !s.sampled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		return
	}
	t.pending = append(t.pending, s)
}

func (t *Tracer) probabilistic() bool {
	switch t.sampleRate {
	case 0:
		return false
	case 1:
		return true
	default:
		return rand.Float64() < t.sampleRate
	}
}

// exportResource builds the exported resource map: configured attributes
// merged over the base, with service.name always pinned to the service
// name.
func (t *Tracer) exportResource() map[string]any {
	res := make(map[string]any, len(t.resource)+1)
	for k, v := range t.resource {
		res[k] = v
	}
	res["service.name"] = t.serviceName
	return res
}

// ExportSpan serializes one span into the exported shape. Unended spans
// omit the end time.
func ExportSpan(s *Span) ExportedSpan { return exportSpan(s) }

func exportSpan(s *Span) ExportedSpan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ExportedSpan{
		TraceID:           s.traceID,
		SpanID:            s.spanID,
		ParentSpanID:      s.parentSpanID,
		Name:              s.name,
		Kind:              s.kind,
		StartTimeUnixNano: s.startTime.UnixNano(),
		Attributes:        make(map[string]any, len(s.attributes)),
		Status:            s.status,
	}
	if s.ended {
		out.EndTimeUnixNano = s.endTime.UnixNano()
	}
	for k, v := range s.attributes {
		out.Attributes[k] = v
	}
	if len(s.links) > 0 {
		out.Links = make([]Link, len(s.links))
		copy(out.Links, s.links)
	}
	return out
}
