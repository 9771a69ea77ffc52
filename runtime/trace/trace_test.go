package trace_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/trace"
)

// captureExporter records every exported trace and can be told to fail.
type captureExporter struct {
	exports []*trace.Exported
	err     error
}

func (e *captureExporter) Export(_ context.Context, t *trace.Exported) error {
	e.exports = append(e.exports, t)
	return e.err
}

func TestNewValidation(t *testing.T) {
	_, err := trace.New(trace.Options{})
	require.Error(t, err)

	bad := 1.5
	_, err = trace.New(trace.Options{ServiceName: "svc", SampleRate: &bad})
	require.Error(t, err)
}

func TestStartSpanRoot(t *testing.T) {
	tr := newTestTracer(t, trace.Options{})

	span := tr.StartSpan("invoke", trace.WithKind(trace.KindServer))
	require.True(t, trace.ValidTraceID(span.TraceID()))
	require.True(t, trace.ValidSpanID(span.SpanID()))
	require.Empty(t, span.ParentSpanID())
	require.Equal(t, trace.KindServer, span.Kind())
	require.True(t, span.IsSampled(), "default sample rate is 1")
}

func TestStartSpanWithParent(t *testing.T) {
	tr := newTestTracer(t, trace.Options{})

	parent := tr.StartSpan("invoke")
	child := tr.StartSpan("resolve-source", trace.WithParent(parent))

	require.Equal(t, parent.TraceID(), child.TraceID())
	require.Equal(t, parent.SpanID(), child.ParentSpanID())
	require.NotEqual(t, parent.SpanID(), child.SpanID())
	require.Equal(t, parent.IsSampled(), child.IsSampled())
}

func TestStartSpanWithParentContext(t *testing.T) {
	tr := newTestTracer(t, trace.Options{})

	tc := trace.TraceContext{
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:     "00f067aa0ba902b7",
		Sampled:    true,
		TraceState: "vendor=opaque",
	}
	span := tr.StartSpan("invoke", trace.WithParentContext(tc))

	require.Equal(t, tc.TraceID, span.TraceID())
	require.Equal(t, tc.SpanID, span.ParentSpanID())
	require.True(t, span.IsSampled())
	require.Equal(t, "vendor=opaque", span.Context().TraceState)
}

func TestParentDecisionWinsOverSampler(t *testing.T) {
	// A sampler that would reject everything must never see child spans.
	tr := newTestTracer(t, trace.Options{Sampler: trace.NewProbabilistic(0)})

	root := tr.StartSpan("root")
	require.False(t, root.IsSampled())

	sampledCtx := trace.TraceContext{
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:  "00f067aa0ba902b7",
		Sampled: true,
	}
	child := tr.StartSpan("child", trace.WithParentContext(sampledCtx))
	require.True(t, child.IsSampled(), "propagated decision is inherited verbatim")
}

func TestFlushExportsOneTraceAndClears(t *testing.T) {
	exp := &captureExporter{}
	tr := newTestTracer(t, trace.Options{
		Exporter:           exp,
		ResourceAttributes: map[string]any{"deployment.environment": "test", "service.name": "overridden"},
	})

	for i := 0; i < 3; i++ {
		span := tr.StartSpan("invoke")
		span.End()
	}
	require.Equal(t, 3, tr.PendingCount())

	tr.Flush(context.Background())
	require.Len(t, exp.exports, 1, "one flush exports one trace")
	require.Len(t, exp.exports[0].Spans, 3)
	require.Equal(t, "test", exp.exports[0].ServiceName)
	require.Equal(t, "test", exp.exports[0].Resource["service.name"], "service.name cannot be overridden")
	require.Equal(t, "test", exp.exports[0].Resource["deployment.environment"])
	require.Equal(t, 0, tr.PendingCount())

	// Nothing pending: flush is a no-op, not an empty export.
	tr.Flush(context.Background())
	require.Len(t, exp.exports, 1)
}

func TestFlushSwallowsExporterErrors(t *testing.T) {
	exp := &captureExporter{err: errors.New("collector down")}
	tr := newTestTracer(t, trace.Options{Exporter: exp})

	tr.StartSpan("invoke").End()
	tr.Flush(context.Background())

	require.Len(t, exp.exports, 1)
	require.Equal(t, 0, tr.PendingCount(), "buffer clears even when the exporter fails")
}

func TestUnsampledSpansNeverEnqueue(t *testing.T) {
	never := 0.0
	exp := &captureExporter{}
	tr := newTestTracer(t, trace.Options{SampleRate: &never, Exporter: exp})

	tr.StartSpan("invoke").End()
	require.Equal(t, 0, tr.PendingCount())

	tr.Flush(context.Background())
	require.Empty(t, exp.exports)
}

func TestShutdown(t *testing.T) {
	exp := &captureExporter{}
	tr := newTestTracer(t, trace.Options{Exporter: exp})

	tr.StartSpan("before").End()
	tr.Shutdown(context.Background())
	require.Len(t, exp.exports, 1, "shutdown flushes pending spans")

	// Spans ended after shutdown are not collected.
	tr.StartSpan("after").End()
	require.Equal(t, 0, tr.PendingCount())
	tr.Flush(context.Background())
	require.Len(t, exp.exports, 1)
}

func TestExportSpanShape(t *testing.T) {
	tr := newTestTracer(t, trace.Options{})

	start := time.Unix(1700000000, 0)
	link := trace.Link{TraceID: trace.NewTraceID(), SpanID: trace.NewSpanID()}
	span := tr.StartSpan("invoke",
		trace.WithKind(trace.KindClient),
		trace.WithStartTime(start),
		trace.WithAttributes(map[string]any{"function.id": "hello"}),
		trace.WithLinks(link),
	)
	span.SetStatus(trace.StatusError, "boom")
	span.EndAt(start.Add(time.Second))

	out := trace.ExportSpan(span)
	require.Equal(t, span.TraceID(), out.TraceID)
	require.Equal(t, span.SpanID(), out.SpanID)
	require.Equal(t, "invoke", out.Name)
	require.Equal(t, trace.KindClient, out.Kind)
	require.Equal(t, start.UnixNano(), out.StartTimeUnixNano)
	require.Equal(t, start.Add(time.Second).UnixNano(), out.EndTimeUnixNano)
	require.Equal(t, "hello", out.Attributes["function.id"])
	require.Equal(t, trace.StatusError, out.Status.Code)
	require.Equal(t, []trace.Link{link}, out.Links)
}

func TestExportSpanUnendedOmitsEndTime(t *testing.T) {
	tr := newTestTracer(t, trace.Options{})
	span := tr.StartSpan("invoke")
	out := trace.ExportSpan(span)
	require.Zero(t, out.EndTimeUnixNano)
}
