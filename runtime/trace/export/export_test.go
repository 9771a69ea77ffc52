package export_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/trace"
	"github.com/invoqio/invoq/runtime/trace/export"
)

func makeTrace(n int) *trace.Exported {
	t := &trace.Exported{
		ServiceName: "invoq",
		Resource:    map[string]any{"service.name": "invoq"},
	}
	for i := 0; i < n; i++ {
		t.Spans = append(t.Spans, trace.ExportedSpan{
			TraceID:           trace.NewTraceID(),
			SpanID:            trace.NewSpanID(),
			Name:              fmt.Sprintf("span-%d", i),
			Kind:              trace.KindInternal,
			StartTimeUnixNano: time.Now().UnixNano(),
		})
	}
	return t
}

func TestBatcherSplits(t *testing.T) {
	var batches [][]trace.ExportedSpan
	b := export.NewBatcher(100, func(_ context.Context, batch *trace.Exported) error {
		batches = append(batches, batch.Spans)
		return nil
	})

	require.NoError(t, b.Export(context.Background(), makeTrace(250)))
	require.Len(t, batches, 3)
	require.Len(t, batches[0], 100)
	require.Len(t, batches[1], 100)
	require.Len(t, batches[2], 50)
}

func TestBatcherContinuesPastFailures(t *testing.T) {
	var sent int
	call := 0
	b := export.NewBatcher(100, func(_ context.Context, batch *trace.Exported) error {
		call++
		if call == 2 {
			return errors.New("collector hiccup")
		}
		sent += len(batch.Spans)
		return nil
	})

	err := b.Export(context.Background(), makeTrace(250))
	require.Error(t, err)
	require.Contains(t, err.Error(), "collector hiccup")
	require.Equal(t, 150, sent, "batches after the failing one still go out")
}

func TestBatcherDefaultSize(t *testing.T) {
	var batches int
	b := export.NewBatcher(0, func(context.Context, *trace.Exported) error {
		batches++
		return nil
	})
	require.NoError(t, b.Export(context.Background(), makeTrace(150)))
	require.Equal(t, 2, batches, "size 0 falls back to the 100-span default")
}

func TestBatcherEmptyTrace(t *testing.T) {
	b := export.NewBatcher(10, func(context.Context, *trace.Exported) error {
		t.Fatal("send must not be called for an empty trace")
		return nil
	})
	require.NoError(t, b.Export(context.Background(), makeTrace(0)))
}

func TestHTTPExporter(t *testing.T) {
	var (
		gotAuth  string
		gotCT    string
		gotBody  trace.Exported
		requests int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exp, err := export.NewHTTP(export.HTTPOptions{
		Endpoint: srv.URL,
		Headers:  map[string]string{"Authorization": "Bearer tok"},
	})
	require.NoError(t, err)

	require.NoError(t, exp.Export(context.Background(), makeTrace(3)))
	require.Equal(t, 1, requests)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "application/json", gotCT)
	require.Equal(t, "invoq", gotBody.ServiceName)
	require.Len(t, gotBody.Spans, 3)
}

func TestHTTPExporterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	exp, err := export.NewHTTP(export.HTTPOptions{Endpoint: srv.URL})
	require.NoError(t, err)
	err = exp.Export(context.Background(), makeTrace(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestHTTPExporterRequiresEndpoint(t *testing.T) {
	_, err := export.NewHTTP(export.HTTPOptions{})
	require.Error(t, err)
}

func TestConsoleExporter(t *testing.T) {
	var buf strings.Builder
	exp := export.NewConsole(&buf)

	tr := makeTrace(2)
	start := time.Unix(1700000000, 0)
	tr.Spans[0].StartTimeUnixNano = start.UnixNano()
	tr.Spans[0].EndTimeUnixNano = start.Add(1500 * time.Millisecond).UnixNano()
	tr.Spans[1].EndTimeUnixNano = 0 // unended

	require.NoError(t, exp.Export(context.Background(), tr))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "span-0")
	require.Contains(t, lines[0], "duration=1500ms")
	require.Contains(t, lines[0], "trace="+tr.Spans[0].TraceID)
	require.Contains(t, lines[1], "duration=0ms", "unended spans report zero duration")
}

func TestNoopExporter(t *testing.T) {
	require.NoError(t, export.NewNoop().Export(context.Background(), makeTrace(5)))
}
