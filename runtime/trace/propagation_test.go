package trace_test

import (
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/trace"
)

func TestParseTraceparent(t *testing.T) {
	tc, err := trace.ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.NoError(t, err)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", tc.TraceID)
	require.Equal(t, "00f067aa0ba902b7", tc.SpanID)
	require.True(t, tc.Sampled)

	tc, err = trace.ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")
	require.NoError(t, err)
	require.False(t, tc.Sampled)
}

func TestParseTraceparentRejects(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"version ff", "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		{"future version", "01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		{"uppercase trace id", "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01"},
		{"uppercase span id", "00-4bf92f3577b34da6a3ce929d0e0e4736-00F067AA0BA902B7-01"},
		{"zero trace id", "00-00000000000000000000000000000000-00f067aa0ba902b7-01"},
		{"zero span id", "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01"},
		{"three fields", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7"},
		{"five fields", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01-extra"},
		{"short trace id", "00-4bf92f3577b34da6-00f067aa0ba902b7-01"},
		{"short flags", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-1"},
		{"non hex flags", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := trace.ParseTraceparent(tc.value)
			require.Error(t, err)
		})
	}
}

func TestFormatTraceparent(t *testing.T) {
	tc := trace.TraceContext{
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:  "00f067aa0ba902b7",
		Sampled: true,
	}
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", trace.FormatTraceparent(tc))
	tc.Sampled = false
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00", trace.FormatTraceparent(tc))
}

func TestInjectExtract(t *testing.T) {
	tc := trace.TraceContext{
		TraceID:    "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:     "00f067aa0ba902b7",
		Sampled:    true,
		TraceState: "congo=t61rcWkgMzE,rojo=00f067aa0ba902b7",
	}

	h := make(http.Header)
	trace.Inject(tc, h)
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", h.Get("traceparent"))
	require.Equal(t, tc.TraceState, h.Get("tracestate"), "trace state passes through verbatim")

	got, ok, err := trace.Extract(h)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tc.TraceID, got.TraceID)
	require.Equal(t, tc.SpanID, got.SpanID)
	require.True(t, got.Sampled)
	require.Equal(t, tc.TraceState, got.TraceState)
}

func TestExtractMissingAndMalformed(t *testing.T) {
	_, ok, err := trace.Extract(make(http.Header))
	require.NoError(t, err)
	require.False(t, ok)

	h := make(http.Header)
	h.Set("traceparent", "ff-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	_, ok, err = trace.Extract(h)
	require.Error(t, err)
	require.False(t, ok)
}

func genHexID(bytes int) gopter.Gen {
	return gen.SliceOfN(bytes, gen.UInt8()).SuchThat(func(b []byte) bool {
		for _, v := range b {
			if v != 0 {
				return true
			}
		}
		return false
	}).Map(hex.EncodeToString)
}

func TestTraceparentRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("format then parse is the identity", prop.ForAll(
		func(traceID, spanID string, sampled bool) bool {
			in := trace.TraceContext{TraceID: traceID, SpanID: spanID, Sampled: sampled}
			out, err := trace.ParseTraceparent(trace.FormatTraceparent(in))
			return err == nil && out.TraceID == in.TraceID && out.SpanID == in.SpanID && out.Sampled == in.Sampled
		},
		genHexID(16),
		genHexID(8),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
