package trace_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/invoqio/invoq/runtime/trace"
)

func TestNewTraceID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := trace.NewTraceID()
		require.Len(t, id, 32)
		require.True(t, trace.ValidTraceID(id), "id %q must be valid", id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate trace id %q", id)
		seen[id] = struct{}{}
	}
}

func TestNewSpanID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := trace.NewSpanID()
		require.Len(t, id, 16)
		require.True(t, trace.ValidSpanID(id), "id %q must be valid", id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate span id %q", id)
		seen[id] = struct{}{}
	}
}

func TestValidTraceID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "4bf92f3577b34da6a3ce929d0e0e4736", true},
		{"all zero", "00000000000000000000000000000000", false},
		{"too short", "4bf92f3577b34da6", false},
		{"too long", "4bf92f3577b34da6a3ce929d0e0e473600", false},
		{"uppercase", "4BF92F3577B34DA6A3CE929D0E0E4736", false},
		{"non hex", "4bf92f3577b34da6a3ce929d0e0e473g", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, trace.ValidTraceID(tc.id))
		})
	}
}

func TestValidSpanID(t *testing.T) {
	require.True(t, trace.ValidSpanID("00f067aa0ba902b7"))
	require.False(t, trace.ValidSpanID("0000000000000000"))
	require.False(t, trace.ValidSpanID("00f067aa0ba902"))
	require.False(t, trace.ValidSpanID("00F067AA0BA902B7"))
}
