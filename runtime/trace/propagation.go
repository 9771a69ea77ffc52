package trace

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Header names used for context propagation.
const (
	TraceparentHeader = "traceparent"
	TracestateHeader  = "tracestate"
)

// FormatTraceparent renders a context as a W3C traceparent value, always
// version 00.
func FormatTraceparent(tc TraceContext) string {
	flags := "00"
	if tc.Sampled {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", tc.TraceID, tc.SpanID, flags)
}

// ParseTraceparent parses a W3C traceparent value. Only version 00 is
// accepted; W3C reserves version ff, and any future version is rejected
// rather than half-understood. Hex fields must be lowercase and the ids
// must not be all zeroes.
func ParseTraceparent(value string) (TraceContext, error) {
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return TraceContext{}, fmt.Errorf("traceparent: want 4 fields, got %d", len(parts))
	}
	version, traceID, spanID, flags := parts[0], parts[1], parts[2], parts[3]
	if version != "00" {
		return TraceContext{}, fmt.Errorf("traceparent: unsupported version %q", version)
	}
	if len(value) != 55 {
		return TraceContext{}, fmt.Errorf("traceparent: want 55 characters, got %d", len(value))
	}
	if !ValidTraceID(traceID) {
		return TraceContext{}, fmt.Errorf("traceparent: invalid trace id %q", traceID)
	}
	if !ValidSpanID(spanID) {
		return TraceContext{}, fmt.Errorf("traceparent: invalid span id %q", spanID)
	}
	if len(flags) != 2 || !lowerHex(flags) {
		return TraceContext{}, fmt.Errorf("traceparent: invalid flags %q", flags)
	}
	n, err := strconv.ParseUint(flags, 16, 8)
	if err != nil {
		return TraceContext{}, fmt.Errorf("traceparent: invalid flags %q", flags)
	}
	return TraceContext{
		TraceID: traceID,
		SpanID:  spanID,
		Sampled: n&0x01 == 0x01,
	}, nil
}

// Inject writes the span context into HTTP headers. The tracestate, when
// present, is forwarded byte for byte.
func Inject(tc TraceContext, h http.Header) {
	h.Set(TraceparentHeader, FormatTraceparent(tc))
	if tc.TraceState != "" {
		h.Set(TracestateHeader, tc.TraceState)
	}
}

func lowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Extract reads a span context from HTTP headers. A missing traceparent
// yields ok=false; a present but malformed one yields an error so callers
// can distinguish "no context" from "broken context".
func Extract(h http.Header) (TraceContext, bool, error) {
	value := h.Get(TraceparentHeader)
	if value == "" {
		return TraceContext{}, false, nil
	}
	tc, err := ParseTraceparent(value)
	if err != nil {
		return TraceContext{}, false, err
	}
	tc.TraceState = h.Get(TracestateHeader)
	return tc, true, nil
}
