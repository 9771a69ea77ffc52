package trace

import (
	"crypto/rand"
	"encoding/hex"
)

// Identifier lengths in hex characters, per W3C Trace Context.
const (
	traceIDHexLen = 32
	spanIDHexLen  = 16
)

// NewTraceID returns a cryptographically random 32-character lowercase hex
// trace id. The all-zero id is invalid and never returned.
func NewTraceID() string { return randomHex(traceIDHexLen / 2) }

// NewSpanID returns a cryptographically random 16-character lowercase hex
// span id. The all-zero id is invalid and never returned.
func NewSpanID() string { return randomHex(spanIDHexLen / 2) }

func randomHex(n int) string {
	buf := make([]byte, n)
	for {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms; if it ever
			// does there is no safe fallback for trace identity.
			panic("trace: crypto/rand unavailable: " + err.Error())
		}
		if !allZero(buf) {
			return hex.EncodeToString(buf)
		}
	}
}

// ValidTraceID reports whether s is a well-formed, non-zero trace id.
func ValidTraceID(s string) bool { return validHexID(s, traceIDHexLen) }

// ValidSpanID reports whether s is a well-formed, non-zero span id.
func ValidSpanID(s string) bool { return validHexID(s, spanIDHexLen) }

func validHexID(s string, length int) bool {
	if len(s) != length {
		return false
	}
	zero := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
		if c != '0' {
			zero = false
		}
	}
	return !zero
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
