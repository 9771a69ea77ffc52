package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientIP extracts the client address for per-IP categorization. Proxy
// headers are consulted in trust order: CF-Connecting-IP, the first entry
// of X-Forwarded-For, then X-Real-IP. Requests with none of them are keyed
// under the literal "unknown".
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if idx := strings.Index(fwd, ","); idx >= 0 {
			first = fwd[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}

// WriteRejection emits the 429 response for a rejected aggregate: the
// Retry-After and X-RateLimit headers derived from the blocking category's
// window, and the JSON body clients key off.
func WriteRejection(w http.ResponseWriter, agg Aggregate, now time.Time) {
	res := agg.Results[agg.BlockingCategory]
	retryAfter := int64(0)
	if ms := res.ResetAt - now.UnixMilli(); ms > 0 {
		retryAfter = (ms + 999) / 1000
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	body := map[string]any{
		"error":      "Too Many Requests",
		"message":    fmt.Sprintf("rate limit exceeded for %s, retry in %ds", agg.BlockingCategory, retryAfter),
		"retryAfter": retryAfter,
		"resetAt":    res.ResetAt,
	}
	_ = json.NewEncoder(w).Encode(body)
}
