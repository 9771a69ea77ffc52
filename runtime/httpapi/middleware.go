package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/invoqio/invoq/runtime/ratelimit"
	"github.com/invoqio/invoq/runtime/telemetry"
	"github.com/invoqio/invoq/runtime/trace"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

type spanKey struct{}

// SpanFromContext returns the server span the trace middleware opened
// for this request, or nil outside one.
func SpanFromContext(ctx context.Context) *trace.Span {
	s, _ := ctx.Value(spanKey{}).(*trace.Span)
	return s
}

// RateLimit enforces the per-IP and per-function windows before the
// handler runs. Rejections get the 429 shape; limiter backend failures
// fail open so a degraded store never takes invocations down.
func RateLimit(limiter *ratelimit.Limiter, logger telemetry.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keys := map[string]string{ratelimit.CategoryIP: ratelimit.ClientIP(r)}
			if route := ParseFunctionPath(r); route.FunctionID != "" {
				keys[ratelimit.CategoryFunction] = route.FunctionID
			}
			agg, err := limiter.CheckAndIncrementAll(r.Context(), keys)
			if err != nil {
				logger.Warn(r.Context(), "rate limit check failed open", "error", err.Error())
				next.ServeHTTP(w, r)
				return
			}
			if !agg.Allowed {
				ratelimit.WriteRejection(w, agg, time.Now())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Trace opens a server span per request, parented on the incoming W3C
// headers when they parse. The span context is injected into the
// response headers and the span is available to handlers through
// SpanFromContext. A malformed traceparent starts a fresh trace; it is
// never a client error.
func Trace(tracer *trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			opts := []trace.SpanOption{
				trace.WithKind(trace.KindServer),
				trace.WithAttributes(map[string]any{
					"http.method": r.Method,
					"http.path":   r.URL.Path,
				}),
			}
			if tc, ok, err := trace.Extract(r.Header); err == nil && ok {
				opts = append(opts, trace.WithParentContext(tc))
			}
			span := tracer.StartSpan(fmt.Sprintf("%s %s", r.Method, r.URL.Path), opts...)
			defer span.End()

			trace.Inject(span.Context(), w.Header())
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), spanKey{}, span)
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttribute("http.status_code", sw.status)
			if sw.status >= 500 {
				span.SetStatus(trace.StatusError, http.StatusText(sw.status))
			} else {
				span.SetStatus(trace.StatusOK, "")
			}
		})
	}
}

// statusWriter remembers the status code for span annotation.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Chain applies middlewares outermost first.
func Chain(h http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
