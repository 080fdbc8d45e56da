package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseTracker remembers the status written for a request. A WebSocket
// upgrade hijacks the connection instead, which is recorded as 101.
type responseTracker struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (t *responseTracker) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

// Hijack lets the voice endpoint take over the connection.
func (t *responseTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := t.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		t.upgraded = true
		t.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (t *responseTracker) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// unmatchedRoute labels requests no route pattern matched, so scans of
// unknown paths cannot grow the metric's label set.
const unmatchedRoute = "unmatched"

// Middleware instruments voxgate's HTTP surface: the health probes, the
// sessions listing, the metrics scrape and the voice WebSocket endpoint.
//
// Each request continues any W3C trace context it carries, runs inside a
// server span, returns its trace id in X-Correlation-ID and is timed in
// [Metrics.HTTPRequestDuration] under the [http.ServeMux] pattern that served
// it. A voice session's request lasts as long as the session, so its
// duration is the session length and its status 101.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			traceID := CorrelationID(ctx)
			if traceID != "" {
				w.Header().Set("X-Correlation-ID", traceID)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rt := &responseTracker{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rt, r)

			// The mux records the matched pattern on r.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			} else {
				span.SetName("HTTP " + route)
				span.SetAttributes(semconv.HTTPRoute(route))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(rt.status))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rt.status),
				),
			)

			level := slog.LevelDebug
			if rt.upgraded || rt.status >= http.StatusInternalServerError {
				level = slog.LevelInfo
			}
			slog.LogAttrs(ctx, level, "http request",
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", rt.status),
				slog.Bool("upgraded", rt.upgraded),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
