package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "aurora.http"

// TracingOptions configures Tracing.
type TracingOptions struct {
	// SkipPaths get no span.
	SkipPaths map[string]struct{}
}

// DefaultTracingOptions skips the probe endpoints.
func DefaultTracingOptions() TracingOptions {
	return TracingOptions{SkipPaths: map[string]struct{}{
		"/health": {},
		"/ready":  {},
	}}
}

// Tracing starts a server span per request, continuing any trace
// propagated by the caller.
func Tracing(opts TracingOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := opts.SkipPaths[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(httpTracerName).Start(ctx, "HTTP "+r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)

			sw := wrap(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			route := metricsPath(r)
			span.SetName("HTTP " + r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", sw.status),
			)
			if sw.status >= http.StatusBadRequest {
				span.SetStatus(otelcodes.Error, http.StatusText(sw.status))
			} else {
				span.SetStatus(otelcodes.Ok, "")
			}
		})
	}
}
