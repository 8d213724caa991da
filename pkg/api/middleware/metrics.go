package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// MetricsRecorder receives HTTP metrics. *metrics.Manager implements it.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path, status string, d time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records one observation per request, labelled by route
// pattern to keep cardinality bounded. A panic is recorded as a 500 and
// re-raised for Recovery.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			sw := wrap(w)
			defer func() {
				if rec := recover(); rec != nil {
					recorder.RecordHTTPRequest(r.Context(), r.Method, metricsPath(r), "500", time.Since(start))
					panic(rec)
				}
			}()
			next.ServeHTTP(sw, r)
			recorder.RecordHTTPRequest(r.Context(), r.Method, metricsPath(r), strconv.Itoa(sw.status), time.Since(start))
		})
	}
}

func metricsPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath replaces UUID and numeric segments with ":id".
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.Atoi(part); err == nil && part != "" {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
