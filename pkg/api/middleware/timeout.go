package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Timeout bounds the request context. Handlers observe the deadline
// through their context and map context.DeadlineExceeded to a 504.
// Websocket upgrades are long lived and are left unbounded.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeout <= 0 || strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
