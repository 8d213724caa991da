package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/api/response"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler serves the liveness, readiness and status endpoints.
type HealthHandler struct {
	version string
	started time.Time
	timeout time.Duration
	checks  map[string]Check
	info    func(ctx context.Context) map[string]any
}

// NewHealthHandler creates a HealthHandler. Readiness fails when any of
// checks fails; info, when set, adds details to /status.
func NewHealthHandler(version string, checks map[string]Check, info func(ctx context.Context) map[string]any) *HealthHandler {
	return &HealthHandler{
		version: version,
		started: time.Now(),
		timeout: 2 * time.Second,
		checks:  checks,
		info:    info,
	}
}

// Health handles GET /health. The process answering is enough.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	results, ok := h.run(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{"ready": ok, "checks": results})
}

// Status handles GET /status.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	results, ok := h.run(r.Context())
	body := map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"ready":          ok,
		"checks":         results,
	}
	if h.info != nil {
		for k, v := range h.info(r.Context()) {
			body[k] = v
		}
	}
	response.JSON(w, http.StatusOK, body)
}

// run executes the checks concurrently, each bounded by the timeout.
func (h *HealthHandler) run(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
		ok      = true
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = err.Error()
				ok = false
				return
			}
			results[name] = "ok"
		}()
	}
	wg.Wait()
	return results, ok
}
