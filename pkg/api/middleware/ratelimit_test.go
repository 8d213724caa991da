package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yyd/aurora/config"
)

func TestRateLimit(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2}, time.Minute)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	h := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("10.0.0.1:5000"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := call("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("over burst status = %d, want 429", code)
	}
	if code := call("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", code)
	}

	l.now = func() time.Time { return base.Add(time.Second) }
	if code := call("10.0.0.1:5000"); code != http.StatusOK {
		t.Errorf("after refill status = %d, want 200", code)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 5}, time.Minute)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.Allow("a")
	l.now = func() time.Time { return base.Add(50 * time.Second) }
	l.Allow("b")

	l.now = func() time.Time { return base.Add(90 * time.Second) }
	if n := l.Sweep(); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	if l.burst != 5 {
		t.Errorf("default burst = %d, want 5", l.burst)
	}
}

func TestRateLimiter_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 1}, time.Millisecond)
	l.Allow("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) != 0 {
		t.Errorf("clients = %d, want 0", len(l.clients))
	}
}
