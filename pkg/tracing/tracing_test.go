package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yyd/aurora/config"
)

type fakeExporter struct {
	fail      bool
	block     bool
	exports   atomic.Int32
	shutdowns atomic.Int32
}

func (f *fakeExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	f.exports.Add(1)
	if f.fail {
		return errors.New("collector unavailable")
	}
	return nil
}

func (f *fakeExporter) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func enabled(endpoint string) config.TracingConfig {
	return config.TracingConfig{Enabled: true, Endpoint: endpoint, Sampler: "always_on"}
}

func TestInit_DisabledInstallsNoop(t *testing.T) {
	exp := &fakeExporter{}
	shutdown, err := Init(context.Background(), config.TracingConfig{}, "aurora", "test", WithExporter(exp))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "turn")
	span.End()
	if span.SpanContext().IsValid() {
		t.Error("disabled tracing should produce invalid span contexts")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if exp.shutdowns.Load() != 0 {
		t.Error("exporter touched while tracing is disabled")
	}
}

func TestInit_RequiresEndpoint(t *testing.T) {
	_, err := Init(context.Background(), enabled("  "), "aurora", "test")
	if err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("Init() error = %v, want endpoint error", err)
	}
}

func TestInit_ExportFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	exp := &fakeExporter{fail: true}
	shutdown, err := Init(context.Background(), enabled("http://localhost:4317/v1/traces"), "aurora", "test",
		WithExporter(exp),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "turn")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if exp.exports.Load() == 0 || exp.shutdowns.Load() != 1 {
		t.Errorf("exports=%d shutdowns=%d", exp.exports.Load(), exp.shutdowns.Load())
	}
	out := logs.String()
	if !strings.Contains(out, "span export failed") || !strings.Contains(out, "endpoint=localhost:4317") {
		t.Errorf("unexpected log output %q", out)
	}
}

func TestShutdown_HonoursContext(t *testing.T) {
	shutdown, err := Init(context.Background(), enabled("localhost:4317"), "aurora", "test",
		WithExporter(&fakeExporter{block: true}))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err == nil {
		t.Fatal("shutdown() should report the timeout")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("shutdown was not bounded by its context")
	}
}

func TestSampler(t *testing.T) {
	for name, want := range map[string]string{
		"always_on":  "AlwaysOnSampler",
		"ALWAYS_OFF": "AlwaysOffSampler",
		"ratio":      "ParentBased",
		"":           "ParentBased",
	} {
		got := sampler(config.TracingConfig{Sampler: name, SampleRate: 0.25}).Description()
		if !strings.Contains(got, want) {
			t.Errorf("sampler(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestHostPort(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:4317":                  "localhost:4317",
		"http://localhost:4317/v1/traces": "localhost:4317",
		"https://otel.example.com:443/x":  "otel.example.com:443",
		"  ":                              "",
	} {
		if got := hostPort(in); got != want {
			t.Errorf("hostPort(%q) = %q, want %q", in, got, want)
		}
	}
}
