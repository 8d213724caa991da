// Package tracing configures process-wide OpenTelemetry tracing.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/logger"
)

// ShutdownFunc flushes pending spans and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

type options struct {
	exporter sdktrace.SpanExporter
	logger   *slog.Logger
}

// Option customizes Init.
type Option func(*options)

// WithExporter replaces the OTLP gRPC exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithLogger sets where export failures are reported.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Init installs the global propagator and tracer provider. Disabled
// tracing installs a noop provider and creates no exporter.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string, opts ...Option) (ShutdownFunc, error) {
	o := options{logger: logger.Global().Logger}
	for _, opt := range opts {
		opt(&o)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	endpoint := hostPort(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("tracing: endpoint cannot be empty")
	}
	exp := o.exporter
	if exp == nil {
		var err error
		if exp, err = otlptracegrpc.New(ctx, exporterOptions(endpoint, cfg)...); err != nil {
			return nil, fmt.Errorf("tracing: create exporter: %w", err)
		}
	}
	exp = &quietExporter{SpanExporter: exp, endpoint: endpoint, logger: o.logger}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}

func exporterOptions(endpoint string, cfg config.TracingConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

// quietExporter logs export failures and reports success to the batcher,
// so a collector outage never surfaces in a conversation turn.
type quietExporter struct {
	sdktrace.SpanExporter
	endpoint string
	logger   *slog.Logger
}

func (e *quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		e.logger.Warn("span export failed", "endpoint", e.endpoint, "spans", len(spans), "error", err)
	}
	return nil
}

func sampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
}

// hostPort reduces a URL to host:port; plain host:port input passes through.
func hostPort(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		return endpoint
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}
