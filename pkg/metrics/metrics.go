// Package metrics exposes Aurora's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aurora"

// Manager owns the registry and every Aurora collector. A disabled
// Manager accepts all calls and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	handoffs      *prometheus.CounterVec
	deadLetters   prometheus.Counter
	duplicateRuns prometheus.Counter

	sagaExecutions    *prometheus.CounterVec
	sagaDuration      *prometheus.HistogramVec
	sagaStepRetries   *prometheus.CounterVec
	sagaCompensations *prometheus.CounterVec

	retrievalMode      *prometheus.GaugeVec
	embeddingReprocess prometheus.Counter
	providerUp         *prometheus.GaugeVec

	learningUpdates *prometheus.CounterVec
	privacyBudget   prometheus.Gauge

	eventPublishes *prometheus.CounterVec
	eventRetries   prometheus.Counter
	eventDegraded  prometheus.Gauge
	eventOutages   prometheus.Counter
	eventRecovered prometheus.Counter

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpConnections prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	TurnDurationBuckets []float64
	SagaDurationBuckets []float64
	HTTPDurationBuckets []float64
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Port:                9091,
		Path:                "/metrics",
		TurnDurationBuckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		SagaDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		HTTPDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a manager with its own registry.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}
	def := DefaultConfig()
	if len(cfg.TurnDurationBuckets) == 0 {
		cfg.TurnDurationBuckets = def.TurnDurationBuckets
	}
	if len(cfg.SagaDurationBuckets) == 0 {
		cfg.SagaDurationBuckets = def.SagaDurationBuckets
	}
	if len(cfg.HTTPDurationBuckets) == 0 {
		cfg.HTTPDurationBuckets = def.HTTPDurationBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{registry: registry, enabled: true}
	m.initConversationMetrics(cfg)
	m.initSagaMetrics(cfg)
	m.initKnowledgeMetrics()
	m.initLearningMetrics()
	m.initEventMetrics()
	m.initHTTPMetrics(cfg)
	return m
}

// NoOpManager returns a disabled manager.
func NoOpManager() *Manager {
	return &Manager{enabled: false}
}

// Enabled reports whether metrics are collected.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartServer serves the metrics endpoint until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
