package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initSagaMetrics(cfg Config) {
	m.sagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_executions_total",
			Help:      "Saga executions by saga name and terminal state",
		},
		[]string{"saga", "state"},
	)
	m.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Saga execution duration in seconds",
			Buckets:   cfg.SagaDurationBuckets,
		},
		[]string{"saga", "state"},
	)
	m.sagaStepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_step_retries_total",
			Help:      "Step retries by saga and step",
		},
		[]string{"saga", "step"},
	)
	m.sagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Compensation phases by saga and status",
		},
		[]string{"saga", "status"},
	)

	m.registry.MustRegister(m.sagaExecutions, m.sagaDuration, m.sagaStepRetries, m.sagaCompensations)
}

// RecordSagaExecution records a saga reaching a terminal state.
func (m *Manager) RecordSagaExecution(name, state string, duration time.Duration) {
	if !m.enabled {
		return
	}
	m.sagaExecutions.WithLabelValues(name, state).Inc()
	m.sagaDuration.WithLabelValues(name, state).Observe(duration.Seconds())
}

// RecordStepRetry records one retry of a saga step.
func (m *Manager) RecordStepRetry(name, step string) {
	if !m.enabled {
		return
	}
	m.sagaStepRetries.WithLabelValues(name, step).Inc()
}

// RecordCompensation records one compensation phase outcome.
func (m *Manager) RecordCompensation(name, status string) {
	if !m.enabled {
		return
	}
	m.sagaCompensations.WithLabelValues(name, status).Inc()
}
