package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initLearningMetrics() {
	m.learningUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_updates_total",
			Help:      "Learning loop passes by result (accepted, rejected, unchanged)",
		},
		[]string{"status"},
	)
	m.privacyBudget = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "privacy_budget_remaining",
		Help:      "Epsilon left for noisy aggregate releases",
	})

	m.registry.MustRegister(m.learningUpdates, m.privacyBudget)
}

// RecordLearningUpdate records one learning pass.
func (m *Manager) RecordLearningUpdate(status string) {
	if !m.enabled {
		return
	}
	m.learningUpdates.WithLabelValues(status).Inc()
}

// SetPrivacyBudgetRemaining publishes the remaining privacy budget.
func (m *Manager) SetPrivacyBudgetRemaining(epsilon float64) {
	if !m.enabled {
		return
	}
	m.privacyBudget.Set(epsilon)
}
