package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var retrievalModes = []string{"vector", "keyword"}

func (m *Manager) initKnowledgeMetrics() {
	m.retrievalMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retrieval_mode",
			Help:      "1 for the knowledge retrieval mode in use",
		},
		[]string{"mode"},
	)
	m.embeddingReprocess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_reprocessed_total",
		Help:      "Knowledge entries embedded by the health monitor after an outage",
	})
	m.providerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_up",
			Help:      "1 when the named provider answered its last check",
		},
		[]string{"provider"},
	)

	m.registry.MustRegister(m.retrievalMode, m.embeddingReprocess, m.providerUp)
}

// SetRetrievalMode marks mode as the active retrieval strategy.
func (m *Manager) SetRetrievalMode(mode string) {
	if !m.enabled {
		return
	}
	for _, known := range retrievalModes {
		v := 0.0
		if known == mode {
			v = 1
		}
		m.retrievalMode.WithLabelValues(known).Set(v)
	}
}

// RecordReprocessed adds n entries embedded after recovery.
func (m *Manager) RecordReprocessed(n int) {
	if !m.enabled || n <= 0 {
		return
	}
	m.embeddingReprocess.Add(float64(n))
}

// SetProviderUp records the availability of a provider.
func (m *Manager) SetProviderUp(provider string, up bool) {
	if !m.enabled {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.providerUp.WithLabelValues(provider).Set(v)
}
