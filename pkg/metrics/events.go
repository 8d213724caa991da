package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initEventMetrics() {
	m.eventPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publishes_total",
			Help:      "Conversation events published by status",
		},
		[]string{"status"},
	)
	m.eventRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_publish_retries_total",
		Help:      "Event publish retries",
	})
	m.eventDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_publisher_degraded",
		Help:      "1 while the event publisher buffers locally",
	})
	m.eventOutages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_transport_outages_total",
		Help:      "Times the event transport became unavailable",
	})
	m.eventRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_transport_recoveries_total",
		Help:      "Times the event transport came back",
	})

	m.registry.MustRegister(m.eventPublishes, m.eventRetries, m.eventDegraded, m.eventOutages, m.eventRecovered)
}

// RecordPublish records one publish attempt result.
func (m *Manager) RecordPublish(status string) {
	if !m.enabled {
		return
	}
	m.eventPublishes.WithLabelValues(status).Inc()
}

// RecordRetry records one publish retry.
func (m *Manager) RecordRetry() {
	if !m.enabled {
		return
	}
	m.eventRetries.Inc()
}

// SetDegradedMode flags local buffering of events.
func (m *Manager) SetDegradedMode(active bool) {
	if !m.enabled {
		return
	}
	if active {
		m.eventDegraded.Set(1)
		return
	}
	m.eventDegraded.Set(0)
}

// RecordOutage records the event transport going down.
func (m *Manager) RecordOutage() {
	if !m.enabled {
		return
	}
	m.eventOutages.Inc()
}

// RecordRecovery records the event transport coming back.
func (m *Manager) RecordRecovery() {
	if !m.enabled {
		return
	}
	m.eventRecovered.Inc()
}
