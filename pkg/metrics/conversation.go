package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initConversationMetrics(cfg Config) {
	m.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome and reply source",
		},
		[]string{"outcome", "source"},
	)
	m.turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from message receipt to reply delivery",
			Buckets:   cfg.TurnDurationBuckets,
		},
		[]string{"outcome"},
	)
	m.handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Sessions handed to a human agent, by reason",
		},
		[]string{"reason"},
	)
	m.deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Turns moved to the dead-letter queue",
	})
	m.duplicateRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_messages_total",
		Help:      "Inbound messages ignored as redeliveries",
	})

	m.registry.MustRegister(m.turns, m.turnDuration, m.handoffs, m.deadLetters, m.duplicateRuns)
}

// RecordTurn records one handled inbound message. Duplicates are counted
// separately and have no duration.
func (m *Manager) RecordTurn(outcome, source string, duration time.Duration) {
	if !m.enabled {
		return
	}
	if outcome == "duplicate" {
		m.duplicateRuns.Inc()
		return
	}
	m.turns.WithLabelValues(outcome, source).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHandoff records a handoff to a human agent.
func (m *Manager) RecordHandoff(reason string) {
	if !m.enabled {
		return
	}
	m.handoffs.WithLabelValues(reason).Inc()
}

// RecordDeadLetter records a turn moved to the dead-letter queue.
func (m *Manager) RecordDeadLetter() {
	if !m.enabled {
		return
	}
	m.deadLetters.Inc()
}
