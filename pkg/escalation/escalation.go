// Package escalation decides when a turn needs the generative fallback
// or a human agent.
package escalation

import (
	"errors"
	"strings"
	"sync"

	"github.com/yyd/aurora/pkg/affect"
)

// Reason explains a handoff.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNegativeEmotion Reason = "negative_emotion"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonExplicitRequest Reason = "explicit_request"
)

// ErrInvalidThresholds is returned by SetThresholds for out-of-range values.
var ErrInvalidThresholds = errors.New("escalation: negative threshold must be in [-1,1] and confidence threshold in [0,1]")

// Thresholds are the escalation business constants.
type Thresholds struct {
	// Negative is the warmth below which a human takes over.
	Negative float64 `json:"negative"`
	// Confidence is the selection confidence below which the generative
	// fallback is consulted.
	Confidence float64 `json:"confidence"`
}

// DefaultThresholds returns -0.6 / 0.85.
func DefaultThresholds() Thresholds {
	return Thresholds{Negative: -0.6, Confidence: 0.85}
}

func (t Thresholds) valid() bool {
	return t.Negative >= -1 && t.Negative <= 1 && t.Confidence >= 0 && t.Confidence <= 1
}

// Decision is the outcome of Decide. Fallback and handoff are independent.
type Decision struct {
	RequiresFallback bool   `json:"requires_fallback"`
	RequiresHandoff  bool   `json:"requires_handoff"`
	Reason           Reason `json:"reason,omitempty"`
}

// DefaultPhrases are explicit requests for a human in English, Portuguese
// and Spanish. They are matched as lowercase substrings.
var DefaultPhrases = []string{
	"talk to a human", "speak to a human", "speak to human", "talk to human", "talk to person",
	"talk to a person", "real person", "human agent", "live agent", "speak with someone",
	"talk to someone", "human help", "customer service", "representative", "live support",

	"falar com humano", "falar com um humano", "falar com pessoa", "falar com uma pessoa",
	"pessoa real", "atendente humano", "agente humano", "falar com alguém", "falar com atendente",
	"atendimento humano", "ajuda humana", "representante", "suporte humano", "atendente real",

	"hablar con humano", "hablar con un humano", "hablar con persona", "hablar con una persona",
	"persona real", "agente en vivo", "hablar con alguien", "hablar con asesor",
	"ayuda humana", "atención al cliente", "servicio al cliente", "soporte humano",
}

// Gate applies the escalation rules. Thresholds can be swapped at runtime.
type Gate struct {
	mu         sync.RWMutex
	thresholds Thresholds
	phrases    []string
}

// NewGate creates a gate. Nil phrases use DefaultPhrases.
func NewGate(t Thresholds, phrases []string) (*Gate, error) {
	if !t.valid() {
		return nil, ErrInvalidThresholds
	}
	if phrases == nil {
		phrases = DefaultPhrases
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &Gate{thresholds: t, phrases: lowered}, nil
}

// Thresholds returns the active thresholds.
func (g *Gate) Thresholds() Thresholds {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.thresholds
}

// SetThresholds replaces the thresholds.
func (g *Gate) SetThresholds(t Thresholds) error {
	if !t.valid() {
		return ErrInvalidThresholds
	}
	g.mu.Lock()
	g.thresholds = t
	g.mu.Unlock()
	return nil
}

// Decide evaluates, in order: negative emotion, low confidence, explicit
// request. The first match names the reason. Fallback is required
// whenever confidence is low, whatever the reason.
func (g *Gate) Decide(text string, state affect.Vector, bestScore, bestConfidence float64) Decision {
	t := g.Thresholds()
	d := Decision{RequiresFallback: bestConfidence < t.Confidence}

	switch {
	case state.Warmth() < t.Negative:
		d.RequiresHandoff, d.Reason = true, ReasonNegativeEmotion
	case bestConfidence < t.Confidence:
		d.RequiresHandoff, d.Reason = true, ReasonLowConfidence
	case g.ExplicitRequest(text):
		d.RequiresHandoff, d.Reason = true, ReasonExplicitRequest
	}
	return d
}

// ExplicitRequest reports whether text asks for a human.
func (g *Gate) ExplicitRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range g.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
