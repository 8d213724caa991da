package affect

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// negationWindow is how many preceding tokens can negate an emotion word.
	negationWindow = 2

	lexiconConfidence  = 0.8
	baselineConfidence = 0.3
)

// Observation is the affective reading of a single message.
type Observation struct {
	// Vector is the normalized reading.
	Vector Vector
	// Raw holds the bounded components before normalization.
	Raw Vector
	// Confidence is 0 for empty text, 0.3 for the punctuation baseline and
	// up to 0.8 for lexicon matches.
	Confidence float64
	// Matched lists the lexicon words found.
	Matched []string
}

// Estimator scores text against a Lexicon. It is stateless and safe for
// concurrent use.
type Estimator struct {
	lexicon *Lexicon
}

// NewEstimator returns an Estimator; a nil lexicon uses DefaultLexicon.
func NewEstimator(lex *Lexicon) *Estimator {
	if lex == nil {
		lex = DefaultLexicon()
	}
	return &Estimator{lexicon: lex}
}

// Estimate reads the affective state expressed by text. It never fails:
// empty or malformed text yields Equilibrium with confidence 0.
func (e *Estimator) Estimate(text, locale string) Observation {
	if !utf8.ValidString(text) || strings.TrimSpace(text) == "" {
		eq := Equilibrium()
		return Observation{Vector: eq, Raw: eq}
	}

	tokens := Tokenize(text)
	var sum Emotion
	var matched []string
	for i, tok := range tokens {
		emo, ok := e.lexicon.Lookup(tok, locale)
		if !ok {
			continue
		}
		if i > 0 {
			if m, ok := e.lexicon.Intensifier(tokens[i-1]); ok {
				emo = Emotion{emo.Valence * m, emo.Arousal * m, emo.Dominance * m}
			}
		}
		for j := max(0, i-negationWindow); j < i; j++ {
			if e.lexicon.IsNegation(tokens[j]) {
				emo.Valence = -emo.Valence
				break
			}
		}
		sum.Valence += emo.Valence
		sum.Arousal += emo.Arousal
		sum.Dominance += emo.Dominance
		matched = append(matched, tok)
	}

	if len(matched) == 0 {
		return baseline(text)
	}

	n := float64(len(matched))
	raw := Vector{sum.Arousal / n, sum.Valence / n, sum.Dominance / n}.Clamp()
	coverage := n / float64(len(tokens))
	return Observation{
		Vector:     normalizeOrEquilibrium(raw),
		Raw:        raw,
		Confidence: lexiconConfidence * math.Min(coverage*10, 1),
		Matched:    matched,
	}
}

// baseline derives a low-confidence reading from punctuation: exclamations
// raise activation, questions lower sincerity.
func baseline(text string) Observation {
	exclamations := strings.Count(text, "!") + strings.Count(text, "¡")
	questions := strings.Count(text, "?") + strings.Count(text, "¿")

	raw := Vector{
		math.Min(0.3+0.15*float64(exclamations), 1),
		0,
		math.Max(0.5-0.1*float64(questions), 0.2),
	}
	return Observation{
		Vector:     normalizeOrEquilibrium(raw),
		Raw:        raw,
		Confidence: baselineConfidence,
	}
}

func normalizeOrEquilibrium(v Vector) Vector {
	if n, ok := v.Normalize(); ok {
		return n
	}
	return Equilibrium()
}
