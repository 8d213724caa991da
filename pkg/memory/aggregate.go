package memory

import (
	"fmt"
	"sort"
	"sync"
)

// Noiser perturbs released statistics, all of them or none. The learning
// loop's privacy budget implements it.
type Noiser interface {
	PerturbAll(values, sensitivities []float64) ([]float64, error)
}

// Aggregate accumulates conversation analytics. Raw counts stay in
// process; only Publish releases them, through a Noiser.
type Aggregate struct {
	mu       sync.Mutex
	turns    int64
	handoffs map[string]int64
	sources  map[string]int64
	tones    map[string]int64
	warmth   float64
	ratings  float64
	rated    int64
}

// NewAggregate creates empty analytics.
func NewAggregate() *Aggregate {
	return &Aggregate{
		handoffs: make(map[string]int64),
		sources:  make(map[string]int64),
		tones:    make(map[string]int64),
	}
}

// RecordTurn counts one completed turn.
func (a *Aggregate) RecordTurn(source, tone string, warmth float64, handoffReason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns++
	a.sources[source]++
	if tone != "" {
		a.tones[tone]++
	}
	a.warmth += warmth
	if handoffReason != "" {
		a.handoffs[handoffReason]++
	}
}

// RecordRating counts one customer rating.
func (a *Aggregate) RecordRating(rating float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ratings += rating
	a.rated++
}

// Snapshot is a point-in-time copy of the analytics.
type Snapshot struct {
	Turns         float64            `json:"turns"`
	Handoffs      map[string]float64 `json:"handoffs"`
	Sources       map[string]float64 `json:"sources"`
	Tones         map[string]float64 `json:"tones"`
	MeanWarmth    float64            `json:"mean_warmth"`
	MeanRating    float64            `json:"mean_rating"`
	RatedReplies  float64            `json:"rated_replies"`
	NoiseReleased bool               `json:"noise_released"`
}

// Snapshot returns exact values for internal use.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		Turns:        float64(a.turns),
		Handoffs:     toFloats(a.handoffs),
		Sources:      toFloats(a.sources),
		Tones:        toFloats(a.tones),
		RatedReplies: float64(a.rated),
	}
	if a.turns > 0 {
		s.MeanWarmth = a.warmth / float64(a.turns)
	}
	if a.rated > 0 {
		s.MeanRating = a.ratings / float64(a.rated)
	}
	return s
}

// Publish returns a snapshot with every count perturbed by n. Counts have
// sensitivity 1; means are bounded by their ranges over the count. The
// values go to n in one call, so a noiser that cannot pay for the whole
// snapshot releases nothing.
func (a *Aggregate) Publish(n Noiser) (Snapshot, error) {
	exact := a.Snapshot()
	out := Snapshot{
		Handoffs:      make(map[string]float64, len(exact.Handoffs)),
		Sources:       make(map[string]float64, len(exact.Sources)),
		Tones:         make(map[string]float64, len(exact.Tones)),
		NoiseReleased: true,
	}

	var (
		values        []float64
		sensitivities []float64
		targets       []func(float64)
	)
	add := func(v, sensitivity float64, set func(float64)) {
		values = append(values, v)
		sensitivities = append(sensitivities, sensitivity)
		targets = append(targets, set)
	}
	add(exact.Turns, 1, func(v float64) { out.Turns = v })
	add(exact.RatedReplies, 1, func(v float64) { out.RatedReplies = v })
	for _, group := range []struct {
		src, dst map[string]float64
	}{{exact.Handoffs, out.Handoffs}, {exact.Sources, out.Sources}, {exact.Tones, out.Tones}} {
		for _, k := range sortedKeys(group.src) {
			dst := group.dst
			add(group.src[k], 1, func(v float64) { dst[k] = v })
		}
	}
	if exact.Turns > 0 {
		add(exact.MeanWarmth, 2/exact.Turns, func(v float64) { out.MeanWarmth = v })
	}
	if exact.RatedReplies > 0 {
		add(exact.MeanRating, 4/exact.RatedReplies, func(v float64) { out.MeanRating = v })
	}

	noisy, err := n.PerturbAll(values, sensitivities)
	if err != nil {
		return Snapshot{}, err
	}
	if len(noisy) != len(values) {
		return Snapshot{}, fmt.Errorf("memory: noiser returned %d of %d values", len(noisy), len(values))
	}
	for i, set := range targets {
		set(noisy[i])
	}
	return out, nil
}

func toFloats(m map[string]int64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = float64(v)
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
