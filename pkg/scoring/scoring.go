// Package scoring ranks reply candidates by affective alignment, semantic
// relevance and historical utility, after an absolute policy filter.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/storage"
)

// ErrInvalidWeights is returned for weights that are negative or do not
// sum to one.
var ErrInvalidWeights = errors.New("scoring: weights must be non-negative and sum to 1")

const weightTolerance = 1e-9

// Weights are the λ coefficients of the score.
type Weights struct {
	Affective float64 `json:"affective"`
	Semantic  float64 `json:"semantic"`
	Utility   float64 `json:"utility"`
}

// DefaultWeights returns 0.4 / 0.35 / 0.25.
func DefaultWeights() Weights {
	return Weights{Affective: 0.4, Semantic: 0.35, Utility: 0.25}
}

// Validate checks the weights.
func (w Weights) Validate() error {
	if w.Affective < 0 || w.Semantic < 0 || w.Utility < 0 {
		return ErrInvalidWeights
	}
	if sum := w.Affective + w.Semantic + w.Utility; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w (sum %.12f)", ErrInvalidWeights, sum)
	}
	return nil
}

// History is what the scorer knows about recent replies in the session.
type History struct {
	RecentReplies []string
	// Feedback is the latest customer feedback in [-1,1]; 0 when none.
	Feedback float64
}

// Options configures a Scorer.
type Options struct {
	Weights           Weights
	RepetitionWindow  int
	RepetitionPenalty float64
	PenaltyCap        float64
	FeedbackWeight    float64
	// BaseUtility is used for candidates without a stored utility.
	BaseUtility float64
	Forbidden   []string
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		Weights:           DefaultWeights(),
		RepetitionWindow:  5,
		RepetitionPenalty: 0.5,
		PenaltyCap:        0.4,
		FeedbackWeight:    0.3,
		BaseUtility:       0.5,
	}
}

// Scored is a candidate with its score breakdown.
type Scored struct {
	candidate.Candidate
	Affective float64 `json:"affective"`
	Semantic  float64 `json:"semantic"`
	Utility   float64 `json:"utility"`
	Score     float64 `json:"score"`
}

// Scorer selects one candidate per turn. It is safe for concurrent use.
type Scorer struct {
	opts  Options
	tones *ToneBook

	mu        sync.RWMutex
	forbidden map[string]struct{}
	weights   atomic.Pointer[Weights]
}

// NewScorer creates a Scorer. A nil tones uses the default tone vectors.
func NewScorer(opts Options, tones *ToneBook) (*Scorer, error) {
	if err := opts.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.BaseUtility <= 0 {
		opts.BaseUtility = 0.5
	}
	if tones == nil {
		tones = NewToneBook(affect.DefaultToneVectors())
	}
	s := &Scorer{opts: opts, tones: tones}
	w := opts.Weights
	s.weights.Store(&w)
	s.SetForbidden(opts.Forbidden)
	return s, nil
}

// Tones returns the tone book the scorer aligns against.
func (s *Scorer) Tones() *ToneBook { return s.tones }

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights { return *s.weights.Load() }

// SetWeights replaces the weights after validating them.
func (s *Scorer) SetWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.weights.Store(&w)
	return nil
}

// SetForbidden replaces the forbidden action set.
func (s *Scorer) SetForbidden(actions []string) {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	s.mu.Lock()
	s.forbidden = set
	s.mu.Unlock()
}

// Allowed reports whether c passes the policy filter.
func (s *Scorer) Allowed(c candidate.Candidate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, bad := s.forbidden[c.ActionID]; bad {
		return false
	}
	for _, tag := range c.Tags {
		if _, bad := s.forbidden[tag]; bad {
			return false
		}
	}
	return true
}

// Score computes the weighted score of one candidate.
func (s *Scorer) Score(state affect.Vector, c candidate.Candidate, h History) Scored {
	w := s.weights.Load()
	ref, ok := s.tones.Vector(c.Tone)
	if !ok {
		ref, _ = s.tones.Vector(affect.ToneInformative)
	}
	sc := Scored{
		Candidate: c,
		Affective: (state.Cosine(ref) + 1) / 2,
		Semantic:  clamp01(c.Relevance),
		Utility:   s.utility(c, h),
	}
	sc.Score = w.Affective*sc.Affective + w.Semantic*sc.Semantic + w.Utility*sc.Utility
	return sc
}

func (s *Scorer) utility(c candidate.Candidate, h History) float64 {
	base := c.Utility
	if base <= 0 {
		base = s.opts.BaseUtility
	}
	recent := h.RecentReplies
	if n := s.opts.RepetitionWindow; n > 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	var maxOverlap float64
	for _, r := range recent {
		maxOverlap = math.Max(maxOverlap, candidate.Jaccard(c.Text, r))
	}
	penalty := math.Min(s.opts.PenaltyCap, s.opts.RepetitionPenalty*maxOverlap)
	return clamp01(base + s.opts.FeedbackWeight*h.Feedback - penalty)
}

// Rank filters forbidden candidates and returns the rest best first.
func (s *Scorer) Rank(state affect.Vector, cands []candidate.Candidate, h History) []Scored {
	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		if !s.Allowed(c) {
			continue
		}
		out = append(out, s.Score(state, c, h))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if math.Abs(out[i].Score-out[j].Score) > 1e-12 {
			return out[i].Score > out[j].Score
		}
		return priority(out[i].Source) < priority(out[j].Source)
	})
	return out
}

// Select returns the best allowed candidate and its score; ok is false
// when no candidate survives the policy filter.
func (s *Scorer) Select(state affect.Vector, cands []candidate.Candidate, h History) (candidate.Candidate, float64, bool) {
	ranked := s.Rank(state, cands, h)
	if len(ranked) == 0 {
		return candidate.Candidate{}, 0, false
	}
	return ranked[0].Candidate, ranked[0].Score, true
}

var sourcePriority = map[storage.Source]int{
	storage.SourceTemplate:           0,
	storage.SourceKnowledgeBase:      1,
	storage.SourceLearned:            2,
	storage.SourceEpisodic:           3,
	storage.SourceGenerativeFallback: 4,
	storage.SourceFallbackDegraded:   5,
}

func priority(src storage.Source) int {
	if p, ok := sourcePriority[src]; ok {
		return p
	}
	return len(sourcePriority)
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
