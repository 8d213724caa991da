package scoring

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/storage"
)

func newScorer(t *testing.T, mutate func(*Options)) *Scorer {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewScorer(opts, nil)
	require.NoError(t, err)
	return s
}

func unit(v affect.Vector) affect.Vector {
	n, _ := v.Normalize()
	return n
}

func TestWeights_Validate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	d := DefaultWeights()
	assert.Equal(t, 1.0, d.Affective+d.Semantic+d.Utility)

	tests := []struct {
		name string
		w    Weights
	}{
		{"sum above one", Weights{0.5, 0.5, 0.1}},
		{"sum below one", Weights{0.3, 0.3, 0.3}},
		{"negative", Weights{1.2, -0.1, -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.w.Validate(), ErrInvalidWeights)
		})
	}

	_, err := NewScorer(Options{Weights: Weights{1, 1, 1}}, nil)
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestSelect_PrefersAlignedTone(t *testing.T) {
	s := newScorer(t, nil)
	distressed := unit(affect.Vector{0.4, -0.8, 0.4})

	cands := []candidate.Candidate{
		{ActionID: "a", Source: storage.SourceKnowledgeBase, Text: "Great news, book now!", Tone: affect.ToneSales, Relevance: 0.7},
		{ActionID: "b", Source: storage.SourceKnowledgeBase, Text: "I am sorry, let me help.", Tone: affect.ToneEmpathetic, Relevance: 0.7},
	}
	best, score, ok := s.Select(distressed, cands, History{})
	require.True(t, ok)
	assert.Equal(t, "b", best.ActionID)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestSelect_ForbiddenNeverSelected(t *testing.T) {
	s := newScorer(t, func(o *Options) { o.Forbidden = []string{"fabricated_claim", "knowledge:secret"} })
	state := affect.Equilibrium()

	cands := []candidate.Candidate{
		{ActionID: "knowledge:secret", Source: storage.SourceKnowledgeBase, Text: "x", Tone: affect.ToneInformative, Relevance: 1, Utility: 1},
		{ActionID: "knowledge:claim", Source: storage.SourceKnowledgeBase, Text: "y", Tone: affect.ToneInformative, Relevance: 1, Utility: 1, Tags: []string{"fabricated_claim"}},
		{ActionID: "template:greeting", Source: storage.SourceTemplate, Text: "Hello", Tone: affect.ToneGreeting, Relevance: 0.1},
	}
	best, _, ok := s.Select(state, cands, History{})
	require.True(t, ok)
	assert.Equal(t, "template:greeting", best.ActionID)

	_, _, ok = s.Select(state, cands[:2], History{})
	assert.False(t, ok, "nothing is selectable when every candidate is forbidden")

	s.SetForbidden(nil)
	best, _, ok = s.Select(state, cands, History{})
	require.True(t, ok)
	assert.NotEqual(t, "template:greeting", best.ActionID)
}

func TestSelect_TieBreakBySourcePriority(t *testing.T) {
	s := newScorer(t, nil)
	state := affect.Equilibrium()
	base := candidate.Candidate{Text: "same reply", Tone: affect.ToneInformative, Relevance: 0.8}

	sources := []storage.Source{
		storage.SourceFallbackDegraded,
		storage.SourceGenerativeFallback,
		storage.SourceEpisodic,
		storage.SourceLearned,
		storage.SourceKnowledgeBase,
		storage.SourceTemplate,
	}
	var cands []candidate.Candidate
	for _, src := range sources {
		c := base
		c.Source = src
		c.ActionID = string(src)
		cands = append(cands, c)
	}

	ranked := s.Rank(state, cands, History{})
	require.Len(t, ranked, len(sources))
	for i, want := range []storage.Source{
		storage.SourceTemplate,
		storage.SourceKnowledgeBase,
		storage.SourceLearned,
		storage.SourceEpisodic,
		storage.SourceGenerativeFallback,
		storage.SourceFallbackDegraded,
	} {
		assert.Equal(t, want, ranked[i].Source, "rank %d", i)
	}
}

func TestUtility_RepetitionAndFeedback(t *testing.T) {
	s := newScorer(t, nil)
	state := affect.Equilibrium()
	c := candidate.Candidate{Source: storage.SourceTemplate, Text: "Hello! How can I help?", Tone: affect.ToneGreeting, Relevance: 0.9}

	fresh := s.Score(state, c, History{})
	assert.InDelta(t, 0.5, fresh.Utility, 1e-9)

	repeated := s.Score(state, c, History{RecentReplies: []string{"Hello! How can I help?"}})
	assert.InDelta(t, 0.1, repeated.Utility, 1e-9, "penalty is capped at 0.4")
	assert.Less(t, repeated.Score, fresh.Score)

	outOfWindow := s.Score(state, c, History{RecentReplies: []string{
		"Hello! How can I help?", "a", "b", "c", "d", "e",
	}})
	assert.InDelta(t, 0.5, outOfWindow.Utility, 1e-9, "only the last five replies count")

	liked := s.Score(state, c, History{Feedback: 1})
	assert.InDelta(t, 0.8, liked.Utility, 1e-9)

	c.Utility = 1
	maxed := s.Score(state, c, History{Feedback: 1})
	assert.Equal(t, 1.0, maxed.Utility, "utility is clamped to [0,1]")
}

func TestScore_MonotonicInEachTerm(t *testing.T) {
	s := newScorer(t, nil)
	r := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		state := unit(affect.Vector{r.Float64(), r.Float64()*2 - 1, r.Float64()})
		c := candidate.Candidate{Text: "reply", Tone: affect.ToneInformative, Relevance: r.Float64() * 0.9}
		higher := c
		higher.Relevance += 0.1
		assert.GreaterOrEqual(t, s.Score(state, higher, History{}).Score, s.Score(state, c, History{}).Score)

		c.Utility = 0.1 + r.Float64()*0.8
		higher = c
		higher.Utility += 0.1
		assert.GreaterOrEqual(t, s.Score(state, higher, History{}).Score, s.Score(state, c, History{}).Score)
	}
}

func TestSetWeights(t *testing.T) {
	s := newScorer(t, nil)
	assert.ErrorIs(t, s.SetWeights(Weights{1, 1, 0}), ErrInvalidWeights)
	require.NoError(t, s.SetWeights(Weights{0, 1, 0}))

	state := affect.Equilibrium()
	sc := s.Score(state, candidate.Candidate{Relevance: 0.42, Tone: affect.ToneSales}, History{})
	assert.InDelta(t, 0.42, sc.Score, 1e-12)
}

func TestToneBook_Publish(t *testing.T) {
	book := NewToneBook(affect.DefaultToneVectors())
	assert.Equal(t, 1, book.Version())

	vectors := book.Vectors()
	vectors[affect.ToneSales] = affect.Vector{1, 0, 0}
	v, _ := book.Vector(affect.ToneSales)
	assert.NotEqual(t, affect.Vector{1, 0, 0}, v, "Vectors returns a copy")

	assert.Equal(t, 2, book.Publish(vectors))
	v, ok := book.Vector(affect.ToneSales)
	require.True(t, ok)
	assert.Equal(t, affect.Vector{1, 0, 0}, v)
}
