package learning

import (
	"github.com/yyd/aurora/pkg/affect"
)

// Case is one known query and the tone a reply to it should carry.
type Case struct {
	Query    string
	Locale   string
	Expected affect.Tone
}

// DefaultCases covers every tone in English and Portuguese.
var DefaultCases = []Case{
	{"Hello! Good morning", "en", affect.ToneGreeting},
	{"Olá, bom dia!", "pt", affect.ToneGreeting},
	{"What time does the tour start?", "en", affect.ToneInformative},
	{"Quanto custa o passeio?", "pt", affect.ToneInformative},
	{"I want to book the sunset tour, it sounds amazing!", "en", affect.ToneSales},
	{"¡Quiero reservar, me encanta!", "es", affect.ToneSales},
	{"This is terrible, I am very angry", "en", affect.ToneEmpathetic},
	{"Estou muito triste e decepcionado", "pt", affect.ToneEmpathetic},
	{"I need help now, it is urgent!!!", "en", affect.ToneUrgent},
	{"Preciso de ajuda agora, é urgente!", "pt", affect.ToneUrgent},
}

// baselineTolerance is the share of its baseline alignment a case may
// lose before it counts as forgotten.
const baselineTolerance = 0.9

type evalCase struct {
	Case
	state    affect.Vector
	baseline float64
}

// RegressionSuite scores candidate tone vectors against the alignment the
// accepted vectors achieved on a fixed set of cases. The score is the
// share of cases that kept at least 90% of their baseline alignment.
type RegressionSuite struct {
	cases     []evalCase
	threshold float64
}

// NewRegressionSuite evaluates cases against baseline vectors. A nil
// estimator uses the default lexicon.
func NewRegressionSuite(cases []Case, baseline map[affect.Tone]affect.Vector, threshold float64, est *affect.Estimator) *RegressionSuite {
	if est == nil {
		est = affect.NewEstimator(nil)
	}
	if len(cases) == 0 {
		cases = DefaultCases
	}
	s := &RegressionSuite{threshold: threshold}
	for _, c := range cases {
		state := est.Estimate(c.Query, c.Locale).Vector
		s.cases = append(s.cases, evalCase{
			Case:     c,
			state:    state,
			baseline: alignment(state, baseline[c.Expected]),
		})
	}
	return s
}

// Threshold returns the minimum passing score.
func (s *RegressionSuite) Threshold() float64 { return s.threshold }

// Score returns the share of cases that kept their alignment.
func (s *RegressionSuite) Score(vectors map[affect.Tone]affect.Vector) float64 {
	if len(s.cases) == 0 {
		return 1
	}
	failures := 0
	for _, c := range s.cases {
		if alignment(c.state, vectors[c.Expected]) < baselineTolerance*c.baseline {
			failures++
		}
	}
	return 1 - float64(failures)/float64(len(s.cases))
}

// Passes reports whether vectors score at least the threshold.
func (s *RegressionSuite) Passes(vectors map[affect.Tone]affect.Vector) (float64, bool) {
	score := s.Score(vectors)
	return score, score >= s.threshold
}

func alignment(state, ref affect.Vector) float64 {
	return (state.Cosine(ref) + 1) / 2
}
