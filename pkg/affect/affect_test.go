package affect

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func randomVector(r *rand.Rand) Vector {
	return Vector{r.Float64(), r.Float64()*2 - 1, r.Float64()}
}

func TestEstimate_EmptyAndMalformed(t *testing.T) {
	e := NewEstimator(nil)
	for _, text := range []string{"", "   \n\t", string([]byte{0xff, 0xfe})} {
		obs := e.Estimate(text, "en")
		if obs.Confidence != 0 {
			t.Fatalf("Estimate(%q) confidence = %v, want 0", text, obs.Confidence)
		}
		if obs.Vector != Equilibrium() {
			t.Fatalf("Estimate(%q) = %v, want equilibrium", text, obs.Vector)
		}
	}
}

func TestEstimate_Baseline(t *testing.T) {
	obs := NewEstimator(nil).Estimate("Hello!!!", "en")
	if obs.Confidence != baselineConfidence {
		t.Fatalf("confidence = %v, want %v", obs.Confidence, baselineConfidence)
	}
	if math.Abs(obs.Raw.Activation()-0.75) > 1e-9 {
		t.Fatalf("raw activation = %v, want 0.75", obs.Raw.Activation())
	}
	if obs.Raw.Warmth() != 0 || obs.Raw.Sincerity() != 0.5 {
		t.Fatalf("unexpected raw baseline %v", obs.Raw)
	}

	q := NewEstimator(nil).Estimate("where? when? how? why? who? what?", "en")
	if q.Raw.Sincerity() != 0.2 {
		t.Fatalf("questions should floor sincerity at 0.2, got %v", q.Raw.Sincerity())
	}
}

func TestEstimate_Lexicon(t *testing.T) {
	e := NewEstimator(nil)

	tests := []struct {
		name        string
		text        string
		locale      string
		wantWarmth  func(float64) bool
		wantMatched int
	}{
		{"positive", "I am so happy", "en", func(w float64) bool { return w > 0.5 }, 1},
		{"negated", "I am not happy", "en", func(w float64) bool { return w < -0.5 }, 1},
		{"negation out of window", "not that I am happy", "en", func(w float64) bool { return w > 0 }, 1},
		{"portuguese", "Estou muito triste", "pt-BR", func(w float64) bool { return w < -0.8 }, 1},
		{"spanish", "Estoy emocionado", "es", func(w float64) bool { return w > 0.4 }, 1},
		{"cross language", "very feliz", "en", func(w float64) bool { return w > 0.5 }, 1},
		{"complaint", "This is terrible, I want a refund now!", "en", func(w float64) bool { return w < -0.6 }, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := e.Estimate(tt.text, tt.locale)
			if len(obs.Matched) != tt.wantMatched {
				t.Fatalf("matched %v, want %d words", obs.Matched, tt.wantMatched)
			}
			if !tt.wantWarmth(obs.Vector.Warmth()) {
				t.Fatalf("warmth %v out of expected range (vector %v)", obs.Vector.Warmth(), obs.Vector)
			}
			if !obs.Vector.IsUnit() {
				t.Fatalf("observation not unit: %v", obs.Vector.Norm())
			}
			if obs.Confidence <= baselineConfidence {
				t.Fatalf("lexicon confidence %v should beat baseline", obs.Confidence)
			}
		})
	}
}

func TestEstimate_IntensifierClamps(t *testing.T) {
	obs := NewEstimator(nil).Estimate("extremely angry", "en")
	if obs.Raw.Activation() != 1 || obs.Raw.Sincerity() != 1 {
		t.Fatalf("expected clamped activation and sincerity, got %v", obs.Raw)
	}
	if math.Abs(obs.Raw.Warmth()+0.9) > 1e-9 {
		t.Fatalf("expected warmth -0.9, got %v", obs.Raw.Warmth())
	}
}

func TestAdvance_UnitNormAndLipschitz(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, l := range []float64{0.1, 0.5, 1, 2} {
		for _, alpha := range []float64{0.1, 0.5, 1} {
			tr := NewTracker(WithAlpha(alpha), WithLipschitz(l))
			state := Equilibrium()
			for i := 0; i < 500; i++ {
				obs, _ := randomVector(r).Normalize()
				next := tr.Advance(state, obs)
				if math.Abs(next.Norm()-1) > UnitTolerance {
					t.Fatalf("L=%v α=%v step %d: norm %v", l, alpha, i, next.Norm())
				}
				if d := next.Distance(state); d > l+1e-9 {
					t.Fatalf("L=%v α=%v step %d: step %v exceeds bound", l, alpha, i, d)
				}
				state = next
			}
		}
	}
}

func TestAdvance_Antipodal(t *testing.T) {
	tr := NewTracker()
	cur := Vector{0, 1, 0}
	next := tr.Advance(cur, Vector{0, -1, 0})
	if !next.IsUnit() {
		t.Fatalf("norm %v", next.Norm())
	}
	if d := next.Distance(cur); d > 1+1e-9 {
		t.Fatalf("step %v exceeds bound", d)
	}
}

func TestAdvance_SanitizesCurrent(t *testing.T) {
	tr := NewTracker()
	obs := Equilibrium()
	for _, bad := range []Vector{{}, {math.NaN(), 0, 0}, {math.Inf(1), 1, 1}} {
		if got := tr.Advance(bad, obs); got.Distance(obs) > 1e-12 {
			t.Fatalf("Advance(%v) = %v, want equilibrium", bad, got)
		}
	}
}

func TestAdvance_GreetingRaisesActivation(t *testing.T) {
	obs := NewEstimator(nil).Estimate("Hello!!!", "en")
	next := NewTracker().Advance(Equilibrium(), obs.Vector)
	if next.Activation() <= Equilibrium().Activation() {
		t.Fatalf("activation %v should exceed equilibrium %v", next.Activation(), Equilibrium().Activation())
	}
}

func TestDecay(t *testing.T) {
	tr := NewTracker(WithHalfLife(time.Minute))
	start, _ := Vector{1, -1, 0}.Normalize()

	if got := tr.Decay(start, 0); got.Distance(start) > 1e-12 {
		t.Fatalf("zero elapsed changed state: %v", got)
	}

	one := tr.Decay(start, time.Minute)
	long := tr.Decay(start, time.Hour)
	eq := Equilibrium()
	if !(long.Distance(eq) < one.Distance(eq) && one.Distance(eq) < start.Distance(eq)) {
		t.Fatalf("decay not monotone toward equilibrium: %v %v %v", start, one, long)
	}
	if !one.IsUnit() || !long.IsUnit() {
		t.Fatal("decayed state not unit")
	}
}

func TestFromSlice(t *testing.T) {
	if _, err := FromSlice([]float64{1, 2}); err == nil {
		t.Fatal("expected error for wrong length")
	}
	if _, err := FromSlice([]float64{1, 1, 1}); err == nil {
		t.Fatal("expected error for non-unit vector")
	}
	eq := Equilibrium()
	got, err := FromSlice(eq.Slice())
	if err != nil || got != eq {
		t.Fatalf("FromSlice round trip = %v, %v", got, err)
	}
}

func TestClassifyTone(t *testing.T) {
	tests := []struct {
		text string
		want Tone
	}{
		{"Hello! Welcome to Aurora Tours.", ToneGreeting},
		{"Olá, seja bem-vindo", ToneGreeting},
		{"You can book the sunset cruise online.", ToneSales},
		{"I'm sorry about the delay.", ToneEmpathetic},
		{"Please contact us immediately.", ToneUrgent},
		{"The tour lasts three hours and includes lunch", ToneInformative},
		{"", ToneInformative},
	}
	for _, tt := range tests {
		if got := ClassifyTone(tt.text); got != tt.want {
			t.Errorf("ClassifyTone(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestTargetRegister(t *testing.T) {
	tests := []struct {
		state Vector
		want  Register
	}{
		{Vector{0.4, -0.8, 0.4}, RegisterEmpathetic},
		{Vector{0.75, 0.6, 0.2}, RegisterEnthusiastic},
		{Vector{0.2, 0.3, 0.9}, RegisterProfessional},
		{Equilibrium(), RegisterWelcoming},
	}
	for _, tt := range tests {
		if got := TargetRegister(tt.state); got != tt.want {
			t.Errorf("TargetRegister(%v) = %s, want %s", tt.state, got, tt.want)
		}
	}
	if RegisterEmpathetic.Tone() != ToneEmpathetic || RegisterWelcoming.Tone() != ToneGreeting {
		t.Fatal("unexpected register tone mapping")
	}
}

func TestAnalyze(t *testing.T) {
	if tr := Analyze(nil); tr.Points != 0 || tr.TotalDistance != 0 {
		t.Fatalf("unexpected empty trajectory %+v", tr)
	}

	a, _ := Vector{0.5, 0.8, 0.3}.Normalize()
	b, _ := Vector{0.5, 0.2, 0.3}.Normalize()
	c, _ := Vector{0.5, -0.4, 0.3}.Normalize()
	tr := Analyze([]Vector{a, b, c})
	if tr.Points != 3 {
		t.Fatalf("points = %d", tr.Points)
	}
	if tr.WarmthTrend >= 0 {
		t.Fatalf("expected falling warmth, got trend %v", tr.WarmthTrend)
	}
	want := a.Distance(b) + b.Distance(c)
	if math.Abs(tr.TotalDistance-want) > 1e-12 {
		t.Fatalf("total distance %v, want %v", tr.TotalDistance, want)
	}
	if math.Abs(tr.AverageVelocity-want/2) > 1e-12 {
		t.Fatalf("average velocity %v", tr.AverageVelocity)
	}
}
