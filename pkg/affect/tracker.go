package affect

import (
	"math"
	"time"
)

const (
	DefaultAlpha     = 0.5
	DefaultLipschitz = 1.0
	DefaultHalfLife  = 30 * time.Minute
)

// Tracker applies bounded updates to a session's state.
type Tracker struct {
	alpha     float64
	lipschitz float64
	halfLife  time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAlpha sets the weight of a new observation, in (0,1].
func WithAlpha(a float64) Option {
	return func(t *Tracker) {
		if a > 0 && a <= 1 {
			t.alpha = a
		}
	}
}

// WithLipschitz bounds ‖next - current‖, in (0,2].
func WithLipschitz(l float64) Option {
	return func(t *Tracker) {
		if l > 0 && l <= 2 {
			t.lipschitz = l
		}
	}
}

// WithHalfLife sets how fast Decay pulls an idle state to equilibrium.
func WithHalfLife(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.halfLife = d
		}
	}
}

// NewTracker creates a Tracker with defaults α=0.5, L=1.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		alpha:     DefaultAlpha,
		lipschitz: DefaultLipschitz,
		halfLife:  DefaultHalfLife,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Lipschitz returns the step bound.
func (t *Tracker) Lipschitz() float64 { return t.lipschitz }

// Advance blends observation into current and returns a unit vector no
// farther than the Lipschitz bound from current. A current state that is
// not a finite non-zero vector is replaced by Equilibrium.
func (t *Tracker) Advance(current, observation Vector) Vector {
	return t.advance(current, observation, t.alpha)
}

// Decay moves current toward Equilibrium according to the idle time.
func (t *Tracker) Decay(current Vector, elapsed time.Duration) Vector {
	if elapsed <= 0 {
		return normalizeOrEquilibrium(current)
	}
	alpha := 1 - math.Exp2(-float64(elapsed)/float64(t.halfLife))
	return t.advance(current, Equilibrium(), alpha)
}

func (t *Tracker) advance(current, observation Vector, alpha float64) Vector {
	cur := normalizeOrEquilibrium(current)
	obs := normalizeOrEquilibrium(observation)

	target, ok := cur.Scale(1 - alpha).Add(obs.Scale(alpha)).Normalize()
	if !ok {
		// Antipodal inputs at alpha 0.5 cancel out; head for the observation.
		target = obs
	}

	// The chord between unit vectors at angle φ is 2·sin(φ/2), so a chord
	// of at most L allows rotating by 2·asin(L/2). The small shrink keeps
	// rounding from pushing the chord past L.
	maxAngle := 2 * math.Asin(math.Min(t.lipschitz, 2)/2) * (1 - 1e-9)
	return rotateToward(cur, target, maxAngle)
}

// rotateToward moves unit vector from toward unit vector to along the great
// circle by at most maxAngle radians.
func rotateToward(from, to Vector, maxAngle float64) Vector {
	cos := clamp(from.Dot(to), -1, 1)
	angle := math.Acos(cos)
	if angle <= maxAngle {
		return to
	}

	perp := to.Sub(from.Scale(cos))
	dir, ok := perp.Normalize()
	if !ok {
		dir = orthogonal(from)
	}
	next := from.Scale(math.Cos(maxAngle)).Add(dir.Scale(math.Sin(maxAngle)))
	return normalizeOrEquilibrium(next)
}

// orthogonal returns a unit vector perpendicular to v.
func orthogonal(v Vector) Vector {
	axis := Vector{1, 0, 0}
	if math.Abs(v[0]) > 0.9 {
		axis = Vector{0, 1, 0}
	}
	perp := axis.Sub(v.Scale(v.Dot(axis)))
	n, _ := perp.Normalize()
	return n
}
