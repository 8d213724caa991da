// Package affect tracks the emotional tone of a conversation as a bounded
// vector on the unit sphere.
package affect

import (
	"errors"
	"fmt"
	"math"
)

// Axis indexes a component of a Vector.
type Axis int

const (
	// Activation is arousal, in [0,1] before normalization.
	Activation Axis = iota
	// Warmth is valence, in [-1,1] before normalization. Negative warmth
	// drives escalation.
	Warmth
	// Sincerity is dominance, in [0,1] before normalization.
	Sincerity
)

// UnitTolerance is the accepted deviation of a stored vector's norm from 1.
const UnitTolerance = 1e-6

// ErrMalformedVector is returned when a stored vector cannot be decoded.
var ErrMalformedVector = errors.New("affect: malformed vector")

// Vector is an affective state (activation, warmth, sincerity).
type Vector [3]float64

// Equilibrium is the neutral state with equal components.
func Equilibrium() Vector {
	c := 1 / math.Sqrt(3)
	return Vector{c, c, c}
}

func (v Vector) Activation() float64 { return v[Activation] }
func (v Vector) Warmth() float64     { return v[Warmth] }
func (v Vector) Sincerity() float64  { return v[Sincerity] }

func (v Vector) Add(o Vector) Vector {
	return Vector{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vector) Sub(o Vector) Vector {
	return Vector{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vector) Scale(f float64) Vector {
	return Vector{v[0] * f, v[1] * f, v[2] * f}
}

func (v Vector) Dot(o Vector) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Norm is the L2 norm.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Distance is the L2 distance between v and o.
func (v Vector) Distance(o Vector) float64 {
	return v.Sub(o).Norm()
}

// Finite reports whether no component is NaN or infinite.
func (v Vector) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// IsUnit reports whether v is finite with norm 1 ± UnitTolerance.
func (v Vector) IsUnit() bool {
	return v.Finite() && math.Abs(v.Norm()-1) <= UnitTolerance
}

// Normalize scales v to unit length. ok is false for zero or non-finite input.
func (v Vector) Normalize() (Vector, bool) {
	if !v.Finite() {
		return Vector{}, false
	}
	n := v.Norm()
	if n < 1e-12 {
		return Vector{}, false
	}
	return v.Scale(1 / n), true
}

// Clamp bounds each component to its axis range.
func (v Vector) Clamp() Vector {
	return Vector{
		clamp(v[Activation], 0, 1),
		clamp(v[Warmth], -1, 1),
		clamp(v[Sincerity], 0, 1),
	}
}

// Cosine is the cosine similarity of v and o; 0 when either is zero.
func (v Vector) Cosine(o Vector) float64 {
	nv, no := v.Norm(), o.Norm()
	if nv < 1e-12 || no < 1e-12 {
		return 0
	}
	return clamp(v.Dot(o)/(nv*no), -1, 1)
}

// Slice returns the components as a slice for storage.
func (v Vector) Slice() []float64 {
	return []float64{v[0], v[1], v[2]}
}

// FromSlice decodes a stored vector and checks it is on the unit sphere.
func FromSlice(s []float64) (Vector, error) {
	if len(s) != 3 {
		return Vector{}, fmt.Errorf("%w: want 3 components, got %d", ErrMalformedVector, len(s))
	}
	v := Vector{s[0], s[1], s[2]}
	if !v.IsUnit() {
		return Vector{}, fmt.Errorf("%w: norm %v", ErrMalformedVector, v.Norm())
	}
	return v, nil
}

// MoreNegative returns whichever of a and b has the lower warmth.
func MoreNegative(a, b Vector) Vector {
	if b.Warmth() < a.Warmth() {
		return b
	}
	return a
}

func (v Vector) String() string {
	return fmt.Sprintf("(a=%.3f w=%.3f s=%.3f)", v[0], v[1], v[2])
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
