package affect

import "math"

// Trajectory summarizes how a session's state moved over its turns.
type Trajectory struct {
	Points          int     `json:"points"`
	TotalDistance   float64 `json:"total_distance"`
	AverageVelocity float64 `json:"average_velocity"`
	Volatility      float64 `json:"volatility"`
	// WarmthTrend is the least-squares slope of warmth per turn.
	WarmthTrend float64 `json:"warmth_trend"`
}

// Analyze computes the Trajectory of consecutive states.
func Analyze(states []Vector) Trajectory {
	tr := Trajectory{Points: len(states)}
	if len(states) < 2 {
		return tr
	}

	steps := make([]float64, 0, len(states)-1)
	for i := 1; i < len(states); i++ {
		d := states[i].Distance(states[i-1])
		steps = append(steps, d)
		tr.TotalDistance += d
	}
	tr.AverageVelocity = tr.TotalDistance / float64(len(steps))

	var variance float64
	for _, d := range steps {
		variance += (d - tr.AverageVelocity) * (d - tr.AverageVelocity)
	}
	tr.Volatility = math.Sqrt(variance / float64(len(steps)))

	n := float64(len(states))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range states {
		x := float64(i)
		sumX += x
		sumY += s.Warmth()
		sumXY += x * s.Warmth()
		sumXX += x * x
	}
	if denom := n*sumXX - sumX*sumX; denom != 0 {
		tr.WarmthTrend = (n*sumXY - sumX*sumY) / denom
	}
	return tr
}
