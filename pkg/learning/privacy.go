package learning

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// PrivacyBudget releases statistics with Laplace noise. Every release
// spends a fixed epsilon; spending is monotone and once the total is
// reached every further release fails with ErrBudgetExhausted.
type PrivacyBudget struct {
	mu    sync.Mutex
	total float64
	cost  float64
	spent float64
	rng   *rand.Rand
}

// NewPrivacyBudget creates a budget of total epsilon spending cost per
// release. A nil rng is seeded randomly.
func NewPrivacyBudget(total, cost float64, rng *rand.Rand) (*PrivacyBudget, error) {
	if total < 0 || cost <= 0 {
		return nil, fmt.Errorf("learning: invalid privacy budget total=%v cost=%v", total, cost)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &PrivacyBudget{total: total, cost: cost, rng: rng}, nil
}

// Perturb returns value plus Laplace(0, sensitivity/cost) noise.
func (p *PrivacyBudget) Perturb(value, sensitivity float64) (float64, error) {
	out, err := p.PerturbAll([]float64{value}, []float64{sensitivity})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// PerturbAll releases every value with the noise of its sensitivity,
// spending cost per value. When the budget cannot pay for all of them it
// returns ErrBudgetExhausted and spends nothing.
func (p *PrivacyBudget) PerturbAll(values, sensitivities []float64) ([]float64, error) {
	if len(values) != len(sensitivities) {
		return nil, fmt.Errorf("learning: %d values with %d sensitivities", len(values), len(sensitivities))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cost := p.cost * float64(len(values))
	// Small tolerance so repeated float additions do not lose the last release.
	if p.spent+cost > p.total+1e-9 {
		return nil, ErrBudgetExhausted
	}
	p.spent += cost
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v + laplace(p.rng, math.Abs(sensitivities[i])/p.cost)
	}
	return out, nil
}

// Remaining returns the unspent epsilon.
func (p *PrivacyBudget) Remaining() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return math.Max(0, p.total-p.spent)
}

// Spent returns the epsilon consumed so far.
func (p *PrivacyBudget) Spent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spent
}

func laplace(rng *rand.Rand, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	u := rng.Float64() - 0.5
	return -scale * math.Copysign(1, u) * math.Log(1-2*math.Abs(u))
}
