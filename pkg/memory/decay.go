package memory

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/storage"
)

// DecayManager applies exponential forgetting to episodes:
// S(t) = S * e^(-t/τ) where t is hours since the last recall and τ the
// episode's stability. Every recall resets strength and grows stability.
type DecayManager struct {
	mu               sync.Mutex
	threshold        float64
	defaultStability float64
	interval         time.Duration
	cancel           context.CancelFunc
	done             chan struct{}

	totalBoosted   int64
	totalForgotten int64
}

// NewDecayManager creates a decay manager. Episodes whose current
// strength is below threshold are treated as forgotten.
func NewDecayManager(threshold, defaultStability float64, interval time.Duration) *DecayManager {
	if defaultStability <= 0 {
		defaultStability = 24 * 7
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayManager{
		threshold:        threshold,
		defaultStability: defaultStability,
		interval:         interval,
	}
}

// Current returns the strength of ep at now without modifying it.
func (d *DecayManager) Current(ep *storage.Episode, now time.Time) float64 {
	stability := ep.Stability
	if stability <= 0 {
		stability = d.defaultStability
	}
	elapsed := now.Sub(ep.LastRecalledAt).Hours()
	if elapsed < 0 {
		elapsed = 0
	}
	return ep.Strength * math.Exp(-elapsed/stability)
}

// Forgotten reports whether ep has decayed below the threshold.
func (d *DecayManager) Forgotten(ep *storage.Episode, now time.Time) bool {
	forgotten := d.Current(ep, now) < d.threshold
	if forgotten {
		d.mu.Lock()
		d.totalForgotten++
		d.mu.Unlock()
	}
	return forgotten
}

// Boost resets strength to 1.0 and increases stability by half.
func (d *DecayManager) Boost(ep *storage.Episode, now time.Time) {
	if ep.Stability <= 0 {
		ep.Stability = d.defaultStability
	}
	ep.Strength = 1.0
	ep.Stability *= 1.5
	ep.LastRecalledAt = now

	d.mu.Lock()
	d.totalBoosted++
	d.mu.Unlock()
}

// InitEntry sets initial decay parameters for a new episode.
func (d *DecayManager) InitEntry(ep *storage.Episode, now time.Time) {
	ep.Strength = 1.0
	ep.Stability = d.defaultStability
	ep.LastRecalledAt = now
}

// Start runs processFunc every interval until Stop or ctx is done.
func (d *DecayManager) Start(parentCtx context.Context, logger *slog.Logger, processFunc func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(parentCtx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := processFunc(ctx); err != nil {
					logger.Warn("memory maintenance failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the maintenance loop and waits for it to exit.
func (d *DecayManager) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		d.cancel = nil
	}
}

// Stats returns decay metrics.
func (d *DecayManager) Stats() (boosted, forgotten int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalBoosted, d.totalForgotten
}
