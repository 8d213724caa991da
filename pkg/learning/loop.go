package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
)

// Recorder receives learning metrics.
type Recorder interface {
	RecordLearningUpdate(status string)
	SetPrivacyBudgetRemaining(epsilon float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordLearningUpdate(string)       {}
func (nopRecorder) SetPrivacyBudgetRemaining(float64) {}

// Options configures a Loop.
type Options struct {
	Interval     time.Duration
	BatchSize    int
	Gamma        float64
	Epsilon      float64
	LearningRate float64
	// Aggregate, when set with Budget, is released with noise after every pass.
	Aggregate *memory.Aggregate
	Budget    *PrivacyBudget
	Metrics   Recorder
	Rand      *rand.Rand
	Logger    *slog.Logger
}

// Update describes one training pass.
type Update struct {
	Batch   int                     `json:"batch"`
	Score   float64                 `json:"score"`
	Version int                     `json:"version"`
	Steps   map[affect.Tone]float64 `json:"steps"`
}

// Loop trains the tone book from the experience buffer.
type Loop struct {
	buffer *Buffer
	tones  *scoring.ToneBook
	suite  *RegressionSuite
	opts   Options
	logger *slog.Logger

	stepMu sync.Mutex

	mu        sync.Mutex
	published memory.Snapshot
	released  bool
	exhausted bool
}

// NewLoop creates a loop. Zero option values take the defaults:
// interval 5m, batch 64, gamma 0.9, epsilon 0.2, learning rate 0.05.
func NewLoop(buffer *Buffer, tones *scoring.ToneBook, suite *RegressionSuite, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Gamma <= 0 || opts.Gamma > 1 {
		opts.Gamma = 0.9
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = 0.2
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 0.05
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		buffer: buffer,
		tones:  tones,
		suite:  suite,
		opts:   opts,
		logger: logger.With("component", "learning"),
	}
}

// Buffer returns the experience buffer turns append to.
func (l *Loop) Buffer() *Buffer { return l.buffer }

// Run trains every interval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	update, err := l.Step(ctx)
	switch {
	case err == nil:
		l.logger.Info("tone book updated", "version", update.Version, "batch", update.Batch, "score", update.Score)
	case errors.Is(err, ErrInsufficientData):
		l.logger.Debug("learning pass skipped", "reason", err)
	case errors.Is(err, ErrRegression):
		l.logger.Warn("learning update discarded", "score", update.Score, "threshold", l.suite.Threshold())
	default:
		l.logger.Warn("learning pass failed", "error", err)
	}
}

// Step runs one training pass. On ErrRegression the tone book is left
// unchanged and Update carries the failing score.
func (l *Loop) Step(ctx context.Context) (Update, error) {
	l.stepMu.Lock()
	defer l.stepMu.Unlock()
	defer l.releaseAggregate()

	if err := ctx.Err(); err != nil {
		return Update{}, err
	}
	batch := l.buffer.Sample(l.opts.BatchSize, l.opts.Rand)
	if len(batch) == 0 {
		return Update{}, ErrInsufficientData
	}

	current := l.tones.Vectors()
	next, steps := Nudge(current, batch, Advantages(batch, l.opts.Gamma), l.opts.LearningRate, l.opts.Epsilon)
	update := Update{Batch: len(batch), Steps: steps, Version: l.tones.Version()}
	if len(steps) == 0 {
		l.opts.Metrics.RecordLearningUpdate("unchanged")
		update.Score = 1
		return update, nil
	}

	score, ok := l.suite.Passes(next)
	update.Score = score
	if !ok {
		l.opts.Metrics.RecordLearningUpdate("rejected")
		return update, fmt.Errorf("%w: score %.3f below %.3f", ErrRegression, score, l.suite.Threshold())
	}
	update.Version = l.tones.Publish(next)
	l.opts.Metrics.RecordLearningUpdate("accepted")
	return update, nil
}

// Published returns the last noisy aggregate released, if any.
func (l *Loop) Published() (memory.Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published, l.released
}

func (l *Loop) releaseAggregate() {
	if l.opts.Aggregate == nil || l.opts.Budget == nil {
		return
	}
	defer func() { l.opts.Metrics.SetPrivacyBudgetRemaining(l.opts.Budget.Remaining()) }()

	l.mu.Lock()
	exhausted := l.exhausted
	l.mu.Unlock()
	if exhausted {
		return
	}
	snap, err := l.opts.Aggregate.Publish(l.opts.Budget)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			l.exhausted = true
			l.logger.Warn("privacy budget exhausted, keeping last released aggregate")
		}
		return
	}
	l.published, l.released = snap, true
}

// Advantages returns the normalized advantage of each experience.
// Returns are discounted with gamma along each session's experiences in
// time order; the baseline is the batch mean reward.
func Advantages(batch []storage.Experience, gamma float64) []float64 {
	n := len(batch)
	if n == 0 {
		return nil
	}
	bySession := make(map[string][]int)
	var mean float64
	for i, e := range batch {
		bySession[e.SessionID] = append(bySession[e.SessionID], i)
		mean += e.Reward
	}
	mean /= float64(n)

	returns := make([]float64, n)
	for _, idx := range bySession {
		sort.SliceStable(idx, func(a, b int) bool { return batch[idx[a]].CreatedAt.Before(batch[idx[b]].CreatedAt) })
		running := 0.0
		for k := len(idx) - 1; k >= 0; k-- {
			running = batch[idx[k]].Reward + gamma*running
			returns[idx[k]] = running
		}
	}

	adv := make([]float64, n)
	var advMean float64
	for i := range adv {
		adv[i] = returns[i] - mean
		advMean += adv[i]
	}
	advMean /= float64(n)
	var variance float64
	for _, a := range adv {
		variance += (a - advMean) * (a - advMean)
	}
	std := math.Sqrt(variance / float64(n))
	if std > 0 {
		for i := range adv {
			adv[i] = (adv[i] - advMean) / (std + 1e-8)
		}
	}
	return adv
}

// Nudge moves each tone's reference toward states whose replies earned
// positive advantage and away from the others. Each step is clipped to
// norm epsilon. It returns the new vectors and the norm of every
// non-zero step.
func Nudge(current map[affect.Tone]affect.Vector, batch []storage.Experience, adv []float64, rate, epsilon float64) (map[affect.Tone]affect.Vector, map[affect.Tone]float64) {
	sums := make(map[affect.Tone]affect.Vector)
	counts := make(map[affect.Tone]int)
	for i, e := range batch {
		tone := affect.Tone(e.Tone)
		ref, ok := current[tone]
		if !ok || !e.State.Finite() || i >= len(adv) {
			continue
		}
		sums[tone] = sums[tone].Add(e.State.Sub(ref).Scale(adv[i]))
		counts[tone]++
	}

	next := make(map[affect.Tone]affect.Vector, len(current))
	for t, v := range current {
		next[t] = v
	}
	steps := make(map[affect.Tone]float64)
	for tone, sum := range sums {
		delta := ClipStep(sum.Scale(rate/float64(counts[tone])), epsilon)
		if n := delta.Norm(); n > 1e-12 {
			next[tone] = current[tone].Add(delta)
			steps[tone] = n
		}
	}
	return next, steps
}

// ClipStep scales delta down so its norm is at most epsilon.
func ClipStep(delta affect.Vector, epsilon float64) affect.Vector {
	if !delta.Finite() {
		return affect.Vector{}
	}
	if n := delta.Norm(); n > epsilon && n > 0 {
		return delta.Scale(epsilon / n)
	}
	return delta
}
