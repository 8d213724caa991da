// Package saga runs a fixed list of steps with per-step retries and
// timeouts, compensating completed steps in reverse order when a step
// exhausts its retries.
package saga

import (
	"errors"
	"fmt"
	"time"
)

// ErrSagaFailed wraps the error of a step that exhausted its retries.
var ErrSagaFailed = errors.New("saga: failed")

// ErrNotFound is returned when a saga instance cannot be located.
var ErrNotFound = errors.New("saga: instance not found")

// RetryPolicy controls step and compensation retries.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryPolicy returns two retries from 100ms doubling up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

// Backoff returns the wait before retry number attempt (zero-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Definition is an immutable, validated list of steps.
type Definition struct {
	Name        string
	Steps       []*Step
	Timeout     time.Duration
	StepTimeout time.Duration
	Retry       RetryPolicy
}

// Builder assembles a Definition.
type Builder struct {
	def  *Definition
	ids  map[string]struct{}
	errs []error
}

// New starts a definition named name.
func New(name string) *Builder {
	return &Builder{
		def: &Definition{
			Name:        name,
			StepTimeout: 10 * time.Second,
			Retry:       DefaultRetryPolicy(),
		},
		ids: make(map[string]struct{}),
	}
}

// Step appends a step. Steps run in the order they are added.
func (b *Builder) Step(id string, opts ...StepOption) *Builder {
	step := &Step{ID: id, maxRetries: -1}
	for _, opt := range opts {
		if opt != nil {
			opt(step)
		}
	}
	if _, dup := b.ids[id]; dup {
		b.errs = append(b.errs, fmt.Errorf("saga: duplicate step %q", id))
		return b
	}
	b.ids[id] = struct{}{}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithTimeout bounds the whole forward run.
func (b *Builder) WithTimeout(d time.Duration) *Builder {
	b.def.Timeout = d
	return b
}

// WithStepTimeout sets the timeout of steps that do not declare one.
func (b *Builder) WithStepTimeout(d time.Duration) *Builder {
	b.def.StepTimeout = d
	return b
}

// WithRetry sets the retry policy of steps that do not declare one.
func (b *Builder) WithRetry(p RetryPolicy) *Builder {
	b.def.Retry = p
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	steps := make([]*Step, len(b.def.Steps))
	for i, s := range b.def.Steps {
		c := *s
		steps[i] = &c
	}
	def := *b.def
	def.Steps = steps
	return &def, nil
}

// Validate checks the definition is runnable.
func (d *Definition) Validate() error {
	if d == nil {
		return errors.New("saga: definition cannot be nil")
	}
	if d.Name == "" {
		return errors.New("saga: name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %q: at least one step is required", d.Name)
	}
	if d.Timeout < 0 || d.StepTimeout < 0 {
		return fmt.Errorf("saga %q: timeouts cannot be negative", d.Name)
	}
	if d.Retry.MaxRetries < 0 {
		return fmt.Errorf("saga %q: max retries cannot be negative", d.Name)
	}
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("saga %q: step id cannot be empty", d.Name)
		}
		if s.Action == nil {
			return fmt.Errorf("saga %q: step %q has no action", d.Name, s.ID)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("saga %q: step %q timeout cannot be negative", d.Name, s.ID)
		}
	}
	return nil
}

func (d *Definition) step(id string) *Step {
	for _, s := range d.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
