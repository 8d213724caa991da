package saga

import (
	"context"
	"time"
)

// ActionFunc executes a forward step.
type ActionFunc func(ctx context.Context, sc *StepContext) (any, error)

// CompensationFunc undoes a completed step.
type CompensationFunc func(ctx context.Context, cc *CompensationContext) error

// StepContext is passed to forward actions.
type StepContext struct {
	SagaID string
	StepID string
	// Attempt is 1 on the first try.
	Attempt int
	Input   any
	// Results holds the outputs of the steps completed so far.
	Results map[string]any
}

// CompensationContext is passed to compensations.
type CompensationContext struct {
	SagaID     string
	StepID     string
	FailedStep string
	Failure    error
	Input      any
	// Result is what the step's action returned.
	Result any
}

// Step is one unit of a saga.
type Step struct {
	ID           string
	Action       ActionFunc
	Compensation CompensationFunc
	Timeout      time.Duration

	// maxRetries < 0 inherits the definition policy.
	maxRetries int
}

// StepOption configures a step.
type StepOption func(*Step)

// Action sets the forward action.
func Action(fn ActionFunc) StepOption {
	return func(s *Step) { s.Action = fn }
}

// Compensate sets the compensation.
func Compensate(fn CompensationFunc) StepOption {
	return func(s *Step) { s.Compensation = fn }
}

// StepTimeout bounds each attempt of the step.
func StepTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Timeout = d }
}

// StepRetry overrides the number of retries after the first attempt.
func StepRetry(n int) StepOption {
	return func(s *Step) {
		if n < 0 {
			n = 0
		}
		s.maxRetries = n
	}
}

func (s *Step) retries(def *Definition) int {
	if s.maxRetries >= 0 {
		return s.maxRetries
	}
	return def.Retry.MaxRetries
}

func (s *Step) timeout(def *Definition) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def.StepTimeout
}
