package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// IdempotencyStore records which compensations already ran.
type IdempotencyStore interface {
	// Claim marks key and reports whether it was unmarked before.
	Claim(key string) bool
	// Release unmarks key so a failed compensation may be retried.
	Release(key string)
}

// MemoryIdempotencyStore is a process-local IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]struct{})}
}

func (s *MemoryIdempotencyStore) Claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *MemoryIdempotencyStore) Release(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

// CompensationKey is the idempotency key of one step's compensation.
func CompensationKey(sagaID, stepID string) string {
	return sagaID + ":" + stepID
}

// compensate undoes completed steps newest first. A compensation that
// keeps failing does not stop the others; all failures are joined.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *Instance, input any, cause error) error {
	var errs []error
	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		stepID := inst.CompletedSteps[i]
		step := def.step(stepID)
		if step == nil || step.Compensation == nil || inst.compensated(stepID) {
			continue
		}
		key := CompensationKey(inst.ID, stepID)
		if !o.idempotency.Claim(key) {
			continue
		}
		if err := o.compensateStep(ctx, def, inst, step, input, cause); err != nil {
			o.idempotency.Release(key)
			o.metrics.RecordCompensation(def.Name, "failed")
			errs = append(errs, err)
			continue
		}
		o.metrics.RecordCompensation(def.Name, "success")
		inst.Compensated = append(inst.Compensated, stepID)
		inst.UpdatedAt = o.now()
		o.save(ctx, inst)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) compensateStep(ctx context.Context, def *Definition, inst *Instance, step *Step, input any, cause error) (err error) {
	ctx, span := startSpan(ctx, spanCompensate, inst.ID, def.Name, step.ID)
	defer func() { endSpan(span, err) }()

	result, _ := inst.Result(step.ID)
	cc := &CompensationContext{
		SagaID:     inst.ID,
		StepID:     step.ID,
		FailedStep: inst.FailedStep,
		Failure:    cause,
		Input:      input,
		Result:     result,
	}
	retries := step.retries(def)
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := withTimeout(ctx, step.timeout(def))
		err = step.Compensation(attemptCtx, cc)
		cancel()
		if err == nil {
			return nil
		}
		o.logger.Warn("compensation attempt failed",
			"saga_id", inst.ID, "step", step.ID, "attempt", attempt+1, "error", err)
		if attempt >= retries {
			return fmt.Errorf("saga: compensate %q after %d attempts: %w", step.ID, attempt+1, err)
		}
		if werr := sleep(ctx, def.Retry.Backoff(attempt)); werr != nil {
			return fmt.Errorf("saga: compensate %q: %w", step.ID, werr)
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
