package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists instances after every transition.
func WithStore(store Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithIdempotencyStore replaces the process-local compensation ledger.
func WithIdempotencyStore(store IdempotencyStore) Option {
	return func(o *Orchestrator) { o.idempotency = store }
}

// WithMetrics wires a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator executes saga definitions.
type Orchestrator struct {
	store       Store
	idempotency IdempotencyStore
	metrics     MetricsRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator backed by a memory store unless
// WithStore is given.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       NewMemoryStore(),
		idempotency: NewMemoryIdempotencyStore(),
		metrics:     nopMetricsRecorder{},
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = o.logger.With("component", "saga")
	return o
}

// Execute runs def under a fresh instance id.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, input any) (*Instance, error) {
	return o.ExecuteWithID(ctx, uuid.NewString(), def, input)
}

// ExecuteWithID runs def to a terminal state. When a step exhausts its
// retries the completed steps are compensated and the returned error
// wraps ErrSagaFailed and the step's error. The returned instance still
// carries the step results.
func (o *Orchestrator) ExecuteWithID(ctx context.Context, sagaID string, def *Definition, input any) (inst *Instance, err error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	started := o.now()
	inst = newInstance(sagaID, def.Name, started)
	o.save(ctx, inst)

	ctx, span := startSpan(ctx, spanExecute, sagaID, def.Name, "")
	defer func() {
		endSpan(span, err)
		o.metrics.RecordSagaExecution(def.Name, inst.State.String(), o.now().Sub(started))
	}()

	if err := inst.transition(StateRunning, o.now()); err != nil {
		return inst, err
	}
	o.save(ctx, inst)

	runCtx, cancel := withTimeout(ctx, def.Timeout)
	defer cancel()

	for _, step := range def.Steps {
		result, stepErr := o.runStep(runCtx, def, inst, step, input)
		if stepErr != nil {
			return inst, o.fail(ctx, def, inst, step.ID, input, stepErr)
		}
		inst.completeStep(step.ID, result, o.now())
		o.save(ctx, inst)
	}

	if err := inst.transition(StateCompleted, o.now()); err != nil {
		return inst, err
	}
	o.save(ctx, inst)
	return inst, nil
}

// fail compensates and builds the returned error. Compensation ignores
// the caller's cancellation so a cancelled turn still rolls back.
func (o *Orchestrator) fail(ctx context.Context, def *Definition, inst *Instance, stepID string, input any, cause error) error {
	inst.FailedStep = stepID
	inst.Failure = cause.Error()
	_ = inst.transition(StateCompensating, o.now())
	o.save(ctx, inst)

	o.logger.Warn("saga step failed, compensating",
		"saga_id", inst.ID, "saga", def.Name, "step", stepID, "completed", len(inst.CompletedSteps), "error", cause)

	compErr := o.compensate(context.WithoutCancel(ctx), def, inst, input, cause)
	if compErr != nil {
		_ = inst.transition(StateCompensationFailed, o.now())
		o.save(ctx, inst)
		o.logger.Error("saga compensation failed", "saga_id", inst.ID, "saga", def.Name, "error", compErr)
		return fmt.Errorf("%w: step %q: %w (compensation: %w)", ErrSagaFailed, stepID, cause, compErr)
	}
	_ = inst.transition(StateCompensated, o.now())
	o.save(ctx, inst)
	return fmt.Errorf("%w: step %q: %w", ErrSagaFailed, stepID, cause)
}

func (o *Orchestrator) runStep(ctx context.Context, def *Definition, inst *Instance, step *Step, input any) (result any, err error) {
	ctx, span := startSpan(ctx, spanStep, inst.ID, def.Name, step.ID)
	defer func() { endSpan(span, err) }()

	results := make(map[string]any, len(inst.results))
	for k, v := range inst.results {
		results[k] = v
	}
	retries := step.retries(def)
	for attempt := 0; ; attempt++ {
		inst.Attempts[step.ID] = attempt + 1
		attemptCtx, cancel := withTimeout(ctx, step.timeout(def))
		result, err = step.Action(attemptCtx, &StepContext{
			SagaID:  inst.ID,
			StepID:  step.ID,
			Attempt: attempt + 1,
			Input:   input,
			Results: results,
		})
		if err == nil && attemptCtx.Err() != nil {
			err = attemptCtx.Err()
		}
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt >= retries {
			return nil, fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}
		o.metrics.RecordStepRetry(def.Name, step.ID)
		o.logger.Debug("retrying saga step", "saga_id", inst.ID, "step", step.ID, "attempt", attempt+1, "error", err)
		if werr := sleep(ctx, def.Retry.Backoff(attempt)); werr != nil {
			return nil, err
		}
	}
}

// Get returns a stored instance.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*Instance, error) {
	return o.store.Get(ctx, sagaID)
}

// List returns stored instances.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	return o.store.List(ctx, filter)
}

func (o *Orchestrator) save(ctx context.Context, inst *Instance) {
	if err := o.store.Save(context.WithoutCancel(ctx), inst); err != nil {
		o.logger.Warn("saga instance not persisted", "saga_id", inst.ID, "state", inst.State.String(), "error", err)
	}
}
