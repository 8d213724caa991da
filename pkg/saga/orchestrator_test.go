package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, BackoffFactor: 2}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func okStep(rec *recorder, id string) []StepOption {
	return []StepOption{
		Action(func(ctx context.Context, sc *StepContext) (any, error) {
			rec.add("do:" + id)
			return id + "-result", nil
		}),
		Compensate(func(ctx context.Context, cc *CompensationContext) error {
			rec.add("undo:" + id)
			return nil
		}),
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExecutePassesResultsForward(t *testing.T) {
	def, err := New("linear").
		Step("a", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			return "token", nil
		})).
		Step("b", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			if sc.Results["a"] != "token" {
				return nil, errors.New("missing result of a")
			}
			return "done", nil
		})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	store := NewMemoryStore()
	inst, err := NewOrchestrator(WithStore(store)).Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if inst.State != StateCompleted || !equal(inst.CompletedSteps, []string{"a", "b"}) {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if v, _ := inst.Result("b"); v != "done" {
		t.Fatalf("Result(b) = %v", v)
	}
	stored, err := store.Get(context.Background(), inst.ID)
	if err != nil || stored.State != StateCompleted || stored.FinishedAt == nil {
		t.Fatalf("stored instance = %+v, err = %v", stored, err)
	}
}

func TestFailureCompensatesCompletedStepsInReverse(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("delivery failed")
	def, err := New("turn").WithRetry(fastRetry()).
		Step("persist_inbound", okStep(rec, "persist_inbound")...).
		Step("decide", okStep(rec, "decide")...).
		Step("persist_outcome", okStep(rec, "persist_outcome")...).
		Step("notify",
			Action(func(ctx context.Context, sc *StepContext) (any, error) {
				rec.add("do:notify")
				return nil, boom
			}),
			Compensate(func(ctx context.Context, cc *CompensationContext) error {
				rec.add("undo:notify")
				return nil
			})).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	inst, err := NewOrchestrator().Execute(context.Background(), def, nil)
	if !errors.Is(err, ErrSagaFailed) || !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v, want ErrSagaFailed wrapping cause", err)
	}
	if inst.State != StateCompensated || inst.FailedStep != "notify" {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if inst.Attempts["notify"] != 3 {
		t.Fatalf("notify attempts = %d, want 3", inst.Attempts["notify"])
	}
	want := []string{
		"do:persist_inbound", "do:decide", "do:persist_outcome",
		"do:notify", "do:notify", "do:notify",
		"undo:persist_outcome", "undo:decide", "undo:persist_inbound",
	}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("calls = %v\nwant   %v", got, want)
	}
}

func TestStepRetrySucceedsBeforeExhaustion(t *testing.T) {
	attempts := 0
	def, _ := New("flaky").WithRetry(fastRetry()).
		Step("a", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			attempts++
			if sc.Attempt < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})).
		Build()

	inst, err := NewOrchestrator().Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if attempts != 3 || inst.State != StateCompleted {
		t.Fatalf("attempts=%d state=%s", attempts, inst.State)
	}
}

func TestStepRetryOverride(t *testing.T) {
	attempts := 0
	def, _ := New("no-retry").WithRetry(fastRetry()).
		Step("a", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			attempts++
			return nil, errors.New("permanent")
		}), StepRetry(0)).
		Build()

	if _, err := NewOrchestrator().Execute(context.Background(), def, nil); !errors.Is(err, ErrSagaFailed) {
		t.Fatalf("Execute() error = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestStepTimeoutTriggersCompensation(t *testing.T) {
	rec := &recorder{}
	def, _ := New("timeout").WithRetry(fastRetry()).
		Step("a", okStep(rec, "a")...).
		Step("slow", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), StepTimeout(5*time.Millisecond), StepRetry(1)).
		Build()

	inst, err := NewOrchestrator().Execute(context.Background(), def, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want deadline exceeded", err)
	}
	if inst.State != StateCompensated || !equal(rec.list(), []string{"do:a", "undo:a"}) {
		t.Fatalf("state=%s calls=%v", inst.State, rec.list())
	}
}

func TestCancelledContextStillCompensates(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	def, _ := New("cancel").WithRetry(fastRetry()).
		Step("a", okStep(rec, "a")...).
		Step("b", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		})).
		Build()

	inst, err := NewOrchestrator().Execute(ctx, def, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v", err)
	}
	if inst.Attempts["b"] != 1 {
		t.Fatalf("cancelled step retried: attempts=%d", inst.Attempts["b"])
	}
	if inst.State != StateCompensated || !equal(rec.list(), []string{"do:a", "undo:a"}) {
		t.Fatalf("state=%s calls=%v", inst.State, rec.list())
	}
}

func TestCompensationFailureIsReported(t *testing.T) {
	rec := &recorder{}
	undoErr := errors.New("cannot undo")
	def, _ := New("comp-fail").WithRetry(fastRetry()).
		Step("a", okStep(rec, "a")...).
		Step("b",
			Action(func(ctx context.Context, sc *StepContext) (any, error) { return "b", nil }),
			Compensate(func(ctx context.Context, cc *CompensationContext) error {
				rec.add("undo:b")
				return undoErr
			})).
		Step("c", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			return nil, errors.New("c failed")
		}), StepRetry(0)).
		Build()

	inst, err := NewOrchestrator().Execute(context.Background(), def, nil)
	if !errors.Is(err, ErrSagaFailed) || !errors.Is(err, undoErr) {
		t.Fatalf("Execute() error = %v", err)
	}
	if inst.State != StateCompensationFailed {
		t.Fatalf("state = %s", inst.State)
	}
	// b is retried by policy; a still compensates afterwards.
	want := []string{"do:a", "undo:b", "undo:b", "undo:b", "undo:a"}
	if got := rec.list(); !equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if !equal(inst.Compensated, []string{"a"}) {
		t.Fatalf("compensated = %v", inst.Compensated)
	}
}

func TestCompensationRunsOncePerKey(t *testing.T) {
	rec := &recorder{}
	idem := NewMemoryIdempotencyStore()
	def, _ := New("once").WithRetry(fastRetry()).
		Step("a", okStep(rec, "a")...).
		Step("b", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			return nil, errors.New("fail")
		}), StepRetry(0)).
		Build()

	o := NewOrchestrator(WithIdempotencyStore(idem))
	if _, err := o.ExecuteWithID(context.Background(), "fixed", def, nil); err == nil {
		t.Fatal("expected failure")
	}
	// A redelivered run under the same id must not undo a twice.
	if _, err := o.ExecuteWithID(context.Background(), "fixed", def, nil); err == nil {
		t.Fatal("expected failure")
	}
	undos := 0
	for _, c := range rec.list() {
		if c == "undo:a" {
			undos++
		}
	}
	if undos != 1 {
		t.Fatalf("undo:a ran %d times, want 1", undos)
	}
}

func TestCompensationReceivesStepResult(t *testing.T) {
	var got any
	def, _ := New("result").WithRetry(fastRetry()).
		Step("a",
			Action(func(ctx context.Context, sc *StepContext) (any, error) { return "msg-42", nil }),
			Compensate(func(ctx context.Context, cc *CompensationContext) error {
				got = cc.Result
				if cc.FailedStep != "b" || cc.Failure == nil {
					return errors.New("missing failure details")
				}
				return nil
			})).
		Step("b", Action(func(ctx context.Context, sc *StepContext) (any, error) {
			return nil, errors.New("fail")
		}), StepRetry(0)).
		Build()

	inst, _ := NewOrchestrator().Execute(context.Background(), def, "input")
	if inst.State != StateCompensated || got != "msg-42" {
		t.Fatalf("state=%s result=%v", inst.State, got)
	}
}

func TestBuildValidation(t *testing.T) {
	noop := Action(func(context.Context, *StepContext) (any, error) { return nil, nil })
	tests := []struct {
		name    string
		builder *Builder
	}{
		{"empty name", New("").Step("a", noop)},
		{"no steps", New("x")},
		{"missing action", New("x").Step("a")},
		{"duplicate step", New("x").Step("a", noop).Step("a", noop)},
		{"negative timeout", New("x").Step("a", noop, StepTimeout(-time.Second))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.builder.Build(); err == nil {
				t.Fatal("expected Build() error")
			}
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}
