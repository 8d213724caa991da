package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/yyd/aurora/pkg/events"
)

func letter(id string, at time.Time) *DeadLetter {
	return &DeadLetter{
		ID:         id,
		Message:    events.InboundMessage{ID: id, SessionID: "s-1", Text: "hi"},
		FailedStep: StepNotify,
		Error:      "channel down",
		Attempts:   1,
		CreatedAt:  at,
	}
}

// exerciseQueue expects a queue with capacity 2.
func exerciseQueue(t *testing.T, q DeadLetterQueue) {
	const capacity = 2
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := q.Push(ctx, letter(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Push(%s) error = %v", id, err)
		}
	}

	// Re-pushing keeps the first CreatedAt and adds the attempts.
	again := letter("b", base.Add(time.Hour))
	again.Error = "still down"
	if err := q.Push(ctx, again); err != nil {
		t.Fatalf("Push(b) again error = %v", err)
	}
	got, err := q.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get(b) error = %v", err)
	}
	if got.Attempts != 2 || !got.CreatedAt.Equal(base.Add(time.Minute)) || got.Error != "still down" {
		t.Errorf("merged letter = %+v", got)
	}

	list, err := q.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != capacity {
		t.Fatalf("List() = %d letters, want %d", len(list), capacity)
	}
	if list[0].ID != "b" {
		t.Errorf("oldest = %s, want b after eviction of a", list[0].ID)
	}
	if _, err := q.Get(ctx, "a"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get(a) error = %v, want ErrDeadLetterNotFound", err)
	}

	limited, _ := q.List(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("List(1) = %d letters", len(limited))
	}

	if err := q.Remove(ctx, "c"); err != nil {
		t.Fatalf("Remove(c) error = %v", err)
	}
	if err := q.Remove(ctx, "c"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("second Remove(c) error = %v, want ErrDeadLetterNotFound", err)
	}
	if n, _ := q.Len(ctx); n != capacity-1 {
		t.Errorf("Len() = %d, want %d", n, capacity-1)
	}
	if err := q.Push(ctx, &DeadLetter{}); err == nil {
		t.Error("Push without id should fail")
	}
}

func TestMemoryDeadLetters(t *testing.T) {
	q := NewMemoryDeadLetters(2)
	exerciseQueue(t, q)
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
}

func TestBadgerDeadLetters(t *testing.T) {
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := NewBadgerDeadLetters(nil, 1); err == nil {
		t.Error("NewBadgerDeadLetters(nil) should fail")
	}
	q, err := NewBadgerDeadLetters(db, 2)
	if err != nil {
		t.Fatalf("NewBadgerDeadLetters() error = %v", err)
	}
	exerciseQueue(t, q)

	// Letters survive a new handle on the same database.
	reopened, _ := NewBadgerDeadLetters(db, 2)
	got, err := reopened.Get(context.Background(), "b")
	if err != nil || got.Message.SessionID != "s-1" {
		t.Errorf("Get(b) = %+v, %v", got, err)
	}
}
