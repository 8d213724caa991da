package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/yyd/aurora/pkg/events"
)

// ErrDeadLetterNotFound is returned for an unknown dead letter id.
var ErrDeadLetterNotFound = errors.New("conversation: dead letter not found")

// DeadLetter is a turn that failed after its retries and compensations.
// ID is the inbound event id.
type DeadLetter struct {
	ID         string                `json:"id"`
	Message    events.InboundMessage `json:"message"`
	SagaID     string                `json:"saga_id,omitempty"`
	FailedStep string                `json:"failed_step,omitempty"`
	SagaState  string                `json:"saga_state,omitempty"`
	Error      string                `json:"error"`
	// Attempts counts how many times the turn was run, reprocessing included.
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// DeadLetterQueue holds failed turns for manual or scheduled
// reprocessing. Push upserts by ID, keeping the first CreatedAt and
// adding the attempts.
type DeadLetterQueue interface {
	Push(ctx context.Context, dl *DeadLetter) error
	Get(ctx context.Context, id string) (*DeadLetter, error)
	// List returns up to limit letters, oldest first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

func merge(existing, dl *DeadLetter) *DeadLetter {
	out := *dl
	if existing != nil {
		out.CreatedAt = existing.CreatedAt
		out.Attempts += existing.Attempts
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.LastAttemptAt.IsZero() {
		out.LastAttemptAt = out.CreatedAt
	}
	return &out
}

func oldestFirst(items []*DeadLetter) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// MemoryDeadLetters is a bounded in-process queue. When full, the oldest
// letter is dropped to make room.
type MemoryDeadLetters struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*DeadLetter
	dropped  int64
}

// NewMemoryDeadLetters creates a queue holding at most capacity letters.
func NewMemoryDeadLetters(capacity int) *MemoryDeadLetters {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetters{capacity: capacity, items: make(map[string]*DeadLetter)}
}

func (q *MemoryDeadLetters) Push(ctx context.Context, dl *DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return errors.New("conversation: dead letter needs an id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items[dl.ID] = merge(q.items[dl.ID], dl)
	for len(q.items) > q.capacity {
		all := q.sortedLocked()
		delete(q.items, all[0].ID)
		q.dropped++
	}
	return nil
}

func (q *MemoryDeadLetters) Get(ctx context.Context, id string) (*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dl, ok := q.items[id]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	out := *dl
	return &out, nil
}

func (q *MemoryDeadLetters) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.sortedLocked()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*DeadLetter, len(all))
	for i, dl := range all {
		c := *dl
		out[i] = &c
	}
	return out, nil
}

func (q *MemoryDeadLetters) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(q.items, id)
	return nil
}

func (q *MemoryDeadLetters) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Dropped counts letters evicted because the queue was full.
func (q *MemoryDeadLetters) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *MemoryDeadLetters) sortedLocked() []*DeadLetter {
	all := make([]*DeadLetter, 0, len(q.items))
	for _, dl := range q.items {
		all = append(all, dl)
	}
	oldestFirst(all)
	return all
}

const deadLetterPrefix = "deadletter/"

// BadgerDeadLetters persists dead letters in a Badger database that may
// be shared with the record store.
type BadgerDeadLetters struct {
	db       *badger.DB
	capacity int
	// mu makes the capacity check and the insert atomic.
	mu sync.Mutex
}

// NewBadgerDeadLetters wraps an open database.
func NewBadgerDeadLetters(db *badger.DB, capacity int) (*BadgerDeadLetters, error) {
	if db == nil {
		return nil, errors.New("conversation: badger db cannot be nil")
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &BadgerDeadLetters{db: db, capacity: capacity}, nil
}

func (q *BadgerDeadLetters) Push(ctx context.Context, dl *DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return errors.New("conversation: dead letter needs an id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(txn *badger.Txn) error {
		existing, err := getDeadLetter(txn, dl.ID)
		if err != nil && !errors.Is(err, ErrDeadLetterNotFound) {
			return err
		}
		data, err := json.Marshal(merge(existing, dl))
		if err != nil {
			return fmt.Errorf("conversation: marshal dead letter: %w", err)
		}
		if err := txn.Set([]byte(deadLetterPrefix+dl.ID), data); err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		all, err := listDeadLetters(ctx, txn)
		if err != nil {
			return err
		}
		for i := 0; i < len(all)-q.capacity; i++ {
			if err := txn.Delete([]byte(deadLetterPrefix + all[i].ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *BadgerDeadLetters) Get(ctx context.Context, id string) (*DeadLetter, error) {
	var dl *DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		dl, err = getDeadLetter(txn, id)
		return err
	})
	return dl, err
}

func (q *BadgerDeadLetters) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	var all []*DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = listDeadLetters(ctx, txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (q *BadgerDeadLetters) Remove(ctx context.Context, id string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		if _, err := getDeadLetter(txn, id); err != nil {
			return err
		}
		return txn.Delete([]byte(deadLetterPrefix + id))
	})
}

func (q *BadgerDeadLetters) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func getDeadLetter(txn *badger.Txn, id string) (*DeadLetter, error) {
	item, err := txn.Get([]byte(deadLetterPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &dl) }); err != nil {
		return nil, fmt.Errorf("conversation: decode dead letter %s: %w", id, err)
	}
	return &dl, nil
}

func listDeadLetters(ctx context.Context, txn *badger.Txn) ([]*DeadLetter, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(deadLetterPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var all []*DeadLetter
	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var dl DeadLetter
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &dl) }); err != nil {
			continue
		}
		all = append(all, &dl)
	}
	oldestFirst(all)
	return all, nil
}
