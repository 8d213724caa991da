package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const defaultSubscriptionBuffer = 32

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Delivery never blocks the publisher: a subscriber with a full buffer
// loses the message and the loss is counted.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[*memorySubscription]struct{}
	dropped atomic.Int64
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

// Publish delivers payload to every subscription whose pattern matches.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}
	msg := Message{Subject: subject, Payload: append([]byte(nil), payload...), Timestamp: time.Now().UTC()}

	// Sending under the read lock keeps Close from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers pattern. The subscription ends on Close or when ctx
// is done.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error) {
	if pattern == "" {
		return nil, errors.New("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &memorySubscription{bus: b, pattern: pattern, ch: make(chan Message, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = sub.Close() })
	}
	return sub, nil
}

// Dropped counts messages lost to full subscriber buffers.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	ch      chan Message
	once    sync.Once
}

func (s *memorySubscription) C() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
