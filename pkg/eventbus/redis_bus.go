package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus carries events over Redis PUBLISH/PSUBSCRIBE so several
// Aurora nodes and external consumers share one stream.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBus creates a bus whose channels are named prefix+subject.
func NewRedisBus(client redis.UniversalClient, prefix string) *RedisBus {
	return &RedisBus{client: client, prefix: prefix}
}

// Publish sends payload on the subject's channel.
func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	if err := b.client.Publish(ctx, b.prefix+subject, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe pattern-subscribes and forwards matching messages until
// Close or ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = 32
	}
	ps := b.client.PSubscribe(ctx, b.prefix+redisGlob(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("eventbus: redis subscribe %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		ps:     ps,
		ch:     make(chan Message, buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.forward(subCtx, b.prefix, pattern)
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) C() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *redisSubscription) forward(ctx context.Context, prefix, pattern string) {
	defer close(s.done)
	defer close(s.ch)
	defer s.ps.Close()
	in := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			subject := strings.TrimPrefix(m.Channel, prefix)
			if !subjectMatches(pattern, subject) {
				continue
			}
			msg := Message{Subject: subject, Payload: []byte(m.Payload), Timestamp: time.Now().UTC()}
			select {
			case s.ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// redisGlob converts a subject pattern to a Redis glob. Redis "*" also
// spans dots, so forwarded messages are re-checked with subjectMatches.
func redisGlob(pattern string) string {
	if pattern == ">" {
		return "*"
	}
	parts := strings.Split(pattern, ".")
	for i, p := range parts {
		if p == ">" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}
