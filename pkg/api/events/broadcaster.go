// Package events fans conversation events out to in-process listeners
// such as websocket clients.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yyd/aurora/pkg/eventbus"
)

// Event is what listeners receive.
type Event struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Broadcaster copies events to every subscriber. Slow subscribers lose
// events rather than block the others.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	closed      bool
	dropped     atomic.Int64
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered channel. After Close it returns a
// closed channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast delivers event to every subscriber with room for it.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts events lost to full subscriber buffers.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

// Run broadcasts every conversation envelope published on bus until ctx
// is done or the subscription ends.
func (b *Broadcaster) Run(ctx context.Context, bus eventbus.Bus, logger *slog.Logger) error {
	sub, err := bus.Subscribe(ctx, eventbus.AllSubjects, 256)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			event, err := FromEnvelope(msg.Payload)
			if err != nil {
				logger.Debug("skipping undecodable event", "subject", msg.Subject, "error", err)
				continue
			}
			b.Broadcast(event)
		}
	}
}

// FromEnvelope converts an encoded eventbus envelope. The session id is
// the ordering key, or the payload's session_id when that is empty.
func FromEnvelope(raw []byte) (Event, error) {
	env, err := eventbus.ParseEnvelope(raw)
	if err != nil {
		return Event{}, err
	}
	sessionID := env.OrderingKey
	if sessionID == "" {
		var p struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		sessionID = p.SessionID
	}
	return Event{
		Type:      env.EventType,
		EventID:   env.EventID,
		SessionID: sessionID,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}, nil
}
