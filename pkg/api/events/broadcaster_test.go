package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yyd/aurora/pkg/eventbus"
)

func TestBroadcaster_SubscribeBroadcastUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)

	b.Broadcast(Event{Type: "reply_sent", SessionID: "s-1"})
	select {
	case event := <-ch:
		if event.Type != "reply_sent" || event.Timestamp.IsZero() {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast event")
	}

	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(ch)
}

func TestBroadcaster_DropsOnFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)
	b.Broadcast(Event{Type: "a"})
	b.Broadcast(Event{Type: "b"})

	if got := (<-ch).Type; got != "a" {
		t.Errorf("first event = %s, want a", got)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
}

func TestFromEnvelope(t *testing.T) {
	env, err := eventbus.NewEnvelope("evt-1", "handoff_created", "s-9", map[string]string{"reason": "negative_sentiment"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	raw, _ := json.Marshal(env)

	event, err := FromEnvelope(raw)
	if err != nil {
		t.Fatalf("FromEnvelope() error = %v", err)
	}
	if event.Type != "handoff_created" || event.SessionID != "s-9" || event.EventID != "evt-1" {
		t.Errorf("event = %+v", event)
	}

	env.OrderingKey = ""
	env.Payload = json.RawMessage(`{"session_id":"s-from-payload"}`)
	raw, _ = json.Marshal(env)
	if event, _ := FromEnvelope(raw); event.SessionID != "s-from-payload" {
		t.Errorf("session id = %q, want s-from-payload", event.SessionID)
	}

	if _, err := FromEnvelope([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestBroadcaster_RunForwardsBusEvents(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := eventbus.NewMemoryBus()
	b := NewBroadcaster()
	ch := b.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, bus, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	env, _ := eventbus.NewEnvelope("evt-2", "reply_sent", "s-1", map[string]string{})
	raw, _ := json.Marshal(env)

	deadline := time.After(2 * time.Second)
	for received := false; !received; {
		// The subscription may not be registered yet; republish until seen.
		_ = bus.Publish(ctx, env.Subject, raw)
		select {
		case event := <-ch:
			if event.EventID != "evt-2" {
				t.Fatalf("event = %+v", event)
			}
			received = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event forwarded")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
