package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/provider"
	"go.uber.org/goleak"
)

type flakyTransport struct {
	bus       *MemoryBus
	failCount atomic.Int32
}

func (t *flakyTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if t.failCount.Load() > 0 {
		t.failCount.Add(-1)
		return errors.New("simulated redis outage")
	}
	return t.bus.Publish(ctx, subject, payload)
}

type telemetryProbe struct {
	outages    atomic.Int32
	recoveries atomic.Int32
	retries    atomic.Int32
}

func (p *telemetryProbe) RecordPublish(status string) {}
func (p *telemetryProbe) RecordRetry()                { p.retries.Add(1) }
func (p *telemetryProbe) SetDegradedMode(active bool) {}
func (p *telemetryProbe) RecordOutage()               { p.outages.Add(1) }
func (p *telemetryProbe) RecordRecovery()             { p.recoveries.Add(1) }

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, BackoffFactor: 2}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{AllSubjects, Subject(events.TypeReplySent), true},
		{Subject(events.TypeReplySent), Subject(events.TypeReplySent), true},
		{Subject(events.TypeReplySent), Subject(events.TypeHandoffCreated), false},
		{"aurora.v1.*.reply_sent", "aurora.v1.conversation.reply_sent", true},
		{"aurora.v1.*", "aurora.v1.conversation.reply_sent", false},
		{">", "anything.at.all", true},
		{"aurora.v2.>", "aurora.v1.conversation.reply_sent", false},
	}
	for _, tt := range tests {
		if got := subjectMatches(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
	if got := redisGlob("aurora.v1.conversation.>"); got != "aurora.v1.conversation.*" {
		t.Errorf("redisGlob = %q", got)
	}
}

func TestPublisher_OrderingAndDedup(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background(), AllSubjects, 16)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	publisher, err := NewPublisher("node-1", bus, DefaultRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := publisher.Publish(ctx, Event{
			Type:        events.TypeReplySent,
			OrderingKey: "s-1",
			Payload:     events.ReplySent{SessionID: "s-1", MessageID: "m", Channel: "web", Source: "template"},
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	sequences := make([]int64, 0, 3)
	var firstRaw []byte
	for len(sequences) < 3 {
		select {
		case msg := <-sub.C():
			if firstRaw == nil {
				firstRaw = append([]byte(nil), msg.Payload...)
			}
			var env Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				t.Fatalf("json.Unmarshal() error = %v", err)
			}
			if msg.Subject != Subject(events.TypeReplySent) || env.Subject != msg.Subject {
				t.Fatalf("unexpected subject %q / %q", msg.Subject, env.Subject)
			}
			sequences = append(sequences, env.Sequence)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for messages, got=%d", len(sequences))
		}
	}
	if sequences[0] != 1 || sequences[1] != 2 || sequences[2] != 3 {
		t.Fatalf("expected sequence [1 2 3], got %v", sequences)
	}

	receiver := NewReceiver(ConversationContracts(), 2)
	if _, fresh, err := receiver.Receive(firstRaw); err != nil || !fresh {
		t.Fatalf("first receive: fresh=%v err=%v", fresh, err)
	}
	if _, fresh, err := receiver.Receive(firstRaw); err != nil || fresh {
		t.Fatalf("second receive: fresh=%v err=%v", fresh, err)
	}
}

func TestReceiver_ForgetsOldestID(t *testing.T) {
	receiver := NewReceiver(nil, 2)
	raw := func(id string) []byte {
		env, err := NewEnvelope(id, events.TypeReplySent, "s-1", map[string]string{})
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		b, _ := json.Marshal(env)
		return b
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, fresh, err := receiver.Receive(raw(id)); err != nil || !fresh {
			t.Fatalf("receive %s: fresh=%v err=%v", id, fresh, err)
		}
	}
	// "a" was evicted by "c"; "c" is still remembered.
	if _, fresh, _ := receiver.Receive(raw("a")); !fresh {
		t.Fatal("expected evicted id to be fresh again")
	}
	if _, fresh, _ := receiver.Receive(raw("c")); fresh {
		t.Fatal("expected recent id to be a duplicate")
	}
	if _, _, err := receiver.Receive([]byte("{")); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestContracts_Check(t *testing.T) {
	contracts := ConversationContracts()
	env, err := NewEnvelope("e-1", events.TypeReplySent, "s-1",
		events.ReplySent{SessionID: "s-1", MessageID: "m", Channel: "web", Source: "template"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if err := contracts.Check(env); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("unstamped envelope should fail, got %v", err)
	}
	env.Source, env.Sequence = "node-1", 1
	if err := contracts.Check(env); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	env.Payload = json.RawMessage(`{"session_id":"s-1"}`)
	if err := contracts.Check(env); err == nil {
		t.Fatal("expected missing field error")
	}
	env.SchemaVersion = "v2"
	if err := contracts.Check(env); err != nil {
		t.Fatalf("other schema versions skip payload contracts, got %v", err)
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	c := RetryConfig{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffFactor: 2}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	for i, w := range want {
		if got := c.delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}
	if err := (RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Millisecond, BackoffFactor: 2}).validate(); err == nil {
		t.Error("expected error for max below initial backoff")
	}
}

func TestPublisher_RejectsPayloadMissingRequiredFields(t *testing.T) {
	publisher, err := NewPublisher("node-1", NewMemoryBus(), DefaultRetryConfig(), nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	_, err = publisher.Publish(context.Background(), Event{
		Type:        events.TypeHandoffCreated,
		OrderingKey: "s-1",
		Payload:     map[string]any{"session_id": "s-1"},
	})
	if err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestPublisher_DegradedModeOutageRecovery(t *testing.T) {
	transport := &flakyTransport{bus: NewMemoryBus()}
	transport.failCount.Store(4)

	telemetry := &telemetryProbe{}
	publisher, err := NewPublisher("node-1", transport, fastRetry(), telemetry)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	event := Event{
		Type:        events.TypeTurnDeadLettered,
		OrderingKey: "s-1",
		Payload:     events.TurnDeadLettered{EventID: "e-1", SessionID: "s-1", Error: "boom"},
	}
	if _, err := publisher.Publish(context.Background(), event); err == nil {
		t.Fatal("expected publish failure during outage")
	}
	if !publisher.Degraded() {
		t.Fatal("expected publisher to enter degraded mode")
	}
	if telemetry.outages.Load() != 1 || telemetry.retries.Load() == 0 {
		t.Fatalf("outages=%d retries=%d", telemetry.outages.Load(), telemetry.retries.Load())
	}

	transport.failCount.Store(0)
	if _, err := publisher.Publish(context.Background(), event); err != nil {
		t.Fatalf("expected publish success after recovery, got %v", err)
	}
	if publisher.Degraded() {
		t.Fatal("expected publisher to leave degraded mode after recovery")
	}
	if telemetry.recoveries.Load() != 1 {
		t.Fatalf("recoveries = %d", telemetry.recoveries.Load())
	}
}

func TestMemoryBus_ContextEndsSubscription(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, AllSubjects, 1)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	if err := bus.Publish(context.Background(), Subject(events.TypeReplySent), []byte("{}")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	_ = sub.Close()
}

func TestBusChannel_Send(t *testing.T) {
	bus := NewMemoryBus()
	sub, _ := bus.Subscribe(context.Background(), Subject(events.TypeReplyOutbound), 4)
	defer sub.Close()
	publisher, _ := NewPublisher("node-1", bus, DefaultRetryConfig(), nil)

	ch := NewBusChannel("whatsapp", publisher)
	ack, err := ch.Send(context.Background(), provider.Outbound{SessionID: "s-9", Text: "Hello!", IdempotencyKey: "e-7"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if ack.Channel != "whatsapp" || ack.ReceiptID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	msg := <-sub.C()
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	var out events.ReplyOutbound
	if err := env.DecodePayload(&out); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if out.Text != "Hello!" || out.SessionID != "s-9" || env.EventID != ack.ReceiptID {
		t.Fatalf("unexpected outbound %+v", out)
	}
	if out.IdempotencyKey != "e-7" || env.EventID != "reply-e-7" {
		t.Fatalf("resends must share an id: key %q, envelope %q", out.IdempotencyKey, env.EventID)
	}
}

func TestInboundConsumer_DeliversOncePerEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemoryBus()
	publisher, _ := NewPublisher("gateway", bus, DefaultRetryConfig(), nil)

	var mu sync.Mutex
	got := map[string][]string{}
	done := make(chan struct{}, 16)
	consumer := NewInboundConsumer(bus, func(ctx context.Context, msg events.InboundMessage) error {
		mu.Lock()
		got[msg.SessionID] = append(got[msg.SessionID], msg.Text)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, 3, nil)
	if err := consumer.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := consumer.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}

	ctx := context.Background()
	send := func(id, session, text string) {
		t.Helper()
		_, err := publisher.Publish(ctx, Event{
			ID:          id,
			Type:        events.TypeInboundMessage,
			OrderingKey: session,
			Payload:     events.InboundMessage{ID: id, SessionID: session, Text: text},
		})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	send("e1", "a", "one")
	send("e2", "a", "two")
	send("e1", "a", "one again")
	send("e3", "b", "hello")
	send("e4", "a", "three")

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d messages", i)
		}
	}
	consumer.Stop()
	consumer.Stop()

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"one", "two", "three"}; len(got["a"]) != 3 || got["a"][0] != want[0] || got["a"][2] != want[2] {
		t.Fatalf("session a got %v, want %v", got["a"], want)
	}
	if len(got["b"]) != 1 {
		t.Fatalf("session b got %v", got["b"])
	}
}
