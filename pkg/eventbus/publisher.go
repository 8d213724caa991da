package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Telemetry records publish outcomes and degraded-mode transitions.
type Telemetry interface {
	RecordPublish(status string)
	RecordRetry()
	SetDegradedMode(active bool)
	RecordOutage()
	RecordRecovery()
}

type nopTelemetry struct{}

func (nopTelemetry) RecordPublish(string) {}
func (nopTelemetry) RecordRetry()         {}
func (nopTelemetry) SetDegradedMode(bool) {}
func (nopTelemetry) RecordOutage()        {}
func (nopTelemetry) RecordRecovery()      {}

// RetryConfig is the backoff applied to failed transport publishes.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig retries three times, from 50ms doubling up to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

func (c RetryConfig) validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.New("eventbus: max retries cannot be negative")
	case c.InitialBackoff <= 0, c.MaxBackoff < c.InitialBackoff:
		return errors.New("eventbus: backoff bounds must be positive and ordered")
	case c.BackoffFactor < 1:
		return errors.New("eventbus: backoff factor must be at least 1")
	}
	return nil
}

// delay returns the wait before retry n (0-based).
func (c RetryConfig) delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < n; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

// Event is the publish input.
type Event struct {
	// ID becomes the envelope event id; generated when empty.
	ID          string
	Type        string
	OrderingKey string
	Payload     any
}

// Publisher stamps events with a per-ordering-key sequence and publishes
// them, retrying transport failures. The bus counts as degraded from the
// first failed attempt until the next successful publish.
type Publisher struct {
	transport Transport
	source    string
	retry     RetryConfig
	telemetry Telemetry
	contracts *Contracts

	seqMu     sync.Mutex
	sequences map[string]int64

	degraded atomic.Bool
}

// NewPublisher creates a publisher identifying itself as source.
func NewPublisher(source string, transport Transport, retry RetryConfig, telemetry Telemetry) (*Publisher, error) {
	if source == "" {
		return nil, errors.New("eventbus: source cannot be empty")
	}
	if transport == nil {
		return nil, errors.New("eventbus: transport cannot be nil")
	}
	if err := retry.validate(); err != nil {
		return nil, err
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Publisher{
		transport: transport,
		source:    source,
		retry:     retry,
		telemetry: telemetry,
		contracts: ConversationContracts(),
		sequences: make(map[string]int64),
	}, nil
}

// Publish sends an event and returns the envelope that went out.
func (p *Publisher) Publish(ctx context.Context, event Event) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	if event.OrderingKey == "" {
		return Envelope{}, fmt.Errorf("%w: ordering key is required", ErrInvalidEnvelope)
	}
	env, err := NewEnvelope(event.ID, event.Type, event.OrderingKey, event.Payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Source = p.source
	env.Sequence = p.nextSequence(event.OrderingKey)
	if err := p.contracts.Check(env); err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: encode envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if lastErr = p.transport.Publish(ctx, env.Subject, body); lastErr == nil {
			p.telemetry.RecordPublish("success")
			p.markHealthy()
			return env, nil
		}
		p.markDegraded()
		if attempt >= p.retry.MaxRetries {
			break
		}
		p.telemetry.RecordRetry()
		timer := time.NewTimer(p.retry.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.telemetry.RecordPublish("cancelled")
			return Envelope{}, ctx.Err()
		case <-timer.C:
		}
	}
	p.telemetry.RecordPublish("failed")
	return Envelope{}, fmt.Errorf("eventbus: publish %s: %w", event.Type, lastErr)
}

// Degraded reports whether the last publish attempt failed.
func (p *Publisher) Degraded() bool { return p.degraded.Load() }

func (p *Publisher) nextSequence(key string) int64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	p.sequences[key]++
	return p.sequences[key]
}

func (p *Publisher) markDegraded() {
	if p.degraded.CompareAndSwap(false, true) {
		p.telemetry.SetDegradedMode(true)
		p.telemetry.RecordOutage()
	}
}

func (p *Publisher) markHealthy() {
	if p.degraded.CompareAndSwap(true, false) {
		p.telemetry.SetDegradedMode(false)
		p.telemetry.RecordRecovery()
	}
}
