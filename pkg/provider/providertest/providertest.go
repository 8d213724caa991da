// Package providertest provides controllable providers for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yyd/aurora/pkg/provider"
)

// Embedder returns fixed vectors for known texts and hashes the rest.
// SetDown makes every call fail with provider.ErrUnavailable.
type Embedder struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	hash    *provider.HashEmbedder
	down    atomic.Bool
	calls   atomic.Int64
}

// NewEmbedder creates an Embedder with 64-dimensional hashed fallback.
func NewEmbedder() *Embedder {
	return &Embedder{vectors: make(map[string][]float32), hash: provider.NewHashEmbedder(64)}
}

// Set pins the vector returned for text.
func (e *Embedder) Set(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vec
}

// SetDown toggles the outage.
func (e *Embedder) SetDown(down bool) { e.down.Store(down) }

// Calls counts Embed invocations, including failed ones.
func (e *Embedder) Calls() int64 { return e.calls.Load() }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.down.Load() {
		return nil, provider.Unavailable("embed", nil)
	}
	e.mu.RLock()
	vec, ok := e.vectors[text]
	e.mu.RUnlock()
	if ok {
		return append([]float32(nil), vec...), nil
	}
	return e.hash.Embed(ctx, text)
}

// Completer returns Reply, or fails while down.
type Completer struct {
	mu        sync.Mutex
	Reply     string
	down      atomic.Bool
	grounding []string
	calls     int
}

// NewCompleter creates a Completer answering reply.
func NewCompleter(reply string) *Completer {
	return &Completer{Reply: reply}
}

// SetDown toggles the outage.
func (c *Completer) SetDown(down bool) { c.down.Store(down) }

func (c *Completer) Complete(ctx context.Context, prompt string, grounding []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.grounding = append([]string(nil), grounding...)
	if c.down.Load() {
		return "", provider.Unavailable("complete", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.Reply, nil
}

// Calls returns the number of Complete invocations.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// LastGrounding returns the grounding passed to the last call.
func (c *Completer) LastGrounding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.grounding...)
}

// Delivery is one recorded Send.
type Delivery struct {
	SessionID string
	Text      string
	Key       string
}

// ErrDeliveryFailed is returned by a Channel while failing.
var ErrDeliveryFailed = errors.New("delivery failed")

// Channel records deliveries. FailNext makes the next n sends fail;
// LoseAckNext makes them deliver and then fail; Block makes sends wait
// until their context ends. Like a remote that honours idempotency keys,
// a send whose key was already delivered records nothing new.
type Channel struct {
	name       string
	mu         sync.Mutex
	deliveries []Delivery
	keys       map[string]bool
	attempts   int
	failNext   int
	loseAck    int
	block      bool
}

// NewChannel creates a Channel named name.
func NewChannel(name string) *Channel {
	return &Channel{name: name}
}

func (c *Channel) Name() string { return c.name }

// FailNext makes the next n sends fail.
func (c *Channel) FailNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = n
}

// LoseAckNext makes the next n sends deliver but report a failure.
func (c *Channel) LoseAckNext(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loseAck = n
}

// Block toggles blocking sends.
func (c *Channel) Block(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = b
}

func (c *Channel) Send(ctx context.Context, out provider.Outbound) (provider.Ack, error) {
	c.mu.Lock()
	c.attempts++
	if c.block {
		c.mu.Unlock()
		<-ctx.Done()
		return provider.Ack{}, ctx.Err()
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return provider.Ack{}, ErrDeliveryFailed
	}
	if out.IdempotencyKey == "" || !c.keys[out.IdempotencyKey] {
		c.deliveries = append(c.deliveries, Delivery{SessionID: out.SessionID, Text: out.Text, Key: out.IdempotencyKey})
		if out.IdempotencyKey != "" {
			if c.keys == nil {
				c.keys = make(map[string]bool)
			}
			c.keys[out.IdempotencyKey] = true
		}
	}
	if c.loseAck > 0 {
		c.loseAck--
		c.mu.Unlock()
		return provider.Ack{}, ErrDeliveryFailed
	}
	c.mu.Unlock()
	return provider.Ack{Channel: c.name, DeliveredAt: time.Now()}, nil
}

// Deliveries returns the successful sends.
func (c *Channel) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

// Attempts counts every Send call.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
