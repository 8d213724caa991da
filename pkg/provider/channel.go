package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// recentAcks bounds how many idempotency keys a LogChannel remembers.
const recentAcks = 1024

// LogChannel delivers replies to the log. It backs channels whose
// transport lives outside the process and is the default for "web".
// A repeated idempotency key returns the first ack without logging again.
type LogChannel struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	acks  map[string]Ack
	order []string
}

// NewLogChannel creates a LogChannel named name.
func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger, acks: make(map[string]Ack)}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(ctx context.Context, out Outbound) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ack, ok := c.acks[out.IdempotencyKey]; ok && out.IdempotencyKey != "" {
		c.logger.DebugContext(ctx, "duplicate reply dropped", "channel", c.name, "session_id", out.SessionID, "key", out.IdempotencyKey)
		return ack, nil
	}
	c.logger.InfoContext(ctx, "reply delivered", "channel", c.name, "session_id", out.SessionID, "chars", len(out.Text))
	ack := Ack{Channel: c.name, ReceiptID: uuid.NewString(), DeliveredAt: time.Now().UTC()}
	if out.IdempotencyKey != "" {
		if len(c.order) >= recentAcks {
			delete(c.acks, c.order[0])
			c.order = c.order[1:]
		}
		c.acks[out.IdempotencyKey] = ack
		c.order = append(c.order, out.IdempotencyKey)
	}
	return ack, nil
}

// Channels routes a reply to the DeliveryChannel registered for the
// session's channel, falling back to a default.
type Channels struct {
	mu       sync.RWMutex
	byName   map[string]DeliveryChannel
	fallback DeliveryChannel
}

// NewChannels creates a registry with fallback for unknown channel names.
func NewChannels(fallback DeliveryChannel) *Channels {
	return &Channels{byName: make(map[string]DeliveryChannel), fallback: fallback}
}

// Register adds ch under its Name.
func (c *Channels) Register(ch DeliveryChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[ch.Name()] = ch
}

// Get returns the channel for name.
func (c *Channels) Get(name string) (DeliveryChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch, ok := c.byName[name]; ok {
		return ch, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("no delivery channel for %q", name)
}
