package eventbus

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/yyd/aurora/pkg/events"
)

// InboundHandler processes one inbound message.
type InboundHandler func(ctx context.Context, msg events.InboundMessage) error

// InboundConsumer feeds inbound_message events from the bus to a handler.
// Messages of one session go to the same worker, so they are handled in
// arrival order; sessions are spread over the workers.
type InboundConsumer struct {
	bus      Bus
	handler  InboundHandler
	receiver *Receiver
	workers  int
	logger   *slog.Logger

	mu     sync.Mutex
	sub    Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInboundConsumer creates a consumer with the given number of workers.
func NewInboundConsumer(bus Bus, handler InboundHandler, workers int, logger *slog.Logger) *InboundConsumer {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundConsumer{
		bus:      bus,
		handler:  handler,
		receiver: NewReceiver(ConversationContracts(), 0),
		workers:  workers,
		logger:   logger.With("component", "inbound_consumer"),
	}
}

// Start subscribes and begins dispatching.
func (c *InboundConsumer) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("eventbus: inbound consumer already started")
	}
	ctx, cancel := context.WithCancel(parent)
	sub, err := c.bus.Subscribe(ctx, Subject(events.TypeInboundMessage), 256)
	if err != nil {
		cancel()
		return err
	}
	c.sub, c.cancel = sub, cancel

	queues := make([]chan events.InboundMessage, c.workers)
	for i := range queues {
		queues[i] = make(chan events.InboundMessage, 64)
		c.wg.Add(1)
		go c.work(ctx, queues[i])
	}
	c.wg.Add(1)
	go c.dispatch(ctx, sub, queues)
	return nil
}

// Stop unsubscribes and waits until queued messages are handled.
func (c *InboundConsumer) Stop() {
	c.mu.Lock()
	cancel, sub := c.cancel, c.sub
	c.cancel, c.sub = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	_ = sub.Close()
	c.wg.Wait()
	cancel()
}

func (c *InboundConsumer) dispatch(ctx context.Context, sub Subscription, queues []chan events.InboundMessage) {
	defer c.wg.Done()
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()
	for raw := range sub.C() {
		env, fresh, err := c.receiver.Receive(raw.Payload)
		if err != nil {
			c.logger.Warn("dropping malformed inbound event", "error", err)
			continue
		}
		if !fresh {
			c.logger.Debug("duplicate inbound delivery", "event_id", env.EventID)
			continue
		}
		var msg events.InboundMessage
		if err := env.DecodePayload(&msg); err != nil {
			c.logger.Warn("dropping inbound event", "event_id", env.EventID, "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = env.EventID
		}
		select {
		case queues[shard(msg.SessionID, len(queues))] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *InboundConsumer) work(ctx context.Context, queue <-chan events.InboundMessage) {
	defer c.wg.Done()
	for msg := range queue {
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Warn("inbound message failed", "event_id", msg.ID, "session_id", msg.SessionID, "error", err)
		}
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
