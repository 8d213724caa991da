package eventbus

import (
	"context"

	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/provider"
)

// BusChannel delivers replies by publishing reply_outbound events for an
// external channel bridge (WhatsApp, SMS) to pick up.
type BusChannel struct {
	name      string
	publisher *Publisher
}

// NewBusChannel creates a delivery channel named name.
func NewBusChannel(name string, publisher *Publisher) *BusChannel {
	return &BusChannel{name: name, publisher: publisher}
}

func (c *BusChannel) Name() string { return c.name }

// Send publishes the reply; the envelope id is the receipt. With an
// idempotency key the envelope id derives from it, so a resent reply
// carries the same id and receivers drop it.
func (c *BusChannel) Send(ctx context.Context, out provider.Outbound) (provider.Ack, error) {
	var id string
	if out.IdempotencyKey != "" {
		id = "reply-" + out.IdempotencyKey
	}
	env, err := c.publisher.Publish(ctx, Event{
		ID:          id,
		Type:        events.TypeReplyOutbound,
		OrderingKey: out.SessionID,
		Payload: events.ReplyOutbound{
			SessionID:      out.SessionID,
			Channel:        c.name,
			Text:           out.Text,
			IdempotencyKey: out.IdempotencyKey,
		},
	})
	if err != nil {
		return provider.Ack{}, err
	}
	return provider.Ack{Channel: c.name, ReceiptID: env.EventID, DeliveredAt: env.Timestamp}, nil
}
