package eventbus

import (
	"context"
	"time"
)

// Message is a delivered event-bus message.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// Transport publishes bytes to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Subscription is a live subscription. Close is idempotent and closes C.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Bus is a Transport that can also be subscribed to.
type Bus interface {
	Transport
	Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error)
}
