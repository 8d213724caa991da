// Package events defines the payloads exchanged with the outside world:
// inbound customer messages and the notifications a turn emits.
package events

import (
	"time"

	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/storage"
)

// Event types. Subjects are built from them by the eventbus package.
const (
	TypeInboundMessage   = "inbound_message"
	TypeHandoffCreated   = "handoff_created"
	TypeReplySent        = "reply_sent"
	TypeTurnDeadLettered = "turn_dead_lettered"
	TypeReplyOutbound    = "reply_outbound"
)

// InboundMessage is one customer utterance. ID is the idempotency key.
type InboundMessage struct {
	ID         string    `json:"id" validate:"required,max=128"`
	SessionID  string    `json:"session_id" validate:"required,max=128"`
	Text       string    `json:"text" validate:"max=4000"`
	Locale     string    `json:"locale,omitempty" validate:"omitempty,min=2,max=10"`
	Channel    string    `json:"channel,omitempty" validate:"omitempty,max=32"`
	CustomerID string    `json:"customer_id,omitempty" validate:"omitempty,max=128"`
	Timestamp  time.Time `json:"timestamp"`
}

// HandoffCreated asks the human-agent queue to take over a session.
type HandoffCreated struct {
	HandoffID  string         `json:"handoff_id"`
	SessionID  string         `json:"session_id"`
	Reason     string         `json:"reason"`
	State      affect.Vector  `json:"state"`
	Confidence float64        `json:"confidence"`
	Source     storage.Source `json:"source,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ReplySent records a delivered reply.
type ReplySent struct {
	SessionID  string         `json:"session_id"`
	MessageID  string         `json:"message_id"`
	EventID    string         `json:"event_id"`
	Channel    string         `json:"channel"`
	ReceiptID  string         `json:"receipt_id,omitempty"`
	Source     storage.Source `json:"source"`
	Confidence float64        `json:"confidence"`
	Handoff    bool           `json:"handoff"`
	SentAt     time.Time      `json:"sent_at"`
}

// TurnDeadLettered reports a turn that failed after its retries.
type TurnDeadLettered struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// ReplyOutbound carries reply text to an external channel bridge.
// IdempotencyKey is repeated when the same reply is sent again.
type ReplyOutbound struct {
	SessionID      string `json:"session_id"`
	Channel        string `json:"channel"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
