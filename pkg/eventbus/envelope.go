package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the initial conversation event schema.
const SchemaVersionV1 = "v1"

// ErrInvalidEnvelope marks envelopes that fail structural or contract checks.
var ErrInvalidEnvelope = errors.New("eventbus: invalid envelope")

// Envelope wraps every event on the bus.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Subject       string          `json:"subject"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	Source        string          `json:"source"`
	OrderingKey   string          `json:"ordering_key"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload as a v1 event. An empty id is generated.
// Source and Sequence are stamped by the Publisher.
func NewEnvelope(id, eventType, orderingKey string, payload any) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("%w: event type is required", ErrInvalidEnvelope)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: encode %s payload: %w", eventType, err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Envelope{
		EventID:       id,
		EventType:     eventType,
		Subject:       Subject(eventType),
		Timestamp:     time.Now().UTC(),
		SchemaVersion: SchemaVersionV1,
		OrderingKey:   orderingKey,
		Payload:       body,
	}, nil
}

// ParseEnvelope decodes a delivered message body.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventbus: decode %s payload: %w", e.EventType, err)
	}
	return nil
}
