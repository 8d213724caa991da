package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/yyd/aurora/pkg/events"
)

// Contract names the payload fields an event type must carry.
type Contract struct {
	EventType string
	Required  []string
}

// Contracts checks envelopes of one schema version. It is immutable once
// built and safe for concurrent use.
type Contracts struct {
	version string
	byType  map[string][]string
}

// NewContracts builds a contract set for version.
func NewContracts(version string, contracts ...Contract) *Contracts {
	c := &Contracts{version: version, byType: make(map[string][]string, len(contracts))}
	for _, ct := range contracts {
		c.byType[ct.EventType] = ct.Required
	}
	return c
}

// ConversationContracts returns the v1 contracts of every conversation event.
func ConversationContracts() *Contracts {
	return NewContracts(SchemaVersionV1,
		Contract{events.TypeInboundMessage, []string{"id", "session_id", "text"}},
		Contract{events.TypeHandoffCreated, []string{"handoff_id", "session_id", "reason", "state", "confidence"}},
		Contract{events.TypeReplySent, []string{"session_id", "message_id", "channel", "source"}},
		Contract{events.TypeTurnDeadLettered, []string{"event_id", "session_id", "error"}},
		Contract{events.TypeReplyOutbound, []string{"session_id", "channel", "text"}},
	)
}

// Check verifies the identity and ordering fields of env and, for event
// types with a contract, that the payload carries every required field.
// Unknown event types and other schema versions pass on the envelope
// checks alone.
func (c *Contracts) Check(env Envelope) error {
	switch {
	case env.EventID == "", env.EventType == "", env.SchemaVersion == "":
		return fmt.Errorf("%w: id, type and schema version are required", ErrInvalidEnvelope)
	case env.Source == "", env.OrderingKey == "":
		return fmt.Errorf("%w: source and ordering key are required", ErrInvalidEnvelope)
	case env.Sequence <= 0:
		return fmt.Errorf("%w: sequence must be positive", ErrInvalidEnvelope)
	}
	if env.SchemaVersion != c.version {
		return nil
	}
	required, ok := c.byType[env.EventType]
	if !ok || len(required) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return fmt.Errorf("%w: %s payload is not an object", ErrInvalidEnvelope, env.EventType)
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return fmt.Errorf("%w: %s payload lacks %q", ErrInvalidEnvelope, env.EventType, f)
		}
	}
	return nil
}
