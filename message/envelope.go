// Package message defines the value types that travel through the WorkHub
// coordination engine: the message envelope with its hop trail, the status
// bitmask persisted on inbox/outbox rows, and the failure classification
// used for retry decisions.
//
// Envelopes are serialized to JSON exactly once, when the application hands
// a message to the dispatcher. From that point on they travel as opaque
// JSON through the coordination store and the transport; the engine never
// needs to look inside the payload.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Hop is one record in an envelope's observability trail. Every service,
// topic and lifecycle stage a message traverses appends a hop; the trail
// is append-only and travels with the envelope.
type Hop struct {
	Service    string    `json:"service"`
	Topic      string    `json:"topic,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Envelope wraps an application payload with identity and the hop trail.
// MessageID, CorrelationID and CausationID are time-ordered UUIDv7 values;
// the payload is serialized JSON and stays opaque to the engine.
type Envelope struct {
	MessageID     uuid.UUID       `json:"message_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   uuid.UUID       `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Hops          []Hop           `json:"hops,omitempty"`
}

// NewEnvelope creates an envelope around an already-serialized payload.
// The message id doubles as the correlation id until the envelope is
// correlated to an existing conversation via Caused.
func NewEnvelope(payload json.RawMessage) *Envelope {
	id := NewID()
	return &Envelope{
		MessageID:     id,
		CorrelationID: id,
		Payload:       payload,
	}
}

// Wrap serializes a payload value and returns its envelope.
func Wrap(payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return NewEnvelope(data), nil
}

// Caused returns an envelope for a message caused by parent: it inherits
// the parent's correlation id and records the parent as its causation.
func (e *Envelope) Caused(payload json.RawMessage) *Envelope {
	child := NewEnvelope(payload)
	child.CorrelationID = e.CorrelationID
	child.CausationID = e.MessageID
	return child
}

// AddHop appends a hop to the trail and returns the envelope for chaining.
// The trail is never truncated or reordered.
func (e *Envelope) AddHop(service, topic, stage, caller string) *Envelope {
	e.Hops = append(e.Hops, Hop{
		Service:    service,
		Topic:      topic,
		Stage:      stage,
		Caller:     caller,
		RecordedAt: time.Now().UTC(),
	})
	return e
}

// JSON serializes the envelope. This is the single serialization point;
// the resulting bytes travel unchanged through store and transport.
func (e *Envelope) JSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope deserializes an envelope received from the transport or
// read back from the coordination store.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}
