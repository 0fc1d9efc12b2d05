// Package worker runs the background loops of a service instance: the
// publisher loop pushes claimed outbox work to the broker, the consumer
// loop feeds broker deliveries into the inbox buffer, and Node composes
// both with a flush strategy, the stream processor and the perspective
// runner into one running instance.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
)

// WireMessage is the broker payload: the opaque envelope plus the routing
// columns the receiving side needs to store it in its inbox.
type WireMessage struct {
	MessageID    uuid.UUID       `json:"message_id"`
	EnvelopeType string          `json:"envelope_type,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	StreamID     *uuid.UUID      `json:"stream_id,omitempty"`
	IsEvent      bool            `json:"is_event"`
	Envelope     json.RawMessage `json:"envelope"`
}

func encodeWire(work coordinator.OutboxWork) ([]byte, error) {
	body, err := json.Marshal(WireMessage{
		MessageID:    work.MessageID,
		EnvelopeType: work.EnvelopeType,
		EventType:    work.EventType,
		StreamID:     work.StreamID,
		IsEvent:      work.IsEvent,
		Envelope:     work.Envelope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wire message %s: %w", work.MessageID, err)
	}
	return body, nil
}

func decodeWire(body []byte) (*WireMessage, error) {
	var wm WireMessage
	if err := json.Unmarshal(body, &wm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wire message: %w", err)
	}
	if wm.MessageID == uuid.Nil {
		return nil, fmt.Errorf("wire message carries no message id")
	}
	return &wm, nil
}
