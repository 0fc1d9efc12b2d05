// Package coordinator implements the work coordinator at the center of the
// WorkHub engine: the single atomic ProcessWorkBatch operation through which
// a fleet of service instances heart-beat, ingest messages, append events,
// acknowledge completions, renew leases and claim their next batch of work.
//
// All coordination between instances happens through this operation and the
// PostgreSQL tables it owns. There is no shared in-memory state, no elected
// leader and no central scheduler.
package coordinator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/message"
)

// Default tuning values for a batch request.
const (
	DefaultPartitionCount = 10000
	DefaultLease          = 300 * time.Second
	DefaultStaleThreshold = 600 * time.Second
	DefaultMaxAttempts    = 5
	DefaultBatchLimit     = 100
)

// ServiceInstance is the explicit identity of a coordinator caller. Every
// ProcessWorkBatch call carries one; there is no ambient instance identity.
type ServiceInstance struct {
	ID          uuid.UUID      `json:"id"`
	ServiceName string         `json:"service_name"`
	HostName    string         `json:"host_name"`
	ProcessID   int            `json:"process_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// OutboxMessage is a new outbound message to be stored by a batch call.
type OutboxMessage struct {
	MessageID    uuid.UUID       `json:"message_id"`
	Destination  string          `json:"destination"`
	EventType    string          `json:"event_type,omitempty"`
	EnvelopeType string          `json:"envelope_type,omitempty"`
	Envelope     json.RawMessage `json:"envelope"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Scope        json.RawMessage `json:"scope,omitempty"`
	StreamID     *uuid.UUID      `json:"stream_id,omitempty"`
	IsEvent      bool            `json:"is_event"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// InboxMessage is a new inbound message to be stored by a batch call.
type InboxMessage struct {
	MessageID    uuid.UUID       `json:"message_id"`
	HandlerName  string          `json:"handler_name"`
	EventType    string          `json:"event_type,omitempty"`
	EnvelopeType string          `json:"envelope_type,omitempty"`
	Envelope     json.RawMessage `json:"envelope"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Scope        json.RawMessage `json:"scope,omitempty"`
	StreamID     *uuid.UUID      `json:"stream_id,omitempty"`
	IsEvent      bool            `json:"is_event"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
}

// Completion acknowledges that the reported stages of a message finished.
// The status mask is ORed onto the persisted row, so repeating a report is
// a no-op.
type Completion struct {
	MessageID uuid.UUID      `json:"message_id"`
	Status    message.Status `json:"status"`
}

// FailureReport tells the coordinator a message could not make progress.
// Failure.Completed carries the stages that succeeded before the failure.
type FailureReport struct {
	MessageID uuid.UUID        `json:"message_id"`
	Failure   *message.Failure `json:"failure"`
}

// ReceptorCompletion acknowledges one receptor finishing for a message.
type ReceptorCompletion struct {
	MessageID    uuid.UUID      `json:"message_id"`
	ReceptorName string         `json:"receptor_name"`
	Status       message.Status `json:"status"`
}

// ReceptorFailure reports one receptor failing for a message.
type ReceptorFailure struct {
	MessageID    uuid.UUID        `json:"message_id"`
	ReceptorName string           `json:"receptor_name"`
	Failure      *message.Failure `json:"failure"`
}

// PerspectiveCompletion moves a projection checkpoint forward to the last
// event id the projection successfully applied.
type PerspectiveCompletion struct {
	StreamID    uuid.UUID `json:"stream_id"`
	Perspective string    `json:"perspective"`
	LastEventID uuid.UUID `json:"last_event_id"`
}

// PerspectiveFailure marks a projection checkpoint failed at a given event.
type PerspectiveFailure struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	Perspective string     `json:"perspective"`
	EventID     *uuid.UUID `json:"event_id,omitempty"`
	Reason      string     `json:"reason"`
}

// ProcessWorkBatchRequest carries everything one coordinator call needs:
// caller identity, new messages, acknowledgements from the previous cycle,
// lease renewals and tuning. Zero-valued tuning fields take the defaults
// via ApplyDefaults.
type ProcessWorkBatchRequest struct {
	Instance ServiceInstance

	NewOutbox []OutboxMessage
	NewInbox  []InboxMessage

	RenewOutbox []uuid.UUID
	RenewInbox  []uuid.UUID

	OutboxCompletions      []Completion
	InboxCompletions       []Completion
	ReceptorCompletions    []ReceptorCompletion
	PerspectiveCompletions []PerspectiveCompletion

	OutboxFailures      []FailureReport
	InboxFailures       []FailureReport
	ReceptorFailures    []ReceptorFailure
	PerspectiveFailures []PerspectiveFailure

	// Perspectives lists the projection names registered on this instance;
	// the coordinator hands back checkpoint work for them.
	Perspectives []string

	PartitionCount int
	Lease          time.Duration
	StaleThreshold time.Duration
	MaxAttempts    int
	BatchLimit     int
	Flags          message.BatchFlags
}

// ApplyDefaults fills zero-valued tuning fields.
func (r *ProcessWorkBatchRequest) ApplyDefaults() {
	if r.PartitionCount == 0 {
		r.PartitionCount = DefaultPartitionCount
	}
	if r.Lease == 0 {
		r.Lease = DefaultLease
	}
	if r.StaleThreshold == 0 {
		r.StaleThreshold = DefaultStaleThreshold
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.BatchLimit == 0 {
		r.BatchLimit = DefaultBatchLimit
	}
}

// OutboxWork is one claimed outbound message to publish.
type OutboxWork struct {
	MessageID     uuid.UUID         `json:"message_id"`
	Destination   string            `json:"destination"`
	EventType     string            `json:"event_type,omitempty"`
	EnvelopeType  string            `json:"envelope_type,omitempty"`
	Envelope      json.RawMessage   `json:"envelope"`
	StreamID      *uuid.UUID        `json:"stream_id,omitempty"`
	IsEvent       bool              `json:"is_event"`
	Status        message.Status    `json:"status"`
	Flags         message.ItemFlags `json:"flags"`
	Attempts      int               `json:"attempts"`
	SequenceOrder int64             `json:"sequence_order"`
}

// InboxWork is one claimed inbound message to process locally.
type InboxWork struct {
	MessageID     uuid.UUID         `json:"message_id"`
	HandlerName   string            `json:"handler_name"`
	EventType     string            `json:"event_type,omitempty"`
	EnvelopeType  string            `json:"envelope_type,omitempty"`
	Envelope      json.RawMessage   `json:"envelope"`
	StreamID      *uuid.UUID        `json:"stream_id,omitempty"`
	IsEvent       bool              `json:"is_event"`
	Status        message.Status    `json:"status"`
	Flags         message.ItemFlags `json:"flags"`
	Attempts      int               `json:"attempts"`
	SequenceOrder int64             `json:"sequence_order"`
}

// PerspectiveWork asks a projection to catch up on one stream, starting
// after LastEventID (exclusive; nil means from the beginning).
type PerspectiveWork struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	Perspective string     `json:"perspective"`
	LastEventID *uuid.UUID `json:"last_event_id,omitempty"`
}

// ItemError is a per-message error captured inside a batch call. The batch
// transaction still commits; the affected message alone is failed.
type ItemError struct {
	MessageID uuid.UUID           `json:"message_id"`
	Kind      message.FailureKind `json:"kind"`
	Err       string              `json:"error"`
}

// WorkBatch is the result of one ProcessWorkBatch call: the ordered work
// this instance now owns, plus any per-message errors.
type WorkBatch struct {
	Outbox       []OutboxWork      `json:"outbox"`
	Inbox        []InboxWork       `json:"inbox"`
	Perspectives []PerspectiveWork `json:"perspectives"`
	Errors       []ItemError       `json:"errors,omitempty"`
}

// Empty reports whether the batch carries no work at all.
func (b *WorkBatch) Empty() bool {
	return len(b.Outbox) == 0 && len(b.Inbox) == 0 && len(b.Perspectives) == 0
}

// StoredEvent is one event-store row, returned by stream reads in insertion
// order.
type StoredEvent struct {
	EventID   uuid.UUID       `json:"event_id"`
	StreamID  uuid.UUID       `json:"stream_id"`
	Version   int64           `json:"version"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Scope     json.RawMessage `json:"scope,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
