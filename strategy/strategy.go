// Package strategy implements the unit-of-work flush strategies that buffer
// application-produced messages and drive the coordinator at different
// cadences: Immediate (per call), Scoped (per request scope) and Interval
// (fixed tick).
package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

// Processor is the coordinator call the strategies drive. The concrete
// implementation is coordinator.Store; tests substitute a fake.
type Processor interface {
	ProcessWorkBatch(ctx context.Context, req *coordinator.ProcessWorkBatchRequest) (*coordinator.WorkBatch, error)
}

// Strategy is the shared unit-of-work surface. Queue operations buffer;
// Flush drives the coordinator and clears the buffered items it flushed.
// When a flush happens is the one thing the implementations differ on.
type Strategy interface {
	QueueOutbox(ctx context.Context, msg coordinator.OutboxMessage) error
	QueueInbox(ctx context.Context, msg coordinator.InboxMessage) error

	QueueOutboxCompletion(ctx context.Context, c coordinator.Completion) error
	QueueInboxCompletion(ctx context.Context, c coordinator.Completion) error
	QueueReceptorCompletion(ctx context.Context, c coordinator.ReceptorCompletion) error
	QueuePerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error

	QueueOutboxFailure(ctx context.Context, f coordinator.FailureReport) error
	QueueInboxFailure(ctx context.Context, f coordinator.FailureReport) error
	QueueReceptorFailure(ctx context.Context, f coordinator.ReceptorFailure) error
	QueuePerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error

	QueueRenewals(ctx context.Context, outbox, inbox []uuid.UUID) error

	Flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error)
}

// Options configure a strategy. Zero-valued tuning fields fall back to the
// coordinator defaults.
type Options struct {
	Instance     coordinator.ServiceInstance
	Perspectives []string

	PartitionCount int
	Lease          time.Duration
	StaleThreshold time.Duration
	MaxAttempts    int
	BatchLimit     int

	// OnBatch receives every batch a flush produces, including flushes the
	// strategy triggers on its own (Immediate queue calls, Interval ticks).
	OnBatch func(batch *coordinator.WorkBatch)

	// Interval is the tick period of the Interval strategy.
	Interval time.Duration
}
