package strategy

import (
	"context"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
)

// Immediate flushes on every queue call. Lowest latency, highest
// coordinator load; meant for request-response paths.
type Immediate struct {
	core *core
}

// NewImmediate creates the immediate strategy.
func NewImmediate(processor Processor, invoker *lifecycle.Invoker, opts Options) *Immediate {
	return &Immediate{core: newCore(processor, invoker, opts)}
}

func (s *Immediate) drain(ctx context.Context) error {
	_, err := s.core.flush(ctx, message.BatchNone)
	return err
}

func (s *Immediate) QueueOutbox(ctx context.Context, m coordinator.OutboxMessage) error {
	s.core.buf.queueOutbox(m)
	return s.drain(ctx)
}

func (s *Immediate) QueueInbox(ctx context.Context, m coordinator.InboxMessage) error {
	s.core.buf.queueInbox(m)
	return s.drain(ctx)
}

func (s *Immediate) QueueOutboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueOutboxCompletion(c)
	return s.drain(ctx)
}

func (s *Immediate) QueueInboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueInboxCompletion(c)
	return s.drain(ctx)
}

func (s *Immediate) QueueReceptorCompletion(ctx context.Context, c coordinator.ReceptorCompletion) error {
	s.core.buf.queueReceptorCompletion(c)
	return s.drain(ctx)
}

func (s *Immediate) QueuePerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error {
	s.core.buf.queuePerspectiveCompletion(c)
	return s.drain(ctx)
}

func (s *Immediate) QueueOutboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueOutboxFailure(f)
	return s.drain(ctx)
}

func (s *Immediate) QueueInboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueInboxFailure(f)
	return s.drain(ctx)
}

func (s *Immediate) QueueReceptorFailure(ctx context.Context, f coordinator.ReceptorFailure) error {
	s.core.buf.queueReceptorFailure(f)
	return s.drain(ctx)
}

func (s *Immediate) QueuePerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error {
	s.core.buf.queuePerspectiveFailure(f)
	return s.drain(ctx)
}

func (s *Immediate) QueueRenewals(ctx context.Context, outbox, inbox []uuid.UUID) error {
	s.core.buf.queueRenewals(outbox, inbox)
	return s.drain(ctx)
}

// Flush drives an explicit coordinator cycle, which for this strategy is
// mostly a heartbeat-and-claim call since queue calls drain on their own.
func (s *Immediate) Flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	return s.core.flush(ctx, flags)
}

var _ Strategy = (*Immediate)(nil)
