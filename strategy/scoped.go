package strategy

import (
	"context"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
)

// Scoped accumulates everything queued within one scope, typically one
// inbound request, and flushes when the scope closes. Close flushes
// whether the scope ended in success or failure; a manual Flush mid-scope
// drains what is buffered and keeps the scope open.
type Scoped struct {
	core *core
}

// NewScoped creates the scoped strategy.
func NewScoped(processor Processor, invoker *lifecycle.Invoker, opts Options) *Scoped {
	return &Scoped{core: newCore(processor, invoker, opts)}
}

func (s *Scoped) QueueOutbox(ctx context.Context, m coordinator.OutboxMessage) error {
	s.core.buf.queueOutbox(m)
	return nil
}

func (s *Scoped) QueueInbox(ctx context.Context, m coordinator.InboxMessage) error {
	s.core.buf.queueInbox(m)
	return nil
}

func (s *Scoped) QueueOutboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueOutboxCompletion(c)
	return nil
}

func (s *Scoped) QueueInboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueInboxCompletion(c)
	return nil
}

func (s *Scoped) QueueReceptorCompletion(ctx context.Context, c coordinator.ReceptorCompletion) error {
	s.core.buf.queueReceptorCompletion(c)
	return nil
}

func (s *Scoped) QueuePerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error {
	s.core.buf.queuePerspectiveCompletion(c)
	return nil
}

func (s *Scoped) QueueOutboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueOutboxFailure(f)
	return nil
}

func (s *Scoped) QueueInboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueInboxFailure(f)
	return nil
}

func (s *Scoped) QueueReceptorFailure(ctx context.Context, f coordinator.ReceptorFailure) error {
	s.core.buf.queueReceptorFailure(f)
	return nil
}

func (s *Scoped) QueuePerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error {
	s.core.buf.queuePerspectiveFailure(f)
	return nil
}

func (s *Scoped) QueueRenewals(ctx context.Context, outbox, inbox []uuid.UUID) error {
	s.core.buf.queueRenewals(outbox, inbox)
	return nil
}

// Flush drains what is currently buffered without closing the scope.
func (s *Scoped) Flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	return s.core.flush(ctx, flags)
}

// Close flushes the remaining buffer and ends the scope. It runs
// unconditionally, so deferring Close covers both the success and the
// failure path of the scope.
func (s *Scoped) Close(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	return s.core.flush(ctx, flags)
}

var _ Strategy = (*Scoped)(nil)
