package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
	"github.com/workhubhq/workhub/strategy"
	"github.com/workhubhq/workhub/transport"
)

// fakeTransport records publishes and lets tests inject deliveries by
// calling the subscribed handler directly.
type fakeTransport struct {
	mu         sync.Mutex
	ready      atomic.Bool
	publishErr error
	published  map[string][][]byte
	handlers   map[string]transport.Handler
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{
		published: make(map[string][][]byte),
		handlers:  make(map[string]transport.Handler),
	}
	t.ready.Store(true)
	return t
}

func (t *fakeTransport) Publish(ctx context.Context, destination string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published[destination] = append(t.published[destination], body)
	return nil
}

func (t *fakeTransport) Subscribe(ctx context.Context, destination string, handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[destination] = handler
	return nil
}

func (t *fakeTransport) IsReady() bool { return t.ready.Load() }
func (t *fakeTransport) Close() error  { return nil }

func (t *fakeTransport) publishedTo(destination string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.published[destination]))
	copy(out, t.published[destination])
	return out
}

func (t *fakeTransport) deliver(ctx context.Context, destination string, body []byte) error {
	t.mu.Lock()
	handler := t.handlers[destination]
	t.mu.Unlock()
	return handler(ctx, body)
}

var _ transport.Transport = (*fakeTransport)(nil)

// recordingStrategy captures what the loops queue on it.
type recordingStrategy struct {
	mu                sync.Mutex
	inbox             []coordinator.InboxMessage
	outboxCompletions []coordinator.Completion
	inboxCompletions  []coordinator.Completion
	outboxFailures    []coordinator.FailureReport
	inboxFailures     []coordinator.FailureReport
	queueInboxErr     error
}

func (s *recordingStrategy) QueueOutbox(ctx context.Context, m coordinator.OutboxMessage) error {
	return nil
}

func (s *recordingStrategy) QueueInbox(ctx context.Context, m coordinator.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueInboxErr != nil {
		return s.queueInboxErr
	}
	s.inbox = append(s.inbox, m)
	return nil
}

func (s *recordingStrategy) QueueOutboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxCompletions = append(s.outboxCompletions, c)
	return nil
}

func (s *recordingStrategy) QueueInboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxCompletions = append(s.inboxCompletions, c)
	return nil
}

func (s *recordingStrategy) QueueReceptorCompletion(ctx context.Context, c coordinator.ReceptorCompletion) error {
	return nil
}

func (s *recordingStrategy) QueuePerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error {
	return nil
}

func (s *recordingStrategy) QueueOutboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxFailures = append(s.outboxFailures, f)
	return nil
}

func (s *recordingStrategy) QueueInboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboxFailures = append(s.inboxFailures, f)
	return nil
}

func (s *recordingStrategy) QueueReceptorFailure(ctx context.Context, f coordinator.ReceptorFailure) error {
	return nil
}

func (s *recordingStrategy) QueuePerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error {
	return nil
}

func (s *recordingStrategy) QueueRenewals(ctx context.Context, outbox, inbox []uuid.UUID) error {
	return nil
}

func (s *recordingStrategy) Flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	return &coordinator.WorkBatch{}, nil
}

var _ strategy.Strategy = (*recordingStrategy)(nil)

func (s *recordingStrategy) snapshotOutboxCompletions() []coordinator.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coordinator.Completion, len(s.outboxCompletions))
	copy(out, s.outboxCompletions)
	return out
}

func (s *recordingStrategy) snapshotOutboxFailures() []coordinator.FailureReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coordinator.FailureReport, len(s.outboxFailures))
	copy(out, s.outboxFailures)
	return out
}

func (s *recordingStrategy) snapshotInbox() []coordinator.InboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coordinator.InboxMessage, len(s.inbox))
	copy(out, s.inbox)
	return out
}
