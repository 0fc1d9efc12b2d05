package strategy

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

// buffer accumulates queued items between flushes. A flush snapshots the
// buffer, calls the coordinator, and only then drops the flushed prefix,
// so items queued concurrently during the call survive for the next flush.
type buffer struct {
	mu sync.Mutex

	outbox []coordinator.OutboxMessage
	inbox  []coordinator.InboxMessage

	renewOutbox []uuid.UUID
	renewInbox  []uuid.UUID

	outboxCompletions      []coordinator.Completion
	inboxCompletions       []coordinator.Completion
	receptorCompletions    []coordinator.ReceptorCompletion
	perspectiveCompletions []coordinator.PerspectiveCompletion

	outboxFailures      []coordinator.FailureReport
	inboxFailures       []coordinator.FailureReport
	receptorFailures    []coordinator.ReceptorFailure
	perspectiveFailures []coordinator.PerspectiveFailure
}

// snapshot is an immutable copy of the buffer contents at flush time.
type snapshot struct {
	outbox []coordinator.OutboxMessage
	inbox  []coordinator.InboxMessage

	renewOutbox []uuid.UUID
	renewInbox  []uuid.UUID

	outboxCompletions      []coordinator.Completion
	inboxCompletions       []coordinator.Completion
	receptorCompletions    []coordinator.ReceptorCompletion
	perspectiveCompletions []coordinator.PerspectiveCompletion

	outboxFailures      []coordinator.FailureReport
	inboxFailures       []coordinator.FailureReport
	receptorFailures    []coordinator.ReceptorFailure
	perspectiveFailures []coordinator.PerspectiveFailure
}

func (b *buffer) queueOutbox(m coordinator.OutboxMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = append(b.outbox, m)
}

func (b *buffer) queueInbox(m coordinator.InboxMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbox = append(b.inbox, m)
}

func (b *buffer) queueRenewals(outbox, inbox []uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewOutbox = append(b.renewOutbox, outbox...)
	b.renewInbox = append(b.renewInbox, inbox...)
}

func (b *buffer) queueOutboxCompletion(c coordinator.Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboxCompletions = append(b.outboxCompletions, c)
}

func (b *buffer) queueInboxCompletion(c coordinator.Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxCompletions = append(b.inboxCompletions, c)
}

func (b *buffer) queueReceptorCompletion(c coordinator.ReceptorCompletion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receptorCompletions = append(b.receptorCompletions, c)
}

func (b *buffer) queuePerspectiveCompletion(c coordinator.PerspectiveCompletion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perspectiveCompletions = append(b.perspectiveCompletions, c)
}

func (b *buffer) queueOutboxFailure(f coordinator.FailureReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outboxFailures = append(b.outboxFailures, f)
}

func (b *buffer) queueInboxFailure(f coordinator.FailureReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inboxFailures = append(b.inboxFailures, f)
}

func (b *buffer) queueReceptorFailure(f coordinator.ReceptorFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receptorFailures = append(b.receptorFailures, f)
}

func (b *buffer) queuePerspectiveFailure(f coordinator.PerspectiveFailure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perspectiveFailures = append(b.perspectiveFailures, f)
}

// take copies the current contents.
func (b *buffer) take() *snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &snapshot{
		outbox:                 append([]coordinator.OutboxMessage(nil), b.outbox...),
		inbox:                  append([]coordinator.InboxMessage(nil), b.inbox...),
		renewOutbox:            append([]uuid.UUID(nil), b.renewOutbox...),
		renewInbox:             append([]uuid.UUID(nil), b.renewInbox...),
		outboxCompletions:      append([]coordinator.Completion(nil), b.outboxCompletions...),
		inboxCompletions:       append([]coordinator.Completion(nil), b.inboxCompletions...),
		receptorCompletions:    append([]coordinator.ReceptorCompletion(nil), b.receptorCompletions...),
		perspectiveCompletions: append([]coordinator.PerspectiveCompletion(nil), b.perspectiveCompletions...),
		outboxFailures:         append([]coordinator.FailureReport(nil), b.outboxFailures...),
		inboxFailures:          append([]coordinator.FailureReport(nil), b.inboxFailures...),
		receptorFailures:       append([]coordinator.ReceptorFailure(nil), b.receptorFailures...),
		perspectiveFailures:    append([]coordinator.PerspectiveFailure(nil), b.perspectiveFailures...),
	}
}

// drop removes the flushed prefix, keeping anything queued after the
// snapshot was taken.
func (b *buffer) drop(s *snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbox = b.outbox[min(len(s.outbox), len(b.outbox)):]
	b.inbox = b.inbox[min(len(s.inbox), len(b.inbox)):]
	b.renewOutbox = b.renewOutbox[min(len(s.renewOutbox), len(b.renewOutbox)):]
	b.renewInbox = b.renewInbox[min(len(s.renewInbox), len(b.renewInbox)):]
	b.outboxCompletions = b.outboxCompletions[min(len(s.outboxCompletions), len(b.outboxCompletions)):]
	b.inboxCompletions = b.inboxCompletions[min(len(s.inboxCompletions), len(b.inboxCompletions)):]
	b.receptorCompletions = b.receptorCompletions[min(len(s.receptorCompletions), len(b.receptorCompletions)):]
	b.perspectiveCompletions = b.perspectiveCompletions[min(len(s.perspectiveCompletions), len(b.perspectiveCompletions)):]
	b.outboxFailures = b.outboxFailures[min(len(s.outboxFailures), len(b.outboxFailures)):]
	b.inboxFailures = b.inboxFailures[min(len(s.inboxFailures), len(b.inboxFailures)):]
	b.receptorFailures = b.receptorFailures[min(len(s.receptorFailures), len(b.receptorFailures)):]
	b.perspectiveFailures = b.perspectiveFailures[min(len(s.perspectiveFailures), len(b.perspectiveFailures)):]
}

// reset discards everything buffered. A manual flush inside a scope uses
// drop; reset is for abandoning a scope outright.
func (b *buffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b = buffer{}
}

// envelopes returns the message bodies of the snapshot for lifecycle
// handlers.
func (s *snapshot) envelopes() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(s.outbox)+len(s.inbox))
	for _, m := range s.outbox {
		out = append(out, m.Envelope)
	}
	for _, m := range s.inbox {
		out = append(out, m.Envelope)
	}
	return out
}

// empty reports whether the snapshot carries nothing at all.
func (s *snapshot) empty() bool {
	return len(s.outbox) == 0 && len(s.inbox) == 0 &&
		len(s.renewOutbox) == 0 && len(s.renewInbox) == 0 &&
		len(s.outboxCompletions) == 0 && len(s.inboxCompletions) == 0 &&
		len(s.receptorCompletions) == 0 && len(s.perspectiveCompletions) == 0 &&
		len(s.outboxFailures) == 0 && len(s.inboxFailures) == 0 &&
		len(s.receptorFailures) == 0 && len(s.perspectiveFailures) == 0
}

// request builds the coordinator request for this snapshot.
func (s *snapshot) request(opts Options, flags message.BatchFlags) *coordinator.ProcessWorkBatchRequest {
	return &coordinator.ProcessWorkBatchRequest{
		Instance:               opts.Instance,
		NewOutbox:              s.outbox,
		NewInbox:               s.inbox,
		RenewOutbox:            s.renewOutbox,
		RenewInbox:             s.renewInbox,
		OutboxCompletions:      s.outboxCompletions,
		InboxCompletions:       s.inboxCompletions,
		ReceptorCompletions:    s.receptorCompletions,
		PerspectiveCompletions: s.perspectiveCompletions,
		OutboxFailures:         s.outboxFailures,
		InboxFailures:          s.inboxFailures,
		ReceptorFailures:       s.receptorFailures,
		PerspectiveFailures:    s.perspectiveFailures,
		Perspectives:           opts.Perspectives,
		PartitionCount:         opts.PartitionCount,
		Lease:                  opts.Lease,
		StaleThreshold:         opts.StaleThreshold,
		MaxAttempts:            opts.MaxAttempts,
		BatchLimit:             opts.BatchLimit,
		Flags:                  flags,
	}
}
