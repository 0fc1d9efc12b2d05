package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
	"github.com/workhubhq/workhub/strategy"
	"github.com/workhubhq/workhub/stream"
	"github.com/workhubhq/workhub/transport"
)

// Publisher loop defaults.
const (
	DefaultPublisherBuffer = 16
	DefaultReadyBackoff    = 250 * time.Millisecond
	DefaultReadyAttempts   = 8
)

// PublisherOptions tune the publisher loop. Zero values take the defaults.
type PublisherOptions struct {
	// Buffer is the capacity of the batch hand-off channel.
	Buffer int
	// ReadyBackoff is the initial wait when the transport reports not
	// ready; it doubles per attempt.
	ReadyBackoff time.Duration
	// ReadyAttempts bounds the readiness waits before a publish is failed
	// with transport_not_ready and left for the next claim cycle.
	ReadyAttempts int
	// Parallel publishes distinct streams concurrently.
	Parallel bool
}

func (o *PublisherOptions) applyDefaults() {
	if o.Buffer == 0 {
		o.Buffer = DefaultPublisherBuffer
	}
	if o.ReadyBackoff == 0 {
		o.ReadyBackoff = DefaultReadyBackoff
	}
	if o.ReadyAttempts == 0 {
		o.ReadyAttempts = DefaultReadyAttempts
	}
}

// PublisherLoop pushes claimed outbox work to the transport and reports the
// outcome back through the strategy, so the next flush carries the
// completions and failures of the previous cycle.
type PublisherLoop struct {
	transport transport.Transport
	strategy  strategy.Strategy
	invoker   *lifecycle.Invoker
	opts      PublisherOptions
	logger    *logrus.Entry

	batches chan []coordinator.OutboxWork
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewPublisherLoop creates the loop. invoker fires the outbox lifecycle
// stages and may be nil. Start launches the loop.
func NewPublisherLoop(tr transport.Transport, st strategy.Strategy, invoker *lifecycle.Invoker, opts PublisherOptions) *PublisherLoop {
	opts.applyDefaults()
	return &PublisherLoop{
		transport: tr,
		strategy:  st,
		invoker:   invoker,
		opts:      opts,
		logger:    common.Logger.WithField("component", "publisher"),
		batches:   make(chan []coordinator.OutboxWork, opts.Buffer),
	}
}

// Submit hands a batch of claimed outbox work to the loop. It blocks when
// the buffer is full, which back-pressures the flush cadence.
func (p *PublisherLoop) Submit(ctx context.Context, work []coordinator.OutboxWork) error {
	if len(work) == 0 {
		return nil
	}
	select {
	case p.batches <- work:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher submit cancelled: %w", ctx.Err())
	}
}

// Start launches the background loop. The loop ends when ctx is cancelled;
// work still buffered at that point is reclaimed by lease expiry.
func (p *PublisherLoop) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case work := <-p.batches:
				p.publishBatch(ctx, work)
			}
		}
	}()
}

// Stop waits for the loop goroutine to return. Cancel the Start context
// first.
func (p *PublisherLoop) Stop() {
	p.wg.Wait()
}

func (p *PublisherLoop) publishBatch(ctx context.Context, work []coordinator.OutboxWork) {
	proc := &stream.Processor[coordinator.OutboxWork]{
		Parallel: p.opts.Parallel,
		Stream:   func(w coordinator.OutboxWork) *uuid.UUID { return w.StreamID },
		Sequence: func(w coordinator.OutboxWork) int64 { return w.SequenceOrder },
		Process:  p.publishOne,
		Complete: func(w coordinator.OutboxWork, status message.Status) {
			if err := p.strategy.QueueOutboxCompletion(ctx, coordinator.Completion{
				MessageID: w.MessageID,
				Status:    status,
			}); err != nil {
				p.logger.WithError(err).WithField("message_id", w.MessageID).
					Error("failed to queue publish completion")
			}
		},
		Fail: func(w coordinator.OutboxWork, failure *message.Failure) {
			if err := p.strategy.QueueOutboxFailure(ctx, coordinator.FailureReport{
				MessageID: w.MessageID,
				Failure:   failure,
			}); err != nil {
				p.logger.WithError(err).WithField("message_id", w.MessageID).
					Error("failed to queue publish failure")
			}
		},
	}
	proc.Dispatch(ctx, work)
}

func (p *PublisherLoop) publishOne(ctx context.Context, work coordinator.OutboxWork) (message.Status, error) {
	if err := p.awaitReady(ctx); err != nil {
		return work.Status, message.NewFailure(message.KindTransportNotReady, work.Status, err.Error())
	}

	body, err := encodeWire(work)
	if err != nil {
		return work.Status, message.NewFailure(message.KindSerialization, work.Status, err.Error())
	}

	lc := lifecycle.Context{
		MessageType: work.EnvelopeType,
		StreamID:    work.StreamID,
		Source:      lifecycle.SourceOutbox,
		Attempt:     work.Attempts,
	}
	if err := p.invoke(ctx, lc, lifecycle.PreOutboxAsync, lifecycle.PreOutboxInline, work.Envelope); err != nil {
		return work.Status, err
	}

	if err := p.transport.Publish(ctx, work.Destination, body); err != nil {
		if failure, ok := err.(*message.Failure); ok {
			failure.Completed = work.Status
			return work.Status, failure
		}
		return work.Status, message.NewFailure(message.KindTransportError, work.Status, err.Error())
	}

	status := work.Status | message.StatusPublished
	if err := p.invoke(ctx, lc, lifecycle.PostOutboxAsync, lifecycle.PostOutboxInline, work.Envelope); err != nil {
		// The publish itself succeeded; report it so the message is not
		// sent again.
		p.logger.WithError(err).Warn("post-outbox stage failed after publish")
		return status, nil
	}

	p.logger.WithFields(logrus.Fields{
		"message_id":  work.MessageID,
		"destination": work.Destination,
	}).Debug("published")
	return status, nil
}

func (p *PublisherLoop) invoke(ctx context.Context, lc lifecycle.Context, async, inline lifecycle.Stage, envelope []byte) error {
	if p.invoker == nil {
		return nil
	}
	lc.Stage = async
	if err := p.invoker.InvokeOne(ctx, lc, envelope); err != nil {
		return err
	}
	lc.Stage = inline
	return p.invoker.InvokeOne(ctx, lc, envelope)
}

func (p *PublisherLoop) awaitReady(ctx context.Context) error {
	backoff := p.opts.ReadyBackoff
	for attempt := 0; attempt < p.opts.ReadyAttempts; attempt++ {
		if p.transport.IsReady() {
			return nil
		}
		p.logger.WithField("backoff", backoff).Debug("transport not ready, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if p.transport.IsReady() {
		return nil
	}
	return fmt.Errorf("transport not ready after %d waits", p.opts.ReadyAttempts)
}
