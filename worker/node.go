package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/db"
	"github.com/workhubhq/workhub/dispatch"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
	"github.com/workhubhq/workhub/perspective"
	"github.com/workhubhq/workhub/strategy"
	"github.com/workhubhq/workhub/stream"
	"github.com/workhubhq/workhub/transport"
)

// Store is the coordination surface a node needs; coordinator.Store
// implements it. Tests substitute a fake.
type Store interface {
	strategy.Processor
	perspective.EventSource
	perspective.Reporter
}

// Options configure a node.
type Options struct {
	ServiceName string

	// EventDestination makes Publish-ed events leave the process.
	EventDestination string

	// Consume lists the destinations this instance subscribes to.
	Consume []string

	// Perspectives run on this instance; States persists their folded
	// state and may be nil.
	Perspectives []perspective.Perspective
	States       perspective.StateSink

	// Listener wakes the flush loop on NOTIFY work signals. May be nil.
	Listener *db.Listener

	// DeadLetters keeps undecodable deliveries for inspection. May be
	// nil, in which case they are only logged. The node does not close
	// the store.
	DeadLetters *DeadLetterStore

	// ParallelStreams publishes and processes distinct streams
	// concurrently.
	ParallelStreams bool

	// OnBatch observes every flush result after the node has routed its
	// work, used by operation tracking. May be nil.
	OnBatch func(batch *coordinator.WorkBatch)

	Interval       time.Duration
	PartitionCount int
	Lease          time.Duration
	StaleThreshold time.Duration
	MaxAttempts    int
	BatchLimit     int
	Publisher      PublisherOptions
}

// Node is one running service instance: an interval flush loop that
// doubles as the heartbeat, a publisher and a consumer over the transport,
// local receptor dispatch and perspective catch-up.
type Node struct {
	store      Store
	transport  transport.Transport
	opts       Options
	instance   coordinator.ServiceInstance
	registry   *lifecycle.Registry
	invoker    *lifecycle.Invoker
	strategy   *strategy.Interval
	dispatcher *dispatch.Dispatcher
	publisher  *PublisherLoop
	consumer   *ConsumerLoop
	runner     *perspective.Runner
	logger     *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewNode wires the node. Receptors and lifecycle handlers are registered
// on the returned node before Start.
func NewNode(store Store, tr transport.Transport, opts Options) *Node {
	hostname, _ := os.Hostname()
	instance := coordinator.ServiceInstance{
		ID:          message.NewID(),
		ServiceName: opts.ServiceName,
		HostName:    hostname,
		ProcessID:   os.Getpid(),
	}

	registry := lifecycle.NewRegistry()
	invoker := lifecycle.NewInvoker(registry)

	runner := perspective.NewRunner(store, store, opts.States, invoker)
	for _, p := range opts.Perspectives {
		runner.Register(p)
	}

	n := &Node{
		store:     store,
		transport: tr,
		opts:      opts,
		instance:  instance,
		registry:  registry,
		invoker:   invoker,
		runner:    runner,
		logger: common.Logger.WithFields(logrus.Fields{
			"component": "node",
			"service":   opts.ServiceName,
			"instance":  instance.ID,
		}),
	}

	n.strategy = strategy.NewInterval(store, invoker, strategy.Options{
		Instance:       instance,
		Perspectives:   runner.Names(),
		PartitionCount: opts.PartitionCount,
		Lease:          opts.Lease,
		StaleThreshold: opts.StaleThreshold,
		MaxAttempts:    opts.MaxAttempts,
		BatchLimit:     opts.BatchLimit,
		Interval:       opts.Interval,
		OnBatch:        n.onBatch,
	})
	n.dispatcher = dispatch.NewDispatcher(n.strategy, invoker, dispatch.Options{
		ServiceName:      opts.ServiceName,
		EventDestination: opts.EventDestination,
	})
	opts.Publisher.Parallel = opts.ParallelStreams
	n.publisher = NewPublisherLoop(tr, n.strategy, invoker, opts.Publisher)
	n.consumer = NewConsumerLoop(tr, n.strategy, n.strategy.Wake)
	if opts.DeadLetters != nil {
		n.consumer.UseDeadLetters(opts.DeadLetters)
	}
	return n
}

// Dispatcher is the application-facing send/invoke/publish surface.
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }

// Registry exposes lifecycle handler registration.
func (n *Node) Registry() *lifecycle.Registry { return n.registry }

// Consumer exposes inbound route configuration.
func (n *Node) Consumer() *ConsumerLoop { return n.consumer }

// Instance returns this node's coordinator identity.
func (n *Node) Instance() coordinator.ServiceInstance { return n.instance }

// Flush forces an immediate coordination cycle, used by tests and the ops
// surface.
func (n *Node) Flush(ctx context.Context) (*coordinator.WorkBatch, error) {
	return n.strategy.Flush(ctx, message.BatchNone)
}

// Start launches the flush loop, the publisher and the subscriptions.
// Starting twice is a no-op.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel

	n.publisher.Start(loopCtx)
	for _, destination := range n.opts.Consume {
		if err := n.consumer.Subscribe(loopCtx, destination); err != nil {
			cancel()
			return err
		}
	}
	if n.opts.Listener != nil {
		n.opts.Listener.OnSignal(func(signal *db.WorkSignal) {
			n.strategy.Wake()
		})
		n.opts.Listener.Start()
	}
	n.strategy.Start()

	n.running = true
	n.logger.Info("node started")
	return nil
}

// Stop drains the node: one final flush so buffered completions reach the
// coordinator, then the loops wind down. Outbox work still in flight is
// reclaimed by lease expiry.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false

	if n.opts.Listener != nil {
		n.opts.Listener.Stop()
	}
	n.strategy.Stop()
	n.cancel()
	n.publisher.Stop()
	n.invoker.Wait()
	n.logger.Info("node stopped")
}

// onBatch receives every flush result: outbox work goes to the publisher,
// inbox work through the local receptors, perspective work to the runner.
func (n *Node) onBatch(batch *coordinator.WorkBatch) {
	ctx := context.Background()

	for _, itemErr := range batch.Errors {
		n.logger.WithFields(logrus.Fields{
			"message_id": itemErr.MessageID,
			"kind":       itemErr.Kind,
		}).Warn(itemErr.Err)
	}

	if len(batch.Outbox) > 0 {
		if err := n.publisher.Submit(ctx, batch.Outbox); err != nil {
			n.logger.WithError(err).Warn("dropping outbox batch, lease expiry will reclaim it")
		}
	}

	if len(batch.Inbox) > 0 {
		proc := &stream.Processor[coordinator.InboxWork]{
			Parallel: n.opts.ParallelStreams,
			Stream:   func(w coordinator.InboxWork) *uuid.UUID { return w.StreamID },
			Sequence: func(w coordinator.InboxWork) int64 { return w.SequenceOrder },
			Process:  n.processInbox,
			Complete: func(w coordinator.InboxWork, status message.Status) {
				if err := n.strategy.QueueInboxCompletion(ctx, coordinator.Completion{
					MessageID: w.MessageID,
					Status:    status,
				}); err != nil {
					n.logger.WithError(err).Error("failed to queue inbox completion")
				}
			},
			Fail: func(w coordinator.InboxWork, failure *message.Failure) {
				if err := n.strategy.QueueInboxFailure(ctx, coordinator.FailureReport{
					MessageID: w.MessageID,
					Failure:   failure,
				}); err != nil {
					n.logger.WithError(err).Error("failed to queue inbox failure")
				}
			},
		}
		proc.Dispatch(ctx, batch.Inbox)
	}

	if len(batch.Perspectives) > 0 {
		if err := n.runner.RunAll(ctx, batch.Perspectives); err != nil {
			n.logger.WithError(err).Warn("perspective catch-up incomplete")
		}
	}

	if n.opts.OnBatch != nil {
		n.opts.OnBatch(batch)
	}
}

// processInbox runs one claimed inbound message through the Pre/Post inbox
// stages and the local receptors.
func (n *Node) processInbox(ctx context.Context, work coordinator.InboxWork) (message.Status, error) {
	env, err := message.ParseEnvelope(work.Envelope)
	if err != nil {
		return work.Status, message.NewFailure(message.KindSerialization, work.Status, err.Error())
	}

	lc := lifecycle.Context{
		MessageType: work.EnvelopeType,
		StreamID:    work.StreamID,
		Source:      lifecycle.SourceInbox,
		Attempt:     work.Attempts,
	}
	lc.Stage = lifecycle.PreInboxAsync
	if err := n.invoker.InvokeOne(ctx, lc, work.Envelope); err != nil {
		return work.Status, err
	}
	lc.Stage = lifecycle.PreInboxInline
	if err := n.invoker.InvokeOne(ctx, lc, work.Envelope); err != nil {
		return work.Status, err
	}

	if err := n.dispatcher.DispatchInbound(ctx, dispatch.Message{
		Type:     work.EnvelopeType,
		Envelope: env,
		StreamID: work.StreamID,
		IsEvent:  work.IsEvent,
	}); err != nil {
		return work.Status, err
	}

	lc.Stage = lifecycle.PostInboxAsync
	if err := n.invoker.InvokeOne(ctx, lc, work.Envelope); err != nil {
		return work.Status, err
	}
	lc.Stage = lifecycle.PostInboxInline
	if err := n.invoker.InvokeOne(ctx, lc, work.Envelope); err != nil {
		return work.Status, err
	}

	return work.Status | message.StatusStored, nil
}
