package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
)

// DefaultInterval is the tick period when Options.Interval is zero.
const DefaultInterval = 100 * time.Millisecond

// Interval accumulates queued items and flushes on a fixed wall-clock tick,
// plus on explicit demand. Highest throughput, highest latency. The tick
// doubles as the instance heartbeat: an empty flush still announces the
// instance and claims work.
type Interval struct {
	core     *core
	interval time.Duration
	logger   *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	running bool
}

// NewInterval creates the interval strategy. Start begins the tick loop.
func NewInterval(processor Processor, invoker *lifecycle.Invoker, opts Options) *Interval {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Interval{
		core:     newCore(processor, invoker, opts),
		interval: interval,
		logger:   common.Logger.WithField("component", "interval-strategy"),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Interval) QueueOutbox(ctx context.Context, m coordinator.OutboxMessage) error {
	s.core.buf.queueOutbox(m)
	return nil
}

func (s *Interval) QueueInbox(ctx context.Context, m coordinator.InboxMessage) error {
	s.core.buf.queueInbox(m)
	return nil
}

func (s *Interval) QueueOutboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueOutboxCompletion(c)
	return nil
}

func (s *Interval) QueueInboxCompletion(ctx context.Context, c coordinator.Completion) error {
	s.core.buf.queueInboxCompletion(c)
	return nil
}

func (s *Interval) QueueReceptorCompletion(ctx context.Context, c coordinator.ReceptorCompletion) error {
	s.core.buf.queueReceptorCompletion(c)
	return nil
}

func (s *Interval) QueuePerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error {
	s.core.buf.queuePerspectiveCompletion(c)
	return nil
}

func (s *Interval) QueueOutboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueOutboxFailure(f)
	return nil
}

func (s *Interval) QueueInboxFailure(ctx context.Context, f coordinator.FailureReport) error {
	s.core.buf.queueInboxFailure(f)
	return nil
}

func (s *Interval) QueueReceptorFailure(ctx context.Context, f coordinator.ReceptorFailure) error {
	s.core.buf.queueReceptorFailure(f)
	return nil
}

func (s *Interval) QueuePerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error {
	s.core.buf.queuePerspectiveFailure(f)
	return nil
}

func (s *Interval) QueueRenewals(ctx context.Context, outbox, inbox []uuid.UUID) error {
	s.core.buf.queueRenewals(outbox, inbox)
	return nil
}

// Flush drains the buffer on demand, outside the tick cadence.
func (s *Interval) Flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	return s.core.flush(ctx, flags)
}

// Wake requests an immediate tick, used by the LISTEN/NOTIFY work signal.
func (s *Interval) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the background tick loop. Starting twice is a no-op.
func (s *Interval) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
}

// Stop ends the tick loop after one final flush so nothing buffered is
// stranded.
func (s *Interval) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.core.flush(ctx, message.BatchNone); err != nil {
		s.logger.WithError(err).Warn("final flush on stop failed")
	}
}

func (s *Interval) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}

		if _, err := s.core.flush(ctx, message.BatchNone); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("interval flush failed, retrying next tick")
		}
	}
}

var _ Strategy = (*Interval)(nil)
