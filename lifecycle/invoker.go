package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
)

// Invoker runs the handlers registered for a stage. Inline stages are
// awaited in registration order and the first error aborts the caller;
// async stages run on a detached goroutine over a snapshot of the
// envelopes, and their errors are logged but never surfaced.
type Invoker struct {
	registry *Registry
	logger   *logrus.Entry
	wg       sync.WaitGroup
}

// NewInvoker creates an invoker over a registry.
func NewInvoker(registry *Registry) *Invoker {
	return &Invoker{
		registry: registry,
		logger:   common.Logger.WithField("component", "lifecycle"),
	}
}

// Invoke fires the handlers for the stage in lc against each envelope.
// For async stages the envelopes are copied first, so the caller may keep
// mutating the original buffer.
func (i *Invoker) Invoke(ctx context.Context, lc Context, envelopes []json.RawMessage) error {
	handlers := i.registry.Handlers(lc.MessageType, lc.Stage)
	if len(handlers) == 0 {
		return nil
	}
	if len(envelopes) == 0 {
		// Stages without message bodies (perspective runs, empty flushes)
		// still fire their handlers once.
		envelopes = []json.RawMessage{nil}
	}

	if lc.Stage.Async() {
		snapshot := make([]json.RawMessage, len(envelopes))
		copy(snapshot, envelopes)
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			for _, envelope := range snapshot {
				for _, handler := range handlers {
					if err := handler(context.WithoutCancel(ctx), lc, envelope); err != nil {
						i.logger.WithError(err).WithFields(logrus.Fields{
							"stage":        lc.Stage,
							"message_type": lc.MessageType,
						}).Warn("async lifecycle handler failed")
					}
				}
			}
		}()
		return nil
	}

	for _, envelope := range envelopes {
		for _, handler := range handlers {
			if err := handler(ctx, lc, envelope); err != nil {
				return fmt.Errorf("lifecycle stage %s failed: %w", lc.Stage, err)
			}
		}
	}
	return nil
}

// HasHandlers reports whether anything is registered for the type and
// stage, letting callers skip serialization work when nothing listens.
func (i *Invoker) HasHandlers(messageType string, stage Stage) bool {
	return len(i.registry.Handlers(messageType, stage)) > 0
}

// InvokeOne is Invoke for a single envelope.
func (i *Invoker) InvokeOne(ctx context.Context, lc Context, envelope json.RawMessage) error {
	return i.Invoke(ctx, lc, []json.RawMessage{envelope})
}

// Wait blocks until all async handlers spawned so far have returned. Used
// during shutdown and by tests.
func (i *Invoker) Wait() {
	i.wg.Wait()
}
