package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/strategy"
	"github.com/workhubhq/workhub/transport"
)

// ConsumerLoop subscribes to the instance's inbound destinations and queues
// every delivery as an inbox message on the strategy. The actual handler
// invocation happens later, after the coordinator has stored and claimed
// the message; the consumer only hands deliveries over.
type ConsumerLoop struct {
	transport transport.Transport
	strategy  strategy.Strategy
	logger    *logrus.Entry

	// wake requests an immediate flush so a delivery does not sit in the
	// buffer until the next tick. May be nil.
	wake func()

	// deadLetters receives deliveries that cannot be decoded. May be nil.
	deadLetters *DeadLetterStore

	mu     sync.RWMutex
	routes map[string]string
}

// NewConsumerLoop creates the loop. wake may be nil.
func NewConsumerLoop(tr transport.Transport, st strategy.Strategy, wake func()) *ConsumerLoop {
	return &ConsumerLoop{
		transport: tr,
		strategy:  st,
		logger:    common.Logger.WithField("component", "consumer"),
		wake:      wake,
		routes:    make(map[string]string),
	}
}

// UseDeadLetters keeps undecodable deliveries in store instead of only
// logging them.
func (c *ConsumerLoop) UseDeadLetters(store *DeadLetterStore) {
	c.deadLetters = store
}

// Route maps an envelope type to the handler name its inbox rows are keyed
// by. Unrouted types use the envelope type itself.
func (c *ConsumerLoop) Route(envelopeType, handlerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[envelopeType] = handlerName
}

func (c *ConsumerLoop) handlerFor(envelopeType string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.routes[envelopeType]; ok {
		return name
	}
	return envelopeType
}

// Subscribe starts consuming one destination. The subscription ends when
// ctx is cancelled.
func (c *ConsumerLoop) Subscribe(ctx context.Context, destination string) error {
	handler := func(ctx context.Context, body []byte) error {
		return c.handle(ctx, destination, body)
	}
	if err := c.transport.Subscribe(ctx, destination, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}
	c.logger.WithField("destination", destination).Info("consuming")
	return nil
}

// handle is the transport callback. Returning an error makes the transport
// redeliver; malformed payloads are dropped instead, redelivery cannot fix
// them.
func (c *ConsumerLoop) handle(ctx context.Context, destination string, body []byte) error {
	wm, err := decodeWire(body)
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed delivery")
		if c.deadLetters != nil {
			if dlErr := c.deadLetters.Record(destination, body, err); dlErr != nil {
				c.logger.WithError(dlErr).Error("failed to record dead letter")
			}
		}
		return nil
	}

	if err := c.strategy.QueueInbox(ctx, coordinator.InboxMessage{
		MessageID:    wm.MessageID,
		HandlerName:  c.handlerFor(wm.EnvelopeType),
		EventType:    wm.EventType,
		EnvelopeType: wm.EnvelopeType,
		Envelope:     wm.Envelope,
		StreamID:     wm.StreamID,
		IsEvent:      wm.IsEvent,
	}); err != nil {
		return fmt.Errorf("failed to queue delivery %s: %w", wm.MessageID, err)
	}

	if c.wake != nil {
		c.wake()
	}
	return nil
}
