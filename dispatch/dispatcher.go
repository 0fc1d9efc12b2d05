// Package dispatch is the application-facing surface of the engine: send a
// message toward a remote destination, invoke a local receptor directly, or
// publish an event to local subscribers and optionally the outbox.
package dispatch

import (
	"context"
	"errors"
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
)

// Receptor handles one message in-process and returns a reply value for
// request-response callers.
type Receptor func(ctx context.Context, env *message.Envelope) (any, error)

// Message is one unit handed to the dispatcher.
type Message struct {
	Type         string
	Destination  string
	Envelope     *message.Envelope
	StreamID     *uuid.UUID
	IsEvent      bool
	ScheduledFor *time.Time
}

// DeliveryReceipt confirms acceptance into the durable buffer. It says
// nothing about broker acknowledgement; that is the publisher loop's job.
type DeliveryReceipt struct {
	MessageID  uuid.UUID `json:"message_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type namedReceptor struct {
	name     string
	receptor Receptor
}

// Options configure a dispatcher.
type Options struct {
	ServiceName string

	// EventDestination, when set, makes Publish append events to the
	// outbox for that destination in addition to the local fan-out.
	EventDestination string
}

// Dispatcher routes application messages onto a flush strategy and a local
// receptor registry.
type Dispatcher struct {
	strategy strategy.Strategy
	invoker  *lifecycle.Invoker
	opts     Options
	logger   *logrus.Entry

	mu        sync.RWMutex
	receptors map[string][]namedReceptor
}

// NewDispatcher creates a dispatcher over a strategy.
func NewDispatcher(s strategy.Strategy, invoker *lifecycle.Invoker, opts Options) *Dispatcher {
	return &Dispatcher{
		strategy:  s,
		invoker:   invoker,
		opts:      opts,
		logger:    common.Logger.WithField("component", "dispatcher"),
		receptors: make(map[string][]namedReceptor),
	}
}

// RegisterReceptor adds a named local handler for a message type.
func (d *Dispatcher) RegisterReceptor(messageType, name string, r Receptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receptors[messageType] = append(d.receptors[messageType], namedReceptor{name: name, receptor: r})
}

func (d *Dispatcher) receptorsFor(messageType string) []namedReceptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.receptors[messageType]
}

// Send queues a message for the destination and returns a receipt as soon
// as the buffer accepted it.
func (d *Dispatcher) Send(ctx context.Context, msg Message) (DeliveryReceipt, error) {
	receipts, err := d.SendMany(ctx, []Message{msg})
	if err != nil {
		return DeliveryReceipt{}, err
	}
	return receipts[0], nil
}

// SendMany queues a group of messages together, which under the Scoped and
// Interval strategies makes them part of the same coordinator batch.
func (d *Dispatcher) SendMany(ctx context.Context, msgs []Message) ([]DeliveryReceipt, error) {
	receipts := make([]DeliveryReceipt, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Envelope == nil {
			return nil, fmt.Errorf("message of type %s has no envelope", msg.Type)
		}
		if msg.Destination == "" {
			return nil, fmt.Errorf("message of type %s has no destination", msg.Type)
		}

		msg.Envelope.AddHop(d.opts.ServiceName, msg.Destination, string(lifecycle.ImmediateInline), "")
		body, err := msg.Envelope.JSON()
		if err != nil {
			return nil, message.NewFailure(message.KindSerialization, message.StatusNone, err.Error())
		}

		lc := lifecycle.Context{
			Stage:       lifecycle.ImmediateAsync,
			MessageType: msg.Type,
			StreamID:    msg.StreamID,
			Source:      lifecycle.SourceOutbox,
		}
		if err := d.invoker.InvokeOne(ctx, lc, body); err != nil {
			return nil, err
		}
		lc.Stage = lifecycle.ImmediateInline
		if err := d.invoker.InvokeOne(ctx, lc, body); err != nil {
			return nil, err
		}

		if err := d.strategy.QueueOutbox(ctx, coordinator.OutboxMessage{
			MessageID:    msg.Envelope.MessageID,
			Destination:  msg.Destination,
			EventType:    eventType(msg),
			EnvelopeType: msg.Type,
			Envelope:     body,
			StreamID:     msg.StreamID,
			IsEvent:      msg.IsEvent,
			ScheduledFor: msg.ScheduledFor,
		}); err != nil {
			return nil, err
		}

		receipts = append(receipts, DeliveryReceipt{
			MessageID:  msg.Envelope.MessageID,
			AcceptedAt: time.Now().UTC(),
		})
	}
	return receipts, nil
}

// LocalInvoke runs the single receptor registered for the message type and
// returns its reply. When no lifecycle handlers are registered for the
// type, the envelope is handed over without serialization.
func (d *Dispatcher) LocalInvoke(ctx context.Context, msg Message) (any, error) {
	if msg.Envelope == nil {
		return nil, fmt.Errorf("message of type %s has no envelope", msg.Type)
	}
	receptors := d.receptorsFor(msg.Type)
	if len(receptors) == 0 {
		return nil, fmt.Errorf("no receptor registered for %s", msg.Type)
	}
	if len(receptors) > 1 {
		return nil, fmt.Errorf("%d receptors registered for %s, local invoke needs exactly one", len(receptors), msg.Type)
	}

	if err := d.invokeImmediate(ctx, msg); err != nil {
		return nil, err
	}
	return receptors[0].receptor(ctx, msg.Envelope)
}

// LocalInvokeMany invokes each message in order, stopping at the first
// error.
func (d *Dispatcher) LocalInvokeMany(ctx context.Context, msgs []Message) ([]any, error) {
	results := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		result, err := d.LocalInvoke(ctx, msg)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Publish fans an event out to every local receptor for its type and, when
// an event destination is configured, appends it to the outbox as well.
func (d *Dispatcher) Publish(ctx context.Context, msg Message) (DeliveryReceipt, error) {
	if msg.Envelope == nil {
		return DeliveryReceipt{}, fmt.Errorf("event of type %s has no envelope", msg.Type)
	}

	if err := d.invokeImmediate(ctx, msg); err != nil {
		return DeliveryReceipt{}, err
	}

	var errs []error
	for _, r := range d.receptorsFor(msg.Type) {
		if _, err := r.receptor(ctx, msg.Envelope); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"receptor":     r.name,
				"message_type": msg.Type,
			}).Warn("local event receptor failed")
			errs = append(errs, fmt.Errorf("receptor %s: %w", r.name, err))
		}
	}

	if d.opts.EventDestination != "" {
		outbound := msg
		outbound.Destination = d.opts.EventDestination
		outbound.IsEvent = true
		if _, err := d.Send(ctx, outbound); err != nil {
			errs = append(errs, err)
		}
	}

	return DeliveryReceipt{
		MessageID:  msg.Envelope.MessageID,
		AcceptedAt: time.Now().UTC(),
	}, errors.Join(errs...)
}

// DispatchInbound runs the local receptors for a message claimed from the
// inbox. Events fan out to every receptor; commands require exactly one.
// Unlike Publish it never touches the outbox, so consuming an event does
// not re-emit it.
func (d *Dispatcher) DispatchInbound(ctx context.Context, msg Message) error {
	if msg.Envelope == nil {
		return fmt.Errorf("message of type %s has no envelope", msg.Type)
	}
	if !msg.IsEvent {
		_, err := d.LocalInvoke(ctx, msg)
		return err
	}

	if err := d.invokeImmediate(ctx, msg); err != nil {
		return err
	}
	var errs []error
	for _, r := range d.receptorsFor(msg.Type) {
		if _, err := r.receptor(ctx, msg.Envelope); err != nil {
			errs = append(errs, fmt.Errorf("receptor %s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}

// invokeImmediate runs the Immediate stages unless none are registered,
// in which case the envelope is never serialized (the fast path for local
// request-response traffic).
func (d *Dispatcher) invokeImmediate(ctx context.Context, msg Message) error {
	lc := lifecycle.Context{
		MessageType: msg.Type,
		StreamID:    msg.StreamID,
		Source:      lifecycle.SourceInbox,
	}

	asyncNeeded := d.invoker.HasHandlers(msg.Type, lifecycle.ImmediateAsync)
	inlineNeeded := d.invoker.HasHandlers(msg.Type, lifecycle.ImmediateInline)
	if !asyncNeeded && !inlineNeeded {
		return nil
	}

	body, err := msg.Envelope.JSON()
	if err != nil {
		return message.NewFailure(message.KindSerialization, message.StatusNone, err.Error())
	}
	if asyncNeeded {
		lc.Stage = lifecycle.ImmediateAsync
		if err := d.invoker.InvokeOne(ctx, lc, body); err != nil {
			return err
		}
	}
	if inlineNeeded {
		lc.Stage = lifecycle.ImmediateInline
		if err := d.invoker.InvokeOne(ctx, lc, body); err != nil {
			return err
		}
	}
	return nil
}

func eventType(msg Message) string {
	if msg.IsEvent {
		return msg.Type
	}
	return ""
}
