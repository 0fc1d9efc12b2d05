package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/message"
)

// AMQPTransport publishes and consumes envelopes over RabbitMQ. Queues are
// declared durable on first use of a destination. A broken connection
// flips readiness off; the next Publish redials.
type AMQPTransport struct {
	url    string
	dialer AMQPDialer
	logger *logrus.Entry

	mu         sync.Mutex
	connection AMQPConnection
	channel    AMQPChannel
	declared   map[string]bool
	ready      bool
	closed     bool
}

// NewAMQPTransport connects to the broker at url.
func NewAMQPTransport(url string) (*AMQPTransport, error) {
	return NewAMQPTransportWithDialer(url, &RealAMQPDialer{})
}

// NewAMQPTransportWithDialer creates the transport with an injected dialer
// for testing.
func NewAMQPTransportWithDialer(url string, dialer AMQPDialer) (*AMQPTransport, error) {
	t := &AMQPTransport{
		url:      url,
		dialer:   dialer,
		logger:   common.Logger.WithField("component", "amqp-transport"),
		declared: make(map[string]bool),
	}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

// connect dials and opens the channel. Caller must not hold t.mu.
func (t *AMQPTransport) connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked()
}

func (t *AMQPTransport) connectLocked() error {
	conn, err := t.dialer.Dial(t.url)
	if err != nil {
		t.ready = false
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		t.ready = false
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	t.connection = conn
	t.channel = ch
	t.declared = make(map[string]bool)
	t.ready = true
	return nil
}

// ensureQueue declares the durable queue for a destination once per
// connection. Caller holds t.mu.
func (t *AMQPTransport) ensureQueue(destination string) error {
	if t.declared[destination] {
		return nil
	}
	if _, err := t.channel.QueueDeclare(
		destination, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", destination, err)
	}
	t.declared[destination] = true
	return nil
}

// Publish sends one envelope to a destination queue. A connection failure
// surfaces as a transport failure so the outbox row is retried after its
// lease expires.
func (t *AMQPTransport) Publish(ctx context.Context, destination string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return message.NewFailure(message.KindTransportNotReady, message.StatusNone, "transport closed")
	}
	if !t.ready {
		if err := t.connectLocked(); err != nil {
			return message.NewFailure(message.KindTransportNotReady, message.StatusNone, err.Error())
		}
	}
	if err := t.ensureQueue(destination); err != nil {
		t.ready = false
		return message.NewFailure(message.KindTransportError, message.StatusNone, err.Error())
	}

	err := t.channel.Publish(
		"",          // exchange (default)
		destination, // routing key (queue name)
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		t.ready = false
		return message.NewFailure(message.KindTransportError, message.StatusNone,
			fmt.Sprintf("failed to publish to %s: %v", destination, err))
	}
	return nil
}

// Subscribe consumes a destination queue until ctx is cancelled. Handler
// success acks the delivery; failure requeues it.
func (t *AMQPTransport) Subscribe(ctx context.Context, destination string, handler Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if err := t.ensureQueue(destination); err != nil {
		t.mu.Unlock()
		return err
	}
	deliveries, err := t.channel.Consume(
		destination, // queue
		"",          // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", destination, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					t.logger.WithField("destination", destination).
						Warn("consume channel closed")
					return
				}
				if err := handler(ctx, delivery.Body); err != nil {
					t.logger.WithError(err).WithField("destination", destination).
						Warn("handler failed, requeueing delivery")
					if delivery.Acknowledger != nil {
						delivery.Nack(false, true)
					}
					continue
				}
				if delivery.Acknowledger != nil {
					delivery.Ack(false)
				}
			}
		}
	}()
	return nil
}

// QueueDepth returns the number of messages waiting on a destination.
func (t *AMQPTransport) QueueDepth(destination string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, err := t.channel.QueueInspect(destination)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", destination, err)
	}
	return q.Messages, nil
}

// IsReady reports whether the connection is currently usable.
func (t *AMQPTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.closed
}

// Close shuts the channel and connection down.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.ready = false
	if t.channel != nil {
		t.channel.Close()
	}
	if t.connection != nil {
		t.connection.Close()
	}
	return nil
}

var _ Transport = (*AMQPTransport)(nil)
