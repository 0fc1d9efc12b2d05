// Package transport carries envelopes between the engine and the external
// broker. Publication is at-least-once: the outbox row is only
// acknowledged after the broker accepted the message, so redelivery is
// possible and the inbox dedup absorbs it on the receiving side.
package transport

import "context"

// Handler processes one received message body. Returning an error requeues
// the delivery where the broker supports it.
type Handler func(ctx context.Context, body []byte) error

// Transport is the broker contract. Destinations are durable queues
// created on first use; bodies are opaque JSON envelopes.
type Transport interface {
	Publish(ctx context.Context, destination string, body []byte) error
	Subscribe(ctx context.Context, destination string, handler Handler) error

	// IsReady reports whether the broker connection is usable. The
	// publisher loop backs off while this is false instead of burning
	// attempts on doomed publishes.
	IsReady() bool

	Close() error
}
