package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is one user callback. The envelope is the message's opaque JSON
// body; handlers decode what they need.
type Handler func(ctx context.Context, lc Context, envelope json.RawMessage) error

// Registration identifies one registered handler so it can be removed
// again, which tests use for runtime synchronization hooks.
type Registration struct {
	messageType string
	stage       Stage
	id          int
}

type registeredHandler struct {
	id      int
	handler Handler
}

type registryKey struct {
	messageType string
	stage       Stage
}

// Registry maps (message type, stage) to an ordered handler list. All
// methods are safe for concurrent use; handlers may be added and removed
// while the engine is running.
type Registry struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[registryKey][]registeredHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey][]registeredHandler)}
}

// Register adds a handler for a message type at a stage and returns a
// registration token for Unregister. The empty message type matches every
// message.
func (r *Registry) Register(messageType string, stage Stage, handler Handler) (Registration, error) {
	if !stage.Registerable() {
		return Registration{}, fmt.Errorf("stage %s does not accept handlers", stage)
	}
	if handler == nil {
		return Registration{}, fmt.Errorf("handler must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	key := registryKey{messageType: messageType, stage: stage}
	r.handlers[key] = append(r.handlers[key], registeredHandler{id: r.nextID, handler: handler})
	return Registration{messageType: messageType, stage: stage, id: r.nextID}, nil
}

// Unregister removes a previously registered handler. Removing twice is a
// no-op.
func (r *Registry) Unregister(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{messageType: reg.messageType, stage: reg.stage}
	list := r.handlers[key]
	for i, h := range list {
		if h.id == reg.id {
			r.handlers[key] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Handlers returns the handlers for a message type at a stage in
// registration order: type-specific handlers first, then catch-all
// handlers registered under the empty type.
func (r *Registry) Handlers(messageType string, stage Stage) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, h := range r.handlers[registryKey{messageType: messageType, stage: stage}] {
		out = append(out, h.handler)
	}
	if messageType != "" {
		for _, h := range r.handlers[registryKey{messageType: "", stage: stage}] {
			out = append(out, h.handler)
		}
	}
	return out
}
