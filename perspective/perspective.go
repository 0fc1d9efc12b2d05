// Package perspective materializes read models from the event log. A
// perspective is a pure fold over a stream's events; the runner replays
// events past the checkpoint, persists the folded state, and reports the
// new checkpoint back to the coordinator.
package perspective

import (
	"encoding/json"

	"github.com/workhubhq/workhub/coordinator"
)

// Perspective folds stream events into projection state. Init returns the
// empty state for a fresh stream; Apply must be deterministic and free of
// I/O, so replaying the same events always produces the same state.
type Perspective interface {
	Name() string
	Init() json.RawMessage
	Apply(state json.RawMessage, event coordinator.StoredEvent) (json.RawMessage, error)
}
