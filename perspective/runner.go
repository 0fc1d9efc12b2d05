package perspective

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
)

// EventSource reads stream events; coordinator.Store implements it.
type EventSource interface {
	ReadStream(ctx context.Context, streamID uuid.UUID, afterEventID *uuid.UUID, limit int) ([]coordinator.StoredEvent, error)
}

// Reporter receives checkpoint outcomes; coordinator.Store implements it.
type Reporter interface {
	ReportPerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error
	ReportPerspectiveFailure(ctx context.Context, f coordinator.PerspectiveFailure) error
}

// StateSink persists folded projection state.
type StateSink interface {
	Load(ctx context.Context, perspective string, streamID uuid.UUID) (json.RawMessage, bool, error)
	Save(ctx context.Context, perspective string, streamID uuid.UUID, state json.RawMessage) error
}

// Runner executes PerspectiveWork items: read events after the checkpoint,
// fold, persist, report. It never writes the event store.
type Runner struct {
	source     EventSource
	reporter   Reporter
	states     StateSink
	invoker    *lifecycle.Invoker
	batchLimit int
	logger     *logrus.Entry

	mu           sync.RWMutex
	perspectives map[string]Perspective
}

// NewRunner creates a runner. The invoker may be nil when no lifecycle
// handlers are wanted.
func NewRunner(source EventSource, reporter Reporter, states StateSink, invoker *lifecycle.Invoker) *Runner {
	return &Runner{
		source:       source,
		reporter:     reporter,
		states:       states,
		invoker:      invoker,
		batchLimit:   coordinator.DefaultBatchLimit,
		logger:       common.Logger.WithField("component", "perspective-runner"),
		perspectives: make(map[string]Perspective),
	}
}

// Register makes a perspective available to Run. Names returns the
// registered set for the batch request.
func (r *Runner) Register(p Perspective) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perspectives[p.Name()] = p
}

// Names returns the registered perspective names.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.perspectives))
	for name := range r.perspectives {
		names = append(names, name)
	}
	return names
}

func (r *Runner) perspective(name string) (Perspective, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perspectives[name]
	return p, ok
}

// Run catches one perspective up on one stream. The reported completion
// carries the last event id actually applied; a failed Apply reports the
// offending event id and quarantines the checkpoint.
func (r *Runner) Run(ctx context.Context, work coordinator.PerspectiveWork) error {
	p, ok := r.perspective(work.Perspective)
	if !ok {
		return fmt.Errorf("perspective %s is not registered", work.Perspective)
	}

	state, err := r.initialState(ctx, p, work)
	if err != nil {
		return err
	}

	if err := r.invoke(ctx, lifecycle.PrePerspectiveAsync, lifecycle.PrePerspectiveInline, work); err != nil {
		return err
	}

	cursor := work.LastEventID
	var lastApplied *uuid.UUID

	for {
		events, err := r.source.ReadStream(ctx, work.StreamID, cursor, r.batchLimit)
		if err != nil {
			return fmt.Errorf("failed to read stream %s: %w", work.StreamID, err)
		}
		if len(events) == 0 {
			break
		}

		for i := range events {
			event := events[i]
			next, err := p.Apply(state, event)
			if err != nil {
				reason := fmt.Sprintf("apply failed at event %s: %v", event.EventID, err)
				if reportErr := r.reporter.ReportPerspectiveFailure(ctx, coordinator.PerspectiveFailure{
					StreamID:    work.StreamID,
					Perspective: work.Perspective,
					EventID:     &event.EventID,
					Reason:      reason,
				}); reportErr != nil {
					r.logger.WithError(reportErr).Error("failed to report perspective failure")
				}
				return fmt.Errorf("perspective %s: %s", work.Perspective, reason)
			}
			state = next
			id := event.EventID
			lastApplied = &id
		}

		cursor = lastApplied
		if len(events) < r.batchLimit {
			break
		}
	}

	if lastApplied == nil {
		return nil // checkpoint already current
	}

	if r.states != nil {
		if err := r.states.Save(ctx, work.Perspective, work.StreamID, state); err != nil {
			return fmt.Errorf("failed to persist state for %s/%s: %w", work.Perspective, work.StreamID, err)
		}
	}

	if err := r.reporter.ReportPerspectiveCompletion(ctx, coordinator.PerspectiveCompletion{
		StreamID:    work.StreamID,
		Perspective: work.Perspective,
		LastEventID: *lastApplied,
	}); err != nil {
		return fmt.Errorf("failed to report checkpoint for %s/%s: %w", work.Perspective, work.StreamID, err)
	}

	return r.invoke(ctx, lifecycle.PostPerspectiveAsync, lifecycle.PostPerspectiveInline, work)
}

// RunAll executes every work item of a batch sequentially, collecting the
// first error but attempting the rest; items are independent streams.
func (r *Runner) RunAll(ctx context.Context, work []coordinator.PerspectiveWork) error {
	var firstErr error
	for _, w := range work {
		if err := r.Run(ctx, w); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"perspective": w.Perspective,
				"stream":      w.StreamID,
			}).Warn("perspective run failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Runner) initialState(ctx context.Context, p Perspective, work coordinator.PerspectiveWork) (json.RawMessage, error) {
	if work.LastEventID == nil || r.states == nil {
		return p.Init(), nil
	}
	state, found, err := r.states.Load(ctx, work.Perspective, work.StreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s/%s: %w", work.Perspective, work.StreamID, err)
	}
	if !found {
		return p.Init(), nil
	}
	return state, nil
}

func (r *Runner) invoke(ctx context.Context, async, inline lifecycle.Stage, work coordinator.PerspectiveWork) error {
	if r.invoker == nil {
		return nil
	}
	lc := lifecycle.Context{
		StreamID:    &work.StreamID,
		Perspective: work.Perspective,
	}
	lc.Stage = async
	if err := r.invoker.Invoke(ctx, lc, nil); err != nil {
		return err
	}
	lc.Stage = inline
	return r.invoker.Invoke(ctx, lc, nil)
}

