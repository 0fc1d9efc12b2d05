package perspective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

// counter folds events into {"count": n}.
type counter struct{ failAt *uuid.UUID }

func (c *counter) Name() string { return "counter" }

func (c *counter) Init() json.RawMessage { return json.RawMessage(`{"count":0}`) }

func (c *counter) Apply(state json.RawMessage, event coordinator.StoredEvent) (json.RawMessage, error) {
	if c.failAt != nil && event.EventID == *c.failAt {
		return nil, errors.New("poison event")
	}
	var s struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, err
	}
	s.Count++
	return json.Marshal(s)
}

type fakeSource struct {
	events []coordinator.StoredEvent
}

func (f *fakeSource) ReadStream(ctx context.Context, streamID uuid.UUID, after *uuid.UUID, limit int) ([]coordinator.StoredEvent, error) {
	start := 0
	if after != nil {
		for i, e := range f.events {
			if e.EventID == *after {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end > len(f.events) {
		end = len(f.events)
	}
	return f.events[start:end], nil
}

type fakeReporter struct {
	completions []coordinator.PerspectiveCompletion
	failures    []coordinator.PerspectiveFailure
}

func (f *fakeReporter) ReportPerspectiveCompletion(ctx context.Context, c coordinator.PerspectiveCompletion) error {
	f.completions = append(f.completions, c)
	return nil
}

func (f *fakeReporter) ReportPerspectiveFailure(ctx context.Context, fl coordinator.PerspectiveFailure) error {
	f.failures = append(f.failures, fl)
	return nil
}

type fakeSink struct {
	states map[string]json.RawMessage
}

func newFakeSink() *fakeSink { return &fakeSink{states: make(map[string]json.RawMessage)} }

func (f *fakeSink) key(p string, s uuid.UUID) string { return p + "/" + s.String() }

func (f *fakeSink) Load(ctx context.Context, perspective string, streamID uuid.UUID) (json.RawMessage, bool, error) {
	state, ok := f.states[f.key(perspective, streamID)]
	return state, ok, nil
}

func (f *fakeSink) Save(ctx context.Context, perspective string, streamID uuid.UUID, state json.RawMessage) error {
	f.states[f.key(perspective, streamID)] = state
	return nil
}

func streamEvents(streamID uuid.UUID, n int) []coordinator.StoredEvent {
	events := make([]coordinator.StoredEvent, n)
	for i := range events {
		events[i] = coordinator.StoredEvent{
			EventID:   message.NewID(),
			StreamID:  streamID,
			Version:   int64(i),
			EventType: "OrderPlaced",
			Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return events
}

func TestRunner_CatchUpFromBeginning(t *testing.T) {
	streamID := message.NewID()
	events := streamEvents(streamID, 3)
	source := &fakeSource{events: events}
	reporter := &fakeReporter{}
	sink := newFakeSink()

	runner := NewRunner(source, reporter, sink, nil)
	runner.Register(&counter{})

	err := runner.Run(context.Background(), coordinator.PerspectiveWork{
		StreamID:    streamID,
		Perspective: "counter",
	})
	require.NoError(t, err)

	require.Len(t, reporter.completions, 1)
	assert.Equal(t, events[2].EventID, reporter.completions[0].LastEventID,
		"checkpoint advances to the last applied event")

	state, found, err := sink.Load(context.Background(), "counter", streamID)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"count":3}`, string(state))
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	streamID := message.NewID()
	events := streamEvents(streamID, 5)
	source := &fakeSource{events: events}
	reporter := &fakeReporter{}
	sink := newFakeSink()
	require.NoError(t, sink.Save(context.Background(), "counter", streamID, json.RawMessage(`{"count":2}`)))

	runner := NewRunner(source, reporter, sink, nil)
	runner.Register(&counter{})

	checkpoint := events[1].EventID
	err := runner.Run(context.Background(), coordinator.PerspectiveWork{
		StreamID:    streamID,
		Perspective: "counter",
		LastEventID: &checkpoint,
	})
	require.NoError(t, err)

	state, _, err := sink.Load(context.Background(), "counter", streamID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":5}`, string(state),
		"only events after the checkpoint are folded onto the loaded state")
	require.Len(t, reporter.completions, 1)
	assert.Equal(t, events[4].EventID, reporter.completions[0].LastEventID)
}

func TestRunner_ApplyFailureReportsEventID(t *testing.T) {
	streamID := message.NewID()
	events := streamEvents(streamID, 3)
	source := &fakeSource{events: events}
	reporter := &fakeReporter{}
	sink := newFakeSink()

	runner := NewRunner(source, reporter, sink, nil)
	runner.Register(&counter{failAt: &events[1].EventID})

	err := runner.Run(context.Background(), coordinator.PerspectiveWork{
		StreamID:    streamID,
		Perspective: "counter",
	})
	require.Error(t, err)

	require.Len(t, reporter.failures, 1)
	require.NotNil(t, reporter.failures[0].EventID)
	assert.Equal(t, events[1].EventID, *reporter.failures[0].EventID,
		"failure report names the poison event")
	assert.Empty(t, reporter.completions)

	_, found, err := sink.Load(context.Background(), "counter", streamID)
	require.NoError(t, err)
	assert.False(t, found, "no state is persisted for a failed run")
}

func TestRunner_NoNewEventsIsNoop(t *testing.T) {
	streamID := message.NewID()
	events := streamEvents(streamID, 2)
	source := &fakeSource{events: events}
	reporter := &fakeReporter{}

	runner := NewRunner(source, reporter, newFakeSink(), nil)
	runner.Register(&counter{})

	checkpoint := events[1].EventID
	err := runner.Run(context.Background(), coordinator.PerspectiveWork{
		StreamID:    streamID,
		Perspective: "counter",
		LastEventID: &checkpoint,
	})
	require.NoError(t, err)
	assert.Empty(t, reporter.completions, "nothing to apply, nothing to report")
}

func TestRunner_UnregisteredPerspective(t *testing.T) {
	runner := NewRunner(&fakeSource{}, &fakeReporter{}, newFakeSink(), nil)
	err := runner.Run(context.Background(), coordinator.PerspectiveWork{
		StreamID:    message.NewID(),
		Perspective: "nobody-home",
	})
	assert.Error(t, err)
}

func TestRunner_Names(t *testing.T) {
	runner := NewRunner(&fakeSource{}, &fakeReporter{}, newFakeSink(), nil)
	runner.Register(&counter{})
	assert.Equal(t, []string{"counter"}, runner.Names())
}
