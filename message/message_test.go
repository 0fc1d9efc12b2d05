package message

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_IdentityDefaults(t *testing.T) {
	env := NewEnvelope(json.RawMessage(`{"n":1}`))

	assert.Equal(t, env.MessageID, env.CorrelationID, "message id doubles as correlation id")
	assert.Empty(t, env.Hops)
	assert.Equal(t, 7, int(env.MessageID.Version()))
}

func TestEnvelope_Caused(t *testing.T) {
	parent := NewEnvelope(json.RawMessage(`{}`))
	child := parent.Caused(json.RawMessage(`{"reply":true}`))

	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.MessageID, child.CausationID)
	assert.NotEqual(t, parent.MessageID, child.MessageID)
}

func TestEnvelope_AddHop_AppendOnly(t *testing.T) {
	env := NewEnvelope(json.RawMessage(`{}`))
	env.AddHop("orders", "orders.created", "pre_outbox", "orders/service.go:42")
	env.AddHop("billing", "orders.created", "pre_inbox", "")

	require.Len(t, env.Hops, 2)
	assert.Equal(t, "orders", env.Hops[0].Service)
	assert.Equal(t, "billing", env.Hops[1].Service)
	assert.False(t, env.Hops[0].RecordedAt.IsZero())
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	env := NewEnvelope(json.RawMessage(`{"amount":42}`))
	env.AddHop("orders", "orders.created", "immediate", "")

	data, err := env.JSON()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, parsed.MessageID)
	assert.JSONEq(t, `{"amount":42}`, string(parsed.Payload))
	require.Len(t, parsed.Hops, 1)
	assert.Equal(t, "orders.created", parsed.Hops[0].Topic)
}

func TestParseEnvelope_Invalid(t *testing.T) {
	_, err := ParseEnvelope([]byte("not json"))
	assert.Error(t, err)
}

func TestSequenceOrder_TimeOrdered(t *testing.T) {
	first := NewID()
	time.Sleep(2 * time.Millisecond)
	second := NewID()

	assert.Less(t, SequenceOrder(first), SequenceOrder(second))
}

func TestStatus_Bits(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		failed bool
		render string
	}{
		{"None", StatusNone, false, "none"},
		{"Stored", StatusStored, false, "stored"},
		{"StoredAndEvent", StatusStored | StatusEventStored, false, "stored|event_stored"},
		{"Published", StatusStored | StatusPublished, false, "stored|published"},
		{"FailedAfterStore", StatusStored | StatusFailed, true, "stored|failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.failed, tt.status.Failed())
			assert.Equal(t, tt.render, tt.status.String())
		})
	}
}

func TestStatus_WithIsIdempotent(t *testing.T) {
	s := StatusStored
	s = s.With(StatusPublished)
	s = s.With(StatusPublished)
	assert.Equal(t, StatusStored|StatusPublished, s)
}

func TestFailureKind_Retryable(t *testing.T) {
	tests := []struct {
		kind      FailureKind
		retryable bool
	}{
		{KindTransportNotReady, true},
		{KindTransportError, true},
		{KindSerialization, false},
		{KindValidation, false},
		{KindMaxAttempts, false},
		{KindLeaseExpired, true},
		// A version collision must not re-enter the claimable pool: the
		// append only runs at ingestion, so a retried row would complete
		// while its event is permanently absent from the log.
		{KindOptimisticConcurrency, false},
		{KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.kind.Retryable())
		})
	}
}

func TestClassify(t *testing.T) {
	var typeErr error
	if err := json.Unmarshal([]byte(`{"n":"x"}`), &struct {
		N int `json:"n"`
	}{}); err != nil {
		typeErr = err
	}
	require.Error(t, typeErr)

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"TypedFailure", NewFailure(KindValidation, StatusStored, "bad field"), KindValidation},
		{"WrappedFailure", errors.Join(errors.New("outer"), NewFailure(KindOptimisticConcurrency, StatusNone, "version clash")), KindOptimisticConcurrency},
		{"JSONTypeError", typeErr, KindSerialization},
		{"DeadlineExceeded", context.DeadlineExceeded, KindLeaseExpired},
		{"Plain", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFailure_ErrorString(t *testing.T) {
	f := NewFailure(KindTransportError, StatusStored, "channel closed")
	assert.Equal(t, "transport_error: channel closed", f.Error())
}

func TestBatchFlags(t *testing.T) {
	assert.False(t, BatchNone.Debug())
	assert.True(t, BatchDebugMode.Debug())
	assert.True(t, FlagOrphaned.Orphaned())
	assert.False(t, FlagNewlyStored.Orphaned())
}
