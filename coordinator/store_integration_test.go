//go:build integration

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/workhubhq/workhub/db"
	"github.com/workhubhq/workhub/message"
)

// setupPostgresContainer starts a PostgreSQL container for testing
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

// setupStore migrates an isolated table set (by prefix) and returns a store
// over it.
func setupStore(t *testing.T, url, prefix string) *Store {
	ctx := context.Background()

	database, err := db.NewPostgresDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	schema := db.Schema{Prefix: prefix, PerspectivePrefix: prefix + "per_"}
	require.NoError(t, schema.Migrate(ctx, database))

	return NewStore(database, schema)
}

func testInstance(service string) ServiceInstance {
	return ServiceInstance{
		ID:          message.NewID(),
		ServiceName: service,
		HostName:    "test-host",
		ProcessID:   os.Getpid(),
	}
}

func inboxMessage(handler string, streamID *uuid.UUID, isEvent bool) InboxMessage {
	return InboxMessage{
		MessageID:    message.NewID(),
		HandlerName:  handler,
		EventType:    "OrderPlaced",
		EnvelopeType: "OrderPlaced",
		Envelope:     json.RawMessage(`{"order":"o-1"}`),
		StreamID:     streamID,
		IsEvent:      isEvent,
	}
}

func TestStore_Integration_ExactlyOnceIngestion(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s1_")
	ctx := context.Background()
	instance := testInstance("orders")

	msg := inboxMessage("order-handler", nil, false)

	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{msg},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, msg.MessageID, batch.Inbox[0].MessageID)
	assert.True(t, batch.Inbox[0].Flags&message.FlagNewlyStored != 0,
		"work stored by this call carries the newly-stored flag")

	// A duplicate submission is absorbed: no error, no second work item.
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{msg},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Errors)
	assert.Empty(t, batch.Inbox, "lease held by this instance, duplicate absorbed")

	// Complete the message, then resubmit under the same id. The permanent
	// deduplication record keeps it out even though the inbox row is gone.
	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:         instance,
		InboxCompletions: []Completion{{MessageID: msg.MessageID, Status: message.StatusStored}},
	})
	require.NoError(t, err)

	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{msg},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "completed message must never be processed again")
}

func TestStore_Integration_EventAppendAndRead(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s2_")
	ctx := context.Background()
	instance := testInstance("orders")

	streamID := message.NewID()
	first := inboxMessage("order-handler", &streamID, true)
	second := inboxMessage("order-handler", &streamID, true)
	third := inboxMessage("order-handler", &streamID, true)

	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{first, second, third},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 3)
	for _, w := range batch.Inbox {
		assert.True(t, w.Status.Has(message.StatusEventStored),
			"event-flagged messages are appended at ingestion")
	}

	events, err := store.ReadStream(ctx, streamID, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i), e.Version, "versions are dense from zero")
		assert.Equal(t, streamID, e.StreamID)
	}
	assert.Equal(t, first.MessageID, events[0].EventID)

	// Reading after the second event returns only the third.
	tail, err := store.ReadStream(ctx, streamID, &events[1].EventID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, third.MessageID, tail[0].EventID)

	version, err := store.StreamVersion(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestStore_Integration_StreamOrderingOnFailure(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s3_")
	ctx := context.Background()
	instance := testInstance("orders")

	streamID := message.NewID()
	msgs := []InboxMessage{
		inboxMessage("order-handler", &streamID, false),
		inboxMessage("order-handler", &streamID, false),
		inboxMessage("order-handler", &streamID, false),
	}

	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: msgs,
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 3)
	for i := 1; i < 3; i++ {
		assert.Less(t, batch.Inbox[i-1].SequenceOrder, batch.Inbox[i].SequenceOrder,
			"stream work arrives in sequence order")
	}

	// The head of the stream fails transiently. Later messages must stay
	// blocked until the head succeeds; only the head is re-claimable.
	failure := message.NewFailure(message.KindTransportError, message.StatusNone, "broker gone")
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:      instance,
		InboxFailures: []FailureReport{{MessageID: msgs[0].MessageID, Failure: failure}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1, "only the failed head is handed back")
	assert.Equal(t, msgs[0].MessageID, batch.Inbox[0].MessageID)
	assert.Equal(t, 1, batch.Inbox[0].Attempts)
	assert.False(t, batch.Inbox[0].Status.Failed(), "claiming clears the failed bit")

	// Head completes; the rest of the stream unblocks in order.
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:         instance,
		InboxCompletions: []Completion{{MessageID: msgs[0].MessageID, Status: message.StatusStored}},
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 2)
	assert.Equal(t, msgs[1].MessageID, batch.Inbox[0].MessageID)
	assert.Equal(t, msgs[2].MessageID, batch.Inbox[1].MessageID)
}

func TestStore_Integration_PermanentFailureQuarantined(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s4_")
	ctx := context.Background()
	instance := testInstance("orders")

	msg := inboxMessage("order-handler", nil, false)
	_, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{msg},
	})
	require.NoError(t, err)

	failure := message.NewFailure(message.KindValidation, message.StatusNone, "bad payload")
	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:      instance,
		InboxFailures: []FailureReport{{MessageID: msg.MessageID, Failure: failure}},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox, "validation failures are permanent")

	// Still quarantined on later cycles.
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{Instance: instance})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox)
}

func TestStore_Integration_AttemptCeiling(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s5_")
	ctx := context.Background()
	instance := testInstance("orders")

	msg := inboxMessage("order-handler", nil, false)
	_, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:    instance,
		NewInbox:    []InboxMessage{msg},
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	failure := message.NewFailure(message.KindTransportError, message.StatusNone, "broker gone")

	// First failure: retried.
	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:      instance,
		InboxFailures: []FailureReport{{MessageID: msg.MessageID, Failure: failure}},
		MaxAttempts:   2,
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)

	// Second failure reaches the ceiling: no more retries.
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:      instance,
		InboxFailures: []FailureReport{{MessageID: msg.MessageID, Failure: failure}},
		MaxAttempts:   2,
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox)
}

func TestStore_Integration_TwoInstancesPartitionWork(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s6_")
	ctx := context.Background()

	a := testInstance("orders")
	b := testInstance("orders")

	// Both instances announce themselves before any work exists.
	_, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{Instance: a})
	require.NoError(t, err)
	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{Instance: b})
	require.NoError(t, err)

	// Submit messages across many streams through instance a.
	var msgs []InboxMessage
	for i := 0; i < 40; i++ {
		streamID := message.NewID()
		msgs = append(msgs, inboxMessage("order-handler", &streamID, false))
	}
	batchA, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: a,
		NewInbox: msgs,
	})
	require.NoError(t, err)

	batchB, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{Instance: b})
	require.NoError(t, err)

	claimedA := make(map[uuid.UUID]bool)
	for _, w := range batchA.Inbox {
		claimedA[w.MessageID] = true
	}
	for _, w := range batchB.Inbox {
		assert.False(t, claimedA[w.MessageID],
			"a message must never be claimed by two live instances")
	}

	assert.NotEmpty(t, batchA.Inbox, "both instances should own some partitions")
	assert.NotEmpty(t, batchB.Inbox, "both instances should own some partitions")
	assert.Equal(t, len(msgs), len(batchA.Inbox)+len(batchB.Inbox),
		"between them the two instances claim everything")
}

func TestStore_Integration_OrphanReclaim(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s7_")
	ctx := context.Background()

	a := testInstance("orders")
	msg := inboxMessage("order-handler", nil, false)

	// Instance a claims the work with a very short lease and then dies.
	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: a,
		NewInbox: []InboxMessage{msg},
		Lease:    time.Second,
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)

	time.Sleep(1500 * time.Millisecond)

	// Instance b arrives; the stale threshold purges a from the active set
	// and the expired lease makes the work claimable again.
	b := testInstance("orders")
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:       b,
		StaleThreshold: time.Second,
	})
	require.NoError(t, err)
	require.Len(t, batch.Inbox, 1)
	assert.Equal(t, msg.MessageID, batch.Inbox[0].MessageID)
	assert.True(t, batch.Inbox[0].Flags.Orphaned(),
		"work reclaimed from a dead instance carries the orphaned flag")
}

func TestStore_Integration_PerspectiveCheckpoints(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s8_")
	ctx := context.Background()
	instance := testInstance("orders")

	streamID := message.NewID()
	first := inboxMessage("order-handler", &streamID, true)
	second := inboxMessage("order-handler", &streamID, true)

	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:     instance,
		NewInbox:     []InboxMessage{first, second},
		Perspectives: []string{"order-summary"},
	})
	require.NoError(t, err)
	require.Len(t, batch.Perspectives, 1)
	work := batch.Perspectives[0]
	assert.Equal(t, streamID, work.StreamID)
	assert.Equal(t, "order-summary", work.Perspective)
	assert.Nil(t, work.LastEventID, "fresh perspective starts from the beginning")

	// Advance the checkpoint to the last event; no more work is handed out.
	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		PerspectiveCompletions: []PerspectiveCompletion{{
			StreamID:    streamID,
			Perspective: "order-summary",
			LastEventID: second.MessageID,
		}},
		Perspectives: []string{"order-summary"},
	})
	require.NoError(t, err)

	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:     instance,
		Perspectives: []string{"order-summary"},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Perspectives, "caught-up perspective gets no work")

	// A failed perspective is quarantined on its stream.
	require.NoError(t, store.ReportPerspectiveFailure(ctx, PerspectiveFailure{
		StreamID:    streamID,
		Perspective: "order-summary",
		Reason:      "projection handler panicked",
	}))

	third := inboxMessage("order-handler", &streamID, true)
	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:     instance,
		NewInbox:     []InboxMessage{third},
		Perspectives: []string{"order-summary"},
	})
	require.NoError(t, err)
	assert.Empty(t, batch.Perspectives, "failed checkpoints are skipped until repaired")

	checkpoints, err := store.Checkpoints(ctx, "order-summary")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, "failed", checkpoints[0].Status)
	require.NotNil(t, checkpoints[0].Error)

	// Resetting the checkpoint puts the stream back in rotation, resuming
	// after the last applied event.
	reset, err := store.ResetPerspective(ctx, streamID, "order-summary")
	require.NoError(t, err)
	assert.True(t, reset)

	batch, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:     instance,
		Perspectives: []string{"order-summary"},
	})
	require.NoError(t, err)
	require.Len(t, batch.Perspectives, 1)
	require.NotNil(t, batch.Perspectives[0].LastEventID)
	assert.Equal(t, second.MessageID, *batch.Perspectives[0].LastEventID)

	// A second reset finds nothing failed.
	reset, err = store.ResetPerspective(ctx, streamID, "order-summary")
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestStore_Integration_DebugModeRetainsRows(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s9_")
	ctx := context.Background()
	instance := testInstance("orders")

	msg := inboxMessage("order-handler", nil, false)
	_, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance: instance,
		NewInbox: []InboxMessage{msg},
		Flags:    message.BatchDebugMode,
	})
	require.NoError(t, err)

	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:         instance,
		InboxCompletions: []Completion{{MessageID: msg.MessageID, Status: message.StatusStored}},
		Flags:            message.BatchDebugMode,
	})
	require.NoError(t, err)

	var status int32
	query := fmt.Sprintf(`SELECT status FROM %s WHERE message_id = $1`, store.schema.Table("inbox"))
	require.NoError(t, store.db.QueryRow(ctx, query, msg.MessageID).Scan(&status))
	assert.True(t, message.Status(status).Has(message.StatusStored),
		"debug mode keeps the terminal row with its status bits")

	stats, err := store.CollectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inbox.Total)
	require.Len(t, stats.Instances, 1)
	assert.Equal(t, instance.ID, stats.Instances[0].ID)
}

func TestStore_Integration_PartitionCountPinned(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s10_")
	ctx := context.Background()
	instance := testInstance("orders")

	_, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:       instance,
		PartitionCount: 1024,
	})
	require.NoError(t, err)

	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:       instance,
		PartitionCount: 2048,
	})
	require.Error(t, err, "changing the partition count mid-flight is rejected")
}

func TestStore_Integration_VersionConflict(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s12_")
	ctx := context.Background()
	instance := testInstance("orders")

	streamID := message.NewID()
	rivalID := message.NewID()

	// A rival append holds version 0 of the stream in an open transaction,
	// the way a concurrent instance mid-batch would. The store's own append
	// computes the same version, blocks on the unique index, and loses once
	// the rival commits.
	rival, err := store.db.Begin(ctx)
	require.NoError(t, err)
	insertRival := fmt.Sprintf(`
		INSERT INTO %s (event_id, stream_id, version, event_type, event_data)
		VALUES ($1, $2, 0, $3, $4)`, store.schema.Table("event_store"))
	_, err = rival.Exec(ctx, insertRival, rivalID, streamID, "OrderPlaced", []byte(`{"order":"o-0"}`))
	require.NoError(t, err)

	loser := inboxMessage("order-handler", &streamID, true)
	bystander := inboxMessage("order-handler", nil, false)

	type result struct {
		batch *WorkBatch
		err   error
	}
	done := make(chan result, 1)
	go func() {
		batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
			Instance: instance,
			NewInbox: []InboxMessage{loser, bystander},
		})
		done <- result{batch, err}
	}()

	// Wait until the batch call is parked on the rival's lock, then commit.
	require.Eventually(t, func() bool {
		var waiting int
		err := store.db.QueryRow(ctx,
			`SELECT count(*) FROM pg_locks WHERE NOT granted`).Scan(&waiting)
		return err == nil && waiting > 0
	}, 10*time.Second, 20*time.Millisecond, "batch call should block on the contested version")
	require.NoError(t, rival.Commit(ctx))

	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("batch call never returned after the rival committed")
	}
	require.NoError(t, res.err, "a lost append fails one message, not the batch")

	// Only the loser carries an error; the unrelated message is unaffected.
	require.Len(t, res.batch.Errors, 1)
	assert.Equal(t, loser.MessageID, res.batch.Errors[0].MessageID)
	assert.Equal(t, message.KindOptimisticConcurrency, res.batch.Errors[0].Kind)
	require.Len(t, res.batch.Inbox, 1)
	assert.Equal(t, bystander.MessageID, res.batch.Inbox[0].MessageID)

	// The rival's event owns the contested version; the loser never made it
	// into the stream.
	events, err := store.ReadStream(ctx, streamID, nil, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, rivalID, events[0].EventID)
	assert.Equal(t, int64(0), events[0].Version)

	// The loser stays quarantined: its event can never be appended anymore,
	// so later cycles must not hand it back.
	batch, err := store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{Instance: instance})
	require.NoError(t, err)
	assert.Empty(t, batch.Inbox)

	var reason string
	query := fmt.Sprintf(`SELECT failure_reason FROM %s WHERE message_id = $1`,
		store.schema.Table("inbox"))
	require.NoError(t, store.db.QueryRow(ctx, query, loser.MessageID).Scan(&reason))
	assert.Equal(t, string(message.KindOptimisticConcurrency), reason)

	// An acknowledgement that never saw the event stored must not remove the
	// row: an event message terminates only once its append happened too.
	_, err = store.ProcessWorkBatch(ctx, &ProcessWorkBatchRequest{
		Instance:         instance,
		InboxCompletions: []Completion{{MessageID: loser.MessageID, Status: message.StatusStored}},
	})
	require.NoError(t, err)

	var remaining int
	countQuery := fmt.Sprintf(`SELECT count(*) FROM %s WHERE message_id = $1`,
		store.schema.Table("inbox"))
	require.NoError(t, store.db.QueryRow(ctx, countQuery, loser.MessageID).Scan(&remaining))
	assert.Equal(t, 1, remaining, "event row without a stored event must survive acknowledgement")
}

func TestStore_Integration_SequencesAndResponses(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	store := setupStore(t, url, "s11_")
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextSequence(ctx, "invoice-number")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	requestID := message.NewID()
	_, found, err := store.TakeResponse(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.RecordResponse(ctx, requestID, json.RawMessage(`{"ok":true}`)))

	response, found, err := store.TakeResponse(ctx, requestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"ok":true}`, string(response))

	// Taking is destructive; a second take finds nothing.
	_, found, err = store.TakeResponse(ctx, requestID)
	require.NoError(t, err)
	assert.False(t, found)
}
