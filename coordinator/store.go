package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/db"
	"github.com/workhubhq/workhub/message"
)

// permanentKinds lists the failure kinds that keep a row out of the
// claimable pool for good. Everything else is retried until the attempt
// ceiling. A version collision is permanent because the event append runs
// only at ingestion: re-offering the row would let it complete with its
// event missing from the log.
var permanentKinds = []string{
	string(message.KindSerialization),
	string(message.KindValidation),
	string(message.KindMaxAttempts),
	string(message.KindOptimisticConcurrency),
}

// Store is the only writer to the coordination tables. One Store instance
// per process; all its operations are safe for concurrent use because every
// mutation happens inside its own database transaction.
type Store struct {
	db     *db.PostgresDB
	schema db.Schema
	logger *logrus.Entry

	mu             sync.Mutex
	partitionCount int // pinned by the first batch call
}

// NewStore creates a coordination store over the given database and table
// layout.
func NewStore(database *db.PostgresDB, schema db.Schema) *Store {
	return &Store{
		db:     database,
		schema: schema,
		logger: common.Logger.WithField("component", "coordinator"),
	}
}

// pinPartitionCount enforces that the partition count never changes after
// the first call. Changing it mid-flight would silently reshuffle ownership
// of every stream, so it is rejected outright.
func (s *Store) pinPartitionCount(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitionCount == 0 {
		s.partitionCount = count
		return nil
	}
	if s.partitionCount != count {
		return fmt.Errorf("partition count is fixed at %d for this store, got %d", s.partitionCount, count)
	}
	return nil
}

// ProcessWorkBatch executes one full coordination cycle in a single
// transaction: heartbeat, stale-instance cleanup, ingestion of new outbox
// and inbox messages with event-log appends, acknowledgement of prior
// completions and failures, lease renewal, and claiming of the next batch
// of work this instance owns.
//
// Per-message errors (duplicate ids, event-version collisions) are captured
// in the returned batch; the transaction still commits. Cancelling ctx
// aborts the transaction, so leases granted by the aborted call are never
// persisted.
func (s *Store) ProcessWorkBatch(ctx context.Context, req *ProcessWorkBatchRequest) (*WorkBatch, error) {
	req.ApplyDefaults()
	if req.Instance.ID == uuid.Nil {
		return nil, fmt.Errorf("instance id is required")
	}
	if err := s.pinPartitionCount(req.PartitionCount); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	batch := &WorkBatch{}

	if err := s.heartbeat(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := s.cleanStaleInstances(ctx, tx, req.StaleThreshold); err != nil {
		return nil, err
	}

	newOutbox, err := s.ingestOutbox(ctx, tx, req, batch)
	if err != nil {
		return nil, err
	}
	newInbox, err := s.ingestInbox(ctx, tx, req, batch)
	if err != nil {
		return nil, err
	}

	if err := s.applyCompletions(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := s.applyFailures(ctx, tx, req); err != nil {
		return nil, err
	}
	if err := s.renewLeases(ctx, tx, req); err != nil {
		return nil, err
	}

	activeCount, myIndex, err := s.activeInstanceRank(ctx, tx, req.Instance.ID)
	if err != nil {
		return nil, err
	}

	if err := s.claimOutbox(ctx, tx, req, activeCount, myIndex, newOutbox, batch); err != nil {
		return nil, err
	}
	if err := s.claimInbox(ctx, tx, req, activeCount, myIndex, newInbox, batch); err != nil {
		return nil, err
	}
	if err := s.claimPerspectives(ctx, tx, req, activeCount, myIndex, batch); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit work batch: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"instance": req.Instance.ID,
		"outbox":   len(batch.Outbox),
		"inbox":    len(batch.Inbox),
		"projs":    len(batch.Perspectives),
		"errors":   len(batch.Errors),
	}).Debug("work batch processed")

	return batch, nil
}

// heartbeat upserts the caller's service-instance row (step 1).
func (s *Store) heartbeat(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest) error {
	var metadata []byte
	if req.Instance.Metadata != nil {
		var err error
		metadata, err = json.Marshal(req.Instance.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal instance metadata: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (instance_id, service_name, host_name, process_id, metadata_json, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			service_name = EXCLUDED.service_name,
			host_name = EXCLUDED.host_name,
			process_id = EXCLUDED.process_id,
			metadata_json = EXCLUDED.metadata_json,
			last_heartbeat = NOW()`,
		s.schema.Table("service_instances"))

	if _, err := tx.Exec(ctx, query,
		req.Instance.ID, req.Instance.ServiceName, req.Instance.HostName,
		req.Instance.ProcessID, metadata); err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// cleanStaleInstances removes instances that stopped heart-beating
// (step 2). Shrinking the active set rebalances partitions on the next
// claim pass without any handoff.
func (s *Store) cleanStaleInstances(ctx context.Context, tx pgx.Tx, threshold time.Duration) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE last_heartbeat < NOW() - make_interval(secs => $1)`,
		s.schema.Table("service_instances"))

	if _, err := tx.Exec(ctx, query, threshold.Seconds()); err != nil {
		return fmt.Errorf("failed to clean stale instances: %w", err)
	}
	return nil
}

// ingestOutbox stores new outbound messages and appends event-flagged ones
// to the event log (steps 3 and 4). Returns the set of ids actually
// inserted by this call.
func (s *Store) ingestOutbox(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest, batch *WorkBatch) (map[uuid.UUID]bool, error) {
	inserted := make(map[uuid.UUID]bool, len(req.NewOutbox))

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, destination, event_type, envelope_type, envelope_json,
			metadata_json, scope_json, stream_id, partition_number, is_event, status,
			sequence_order, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO NOTHING`,
		s.schema.Table("outbox"))

	for _, m := range req.NewOutbox {
		status := message.StatusStored
		partition := PartitionOf(m.StreamID, req.PartitionCount)
		seq := message.SequenceOrder(m.MessageID)

		var eventErr error
		if m.IsEvent && m.StreamID != nil {
			appended, err := s.appendEvent(ctx, tx, m.MessageID, *m.StreamID, m.EventType, m.Envelope, m.Metadata, m.Scope)
			if err != nil {
				return nil, err
			}
			if appended {
				status = status.With(message.StatusEventStored)
			} else {
				eventErr = message.NewFailure(message.KindOptimisticConcurrency, message.StatusStored,
					fmt.Sprintf("concurrent append to stream %s", m.StreamID))
			}
		}

		if eventErr != nil {
			status = status.With(message.StatusFailed)
		}

		tag, err := tx.Exec(ctx, insertQuery,
			m.MessageID, m.Destination, m.EventType, m.EnvelopeType, []byte(m.Envelope),
			rawOrNil(m.Metadata), rawOrNil(m.Scope), m.StreamID, partition, m.IsEvent,
			int32(status), seq, m.ScheduledFor)
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox message %s: %w", m.MessageID, err)
		}
		if tag.RowsAffected() == 0 {
			continue // idempotent re-submission
		}
		inserted[m.MessageID] = true

		if eventErr != nil {
			if err := s.recordIngestFailure(ctx, tx, s.schema.Table("outbox"), m.MessageID, eventErr); err != nil {
				return nil, err
			}
			batch.Errors = append(batch.Errors, ItemError{
				MessageID: m.MessageID,
				Kind:      message.KindOptimisticConcurrency,
				Err:       eventErr.Error(),
			})
		}

		if m.StreamID != nil {
			if err := s.touchActiveStream(ctx, tx, *m.StreamID, partition); err != nil {
				return nil, err
			}
		}
	}

	return inserted, nil
}

// ingestInbox stores new inbound messages (step 5). The insert is keyed on
// message_id with ON CONFLICT DO NOTHING and backed by the permanent
// deduplication table: this is the single point of exactly-once ingestion.
func (s *Store) ingestInbox(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest, batch *WorkBatch) (map[uuid.UUID]bool, error) {
	inserted := make(map[uuid.UUID]bool, len(req.NewInbox))

	dedupQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id) VALUES ($1)
		ON CONFLICT (message_id) DO NOTHING`,
		s.schema.Table("message_deduplication"))

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, handler_name, event_type, envelope_type, envelope_json,
			metadata_json, scope_json, stream_id, partition_number, is_event, status,
			sequence_order, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO NOTHING`,
		s.schema.Table("inbox"))

	for _, m := range req.NewInbox {
		tag, err := tx.Exec(ctx, dedupQuery, m.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to record dedup for %s: %w", m.MessageID, err)
		}
		if tag.RowsAffected() == 0 {
			continue // message id seen before, permanently rejected
		}

		status := message.StatusNone
		partition := PartitionOf(m.StreamID, req.PartitionCount)
		seq := message.SequenceOrder(m.MessageID)

		var eventErr error
		if m.IsEvent && m.StreamID != nil {
			appended, err := s.appendEvent(ctx, tx, m.MessageID, *m.StreamID, m.EventType, m.Envelope, m.Metadata, m.Scope)
			if err != nil {
				return nil, err
			}
			if appended {
				status = status.With(message.StatusEventStored)
			} else {
				eventErr = message.NewFailure(message.KindOptimisticConcurrency, message.StatusNone,
					fmt.Sprintf("concurrent append to stream %s", m.StreamID))
				status = status.With(message.StatusFailed)
			}
		}

		if _, err := tx.Exec(ctx, insertQuery,
			m.MessageID, m.HandlerName, m.EventType, m.EnvelopeType, []byte(m.Envelope),
			rawOrNil(m.Metadata), rawOrNil(m.Scope), m.StreamID, partition, m.IsEvent,
			int32(status), seq, m.ScheduledFor); err != nil {
			return nil, fmt.Errorf("failed to insert inbox message %s: %w", m.MessageID, err)
		}
		inserted[m.MessageID] = true

		if eventErr != nil {
			if err := s.recordIngestFailure(ctx, tx, s.schema.Table("inbox"), m.MessageID, eventErr); err != nil {
				return nil, err
			}
			batch.Errors = append(batch.Errors, ItemError{
				MessageID: m.MessageID,
				Kind:      message.KindOptimisticConcurrency,
				Err:       eventErr.Error(),
			})
		}

		if m.StreamID != nil {
			if err := s.touchActiveStream(ctx, tx, *m.StreamID, partition); err != nil {
				return nil, err
			}
		}
	}

	return inserted, nil
}

// appendEvent inserts the next version for a stream (step 4). A conflict on
// (stream_id, version) means a concurrent append won; the caller fails just
// that message and the rest of the batch proceeds.
func (s *Store) appendEvent(ctx context.Context, tx pgx.Tx, eventID, streamID uuid.UUID, eventType string, data, metadata, scope json.RawMessage) (bool, error) {
	events := s.schema.Table("event_store")
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, stream_id, version, event_type, event_data, metadata, scope)
		SELECT $1, $2, COALESCE(MAX(version) + 1, 0), $3, $4, $5, $6
		FROM %s WHERE stream_id = $2
		ON CONFLICT (stream_id, version) DO NOTHING`,
		events, events)

	tag, err := tx.Exec(ctx, query, eventID, streamID, eventType, []byte(data), rawOrNil(metadata), rawOrNil(scope))
	if err != nil {
		return false, fmt.Errorf("failed to append event %s: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// recordIngestFailure marks a freshly inserted row failed without touching
// the rest of the batch.
func (s *Store) recordIngestFailure(ctx context.Context, tx pgx.Tx, table string, id uuid.UUID, failure error) error {
	f, ok := failure.(*message.Failure)
	if !ok {
		f = message.NewFailure(message.Classify(failure), message.StatusNone, failure.Error())
	}
	query := fmt.Sprintf(`
		UPDATE %s SET error = $2, failure_reason = $3, attempts = attempts + 1
		WHERE message_id = $1`, table)
	if _, err := tx.Exec(ctx, query, id, f.Reason, string(f.Kind)); err != nil {
		return fmt.Errorf("failed to record ingest failure for %s: %w", id, err)
	}
	return nil
}

// touchActiveStream upserts the sticky ownership row for a stream.
func (s *Store) touchActiveStream(ctx context.Context, tx pgx.Tx, streamID uuid.UUID, partition int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, partition_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream_id) DO UPDATE SET
			partition_number = EXCLUDED.partition_number,
			updated_at = NOW()`,
		s.schema.Table("active_streams"))
	if _, err := tx.Exec(ctx, query, streamID, partition); err != nil {
		return fmt.Errorf("failed to upsert active stream %s: %w", streamID, err)
	}
	return nil
}

// applyCompletions processes completion reports (step 6). Masks are ORed
// onto the persisted row, so repeated reports are no-ops; terminal rows are
// deleted unless the batch runs in debug mode.
func (s *Store) applyCompletions(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest) error {
	outbox := s.schema.Table("outbox")
	inbox := s.schema.Table("inbox")
	debug := req.Flags.Debug()

	for _, c := range req.OutboxCompletions {
		terminal := c.Status.Has(message.StatusPublished)
		if terminal && !debug {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, outbox), c.MessageID); err != nil {
				return fmt.Errorf("failed to complete outbox %s: %w", c.MessageID, err)
			}
			continue
		}
		query := fmt.Sprintf(`
			UPDATE %s SET status = status | $2,
				published_at = CASE WHEN ($2 & $3) <> 0 THEN NOW() ELSE published_at END,
				instance_id = CASE WHEN ($2 & $3) <> 0 THEN NULL ELSE instance_id END,
				lease_expiry = CASE WHEN ($2 & $3) <> 0 THEN NULL ELSE lease_expiry END
			WHERE message_id = $1`, outbox)
		if _, err := tx.Exec(ctx, query, c.MessageID, int32(c.Status), int32(message.StatusPublished)); err != nil {
			return fmt.Errorf("failed to complete outbox %s: %w", c.MessageID, err)
		}
	}

	for _, c := range req.InboxCompletions {
		// Inbox rows terminate on Stored, plus EventStored for event
		// rows: an event message whose append never happened must not be
		// acknowledged away. The check runs over the accumulated mask so
		// staged reports converge.
		if c.Status.Has(message.StatusStored) && !debug {
			delQuery := fmt.Sprintf(`
				DELETE FROM %s WHERE message_id = $1
					AND ((status | $2) & $3) <> 0
					AND (NOT is_event OR ((status | $2) & $4) <> 0)`, inbox)
			tag, err := tx.Exec(ctx, delQuery, c.MessageID, int32(c.Status),
				int32(message.StatusStored), int32(message.StatusEventStored))
			if err != nil {
				return fmt.Errorf("failed to complete inbox %s: %w", c.MessageID, err)
			}
			if tag.RowsAffected() > 0 {
				continue
			}
		}
		query := fmt.Sprintf(`
			UPDATE %s SET status = status | $2,
				processed_at = CASE WHEN ($2 & $3) <> 0 THEN NOW() ELSE processed_at END,
				instance_id = CASE WHEN ($2 & $3) <> 0 THEN NULL ELSE instance_id END,
				lease_expiry = CASE WHEN ($2 & $3) <> 0 THEN NULL ELSE lease_expiry END
			WHERE message_id = $1`, inbox)
		if _, err := tx.Exec(ctx, query, c.MessageID, int32(c.Status), int32(message.StatusStored)); err != nil {
			return fmt.Errorf("failed to complete inbox %s: %w", c.MessageID, err)
		}
	}

	receptorQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, receptor_name, status, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (message_id, receptor_name) DO UPDATE SET
			status = %s.status | EXCLUDED.status,
			processed_at = NOW()`,
		s.schema.Table("receptor_processing"), s.schema.Table("receptor_processing"))
	for _, c := range req.ReceptorCompletions {
		if _, err := tx.Exec(ctx, receptorQuery, c.MessageID, c.ReceptorName, int32(c.Status)); err != nil {
			return fmt.Errorf("failed to complete receptor %s/%s: %w", c.MessageID, c.ReceptorName, err)
		}
	}

	for _, c := range req.PerspectiveCompletions {
		if err := s.upsertCheckpointCompletion(ctx, tx, c); err != nil {
			return err
		}
	}

	return nil
}

// applyFailures processes failure reports (step 7). For a failed inbox
// message with a stream, later messages of the same stream are released so
// the failing instance does not keep them claimed.
func (s *Store) applyFailures(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest) error {
	outbox := s.schema.Table("outbox")
	inbox := s.schema.Table("inbox")

	failQuery := func(table string) string {
		return fmt.Sprintf(`
			UPDATE %s SET status = $2 | $3, error = $4, failure_reason = $5,
				attempts = attempts + 1, instance_id = NULL, lease_expiry = NULL
			WHERE message_id = $1
			RETURNING stream_id, sequence_order`, table)
	}

	for _, f := range req.OutboxFailures {
		if f.Failure == nil {
			continue
		}
		var streamID *uuid.UUID
		var seq int64
		err := tx.QueryRow(ctx, failQuery(outbox), f.MessageID,
			int32(f.Failure.Completed), int32(message.StatusFailed),
			f.Failure.Reason, string(f.Failure.Kind)).Scan(&streamID, &seq)
		if err == pgx.ErrNoRows {
			continue // already terminal, no-op
		}
		if err != nil {
			return fmt.Errorf("failed to record outbox failure %s: %w", f.MessageID, err)
		}
	}

	cascadeQuery := fmt.Sprintf(`
		UPDATE %s SET instance_id = NULL, lease_expiry = NULL
		WHERE stream_id = $1 AND sequence_order > $2`, inbox)

	for _, f := range req.InboxFailures {
		if f.Failure == nil {
			continue
		}
		var streamID *uuid.UUID
		var seq int64
		err := tx.QueryRow(ctx, failQuery(inbox), f.MessageID,
			int32(f.Failure.Completed), int32(message.StatusFailed),
			f.Failure.Reason, string(f.Failure.Kind)).Scan(&streamID, &seq)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to record inbox failure %s: %w", f.MessageID, err)
		}
		if streamID != nil {
			if _, err := tx.Exec(ctx, cascadeQuery, *streamID, seq); err != nil {
				return fmt.Errorf("failed to cascade stream release for %s: %w", f.MessageID, err)
			}
		}
	}

	receptorFailQuery := fmt.Sprintf(`
		INSERT INTO %s (message_id, receptor_name, status, attempts, error, processed_at)
		VALUES ($1, $2, $3, 1, $4, NOW())
		ON CONFLICT (message_id, receptor_name) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = %s.attempts + 1,
			error = EXCLUDED.error,
			processed_at = NOW()`,
		s.schema.Table("receptor_processing"), s.schema.Table("receptor_processing"))
	for _, f := range req.ReceptorFailures {
		if f.Failure == nil {
			continue
		}
		status := f.Failure.Completed.With(message.StatusFailed)
		if _, err := tx.Exec(ctx, receptorFailQuery, f.MessageID, f.ReceptorName, int32(status), f.Failure.Reason); err != nil {
			return fmt.Errorf("failed to record receptor failure %s/%s: %w", f.MessageID, f.ReceptorName, err)
		}
	}

	for _, f := range req.PerspectiveFailures {
		if err := s.upsertCheckpointFailure(ctx, tx, f); err != nil {
			return err
		}
	}

	return nil
}

// renewLeases extends leases the caller still holds (step 8). Ids the
// caller no longer owns are silently skipped.
func (s *Store) renewLeases(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest) error {
	renew := func(table string, ids []uuid.UUID) error {
		if len(ids) == 0 {
			return nil
		}
		query := fmt.Sprintf(`
			UPDATE %s SET lease_expiry = NOW() + make_interval(secs => $1)
			WHERE message_id = ANY($2) AND instance_id = $3`, table)
		if _, err := tx.Exec(ctx, query, req.Lease.Seconds(), ids, req.Instance.ID); err != nil {
			return fmt.Errorf("failed to renew leases on %s: %w", table, err)
		}
		return nil
	}

	if err := renew(s.schema.Table("outbox"), req.RenewOutbox); err != nil {
		return err
	}
	return renew(s.schema.Table("inbox"), req.RenewInbox)
}

// activeInstanceRank returns the size of the active-instance set and the
// caller's rank within it (ordered by instance id). The rank drives the
// modulo ownership formula; because every live instance heart-beats before
// claiming, the set is current as of this transaction.
func (s *Store) activeInstanceRank(ctx context.Context, tx pgx.Tx, instanceID uuid.UUID) (int, int, error) {
	query := fmt.Sprintf(`SELECT instance_id FROM %s ORDER BY instance_id`,
		s.schema.Table("service_instances"))
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list active instances: %w", err)
	}
	defer rows.Close()

	count, index := 0, -1
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, 0, fmt.Errorf("failed to scan instance id: %w", err)
		}
		if id == instanceID {
			index = count
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate instances: %w", err)
	}
	if index < 0 {
		return 0, 0, fmt.Errorf("instance %s missing from active set after heartbeat", instanceID)
	}
	return count, index, nil
}

// claimedRow carries the pre-claim state of a selected row so flags can be
// computed.
type claimedRow struct {
	id           uuid.UUID
	destination  string
	eventType    string
	envelopeType string
	envelope     []byte
	streamID     *uuid.UUID
	isEvent      bool
	status       int32
	attempts     int
	seq          int64
	prevInstance *uuid.UUID
}

// claimPredicate is the shared candidate condition for steps 9 and 10:
// unterminated, unfailed (or retryably failed under the attempt ceiling),
// lease-free, due, owned by the caller's partitions, and not behind an
// earlier blocked row of the same stream.
func claimPredicate(table, doneBit string) string {
	return fmt.Sprintf(`
		(r.status & %[2]s) = 0
		AND ((r.status & $1) = 0
			OR (r.attempts < $2 AND COALESCE(r.failure_reason, '') <> ALL($3)))
		AND (r.lease_expiry IS NULL OR r.lease_expiry < NOW())
		AND (r.scheduled_for IS NULL OR r.scheduled_for <= NOW())
		AND (r.partition_number %% $4) = $5
		AND NOT EXISTS (
			SELECT 1 FROM %[1]s e
			WHERE r.stream_id IS NOT NULL
				AND e.stream_id = r.stream_id
				AND e.sequence_order < r.sequence_order
				AND ((e.status & $1) <> 0
					OR (e.instance_id IS NOT NULL AND e.instance_id <> $6 AND e.lease_expiry > NOW()))
		)`, table, doneBit)
}

// claimOutbox selects and leases the outbound work this instance owns
// (steps 9 and 10).
func (s *Store) claimOutbox(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest, activeCount, myIndex int, newIDs map[uuid.UUID]bool, batch *WorkBatch) error {
	if activeCount == 0 {
		return nil
	}
	outbox := s.schema.Table("outbox")

	query := fmt.Sprintf(`
		SELECT r.message_id, r.destination, r.event_type, r.envelope_type, r.envelope_json,
			r.stream_id, r.is_event, r.status, r.attempts, r.sequence_order, r.instance_id
		FROM %s r
		WHERE %s
		ORDER BY r.sequence_order
		LIMIT $7
		FOR UPDATE OF r SKIP LOCKED`,
		outbox, claimPredicate(outbox, "$8"))

	rows, err := tx.Query(ctx, query,
		int32(message.StatusFailed), req.MaxAttempts, permanentKinds,
		activeCount, myIndex, req.Instance.ID, req.BatchLimit,
		int32(message.StatusPublished))
	if err != nil {
		return fmt.Errorf("failed to select outbox candidates: %w", err)
	}

	var claimed []claimedRow
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.id, &r.destination, &r.eventType, &r.envelopeType, &r.envelope,
			&r.streamID, &r.isEvent, &r.status, &r.attempts, &r.seq, &r.prevInstance); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan outbox candidate: %w", err)
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate outbox candidates: %w", err)
	}

	if err := s.assignClaims(ctx, tx, outbox, req, claimed); err != nil {
		return err
	}

	for _, r := range claimed {
		batch.Outbox = append(batch.Outbox, OutboxWork{
			MessageID:     r.id,
			Destination:   r.destination,
			EventType:     r.eventType,
			EnvelopeType:  r.envelopeType,
			Envelope:      json.RawMessage(r.envelope),
			StreamID:      r.streamID,
			IsEvent:       r.isEvent,
			Status:        message.Status(r.status) & ^message.StatusFailed,
			Flags:         itemFlags(r, newIDs, req.Instance.ID),
			Attempts:      r.attempts,
			SequenceOrder: r.seq,
		})
	}
	sort.Slice(batch.Outbox, func(i, j int) bool {
		return batch.Outbox[i].SequenceOrder < batch.Outbox[j].SequenceOrder
	})
	return nil
}

// claimInbox selects and leases the inbound work this instance owns.
func (s *Store) claimInbox(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest, activeCount, myIndex int, newIDs map[uuid.UUID]bool, batch *WorkBatch) error {
	if activeCount == 0 {
		return nil
	}
	inbox := s.schema.Table("inbox")

	query := fmt.Sprintf(`
		SELECT r.message_id, r.handler_name, r.event_type, r.envelope_type, r.envelope_json,
			r.stream_id, r.is_event, r.status, r.attempts, r.sequence_order, r.instance_id
		FROM %s r
		WHERE %s
		ORDER BY r.sequence_order
		LIMIT $7
		FOR UPDATE OF r SKIP LOCKED`,
		inbox, claimPredicate(inbox, "$8"))

	rows, err := tx.Query(ctx, query,
		int32(message.StatusFailed), req.MaxAttempts, permanentKinds,
		activeCount, myIndex, req.Instance.ID, req.BatchLimit,
		int32(message.StatusStored))
	if err != nil {
		return fmt.Errorf("failed to select inbox candidates: %w", err)
	}

	var claimed []claimedRow
	for rows.Next() {
		var r claimedRow
		if err := rows.Scan(&r.id, &r.destination, &r.eventType, &r.envelopeType, &r.envelope,
			&r.streamID, &r.isEvent, &r.status, &r.attempts, &r.seq, &r.prevInstance); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan inbox candidate: %w", err)
		}
		claimed = append(claimed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate inbox candidates: %w", err)
	}

	if err := s.assignClaims(ctx, tx, inbox, req, claimed); err != nil {
		return err
	}

	for _, r := range claimed {
		batch.Inbox = append(batch.Inbox, InboxWork{
			MessageID:     r.id,
			HandlerName:   r.destination,
			EventType:     r.eventType,
			EnvelopeType:  r.envelopeType,
			Envelope:      json.RawMessage(r.envelope),
			StreamID:      r.streamID,
			IsEvent:       r.isEvent,
			Status:        message.Status(r.status) & ^message.StatusFailed,
			Flags:         itemFlags(r, newIDs, req.Instance.ID),
			Attempts:      r.attempts,
			SequenceOrder: r.seq,
		})
	}
	sort.Slice(batch.Inbox, func(i, j int) bool {
		return batch.Inbox[i].SequenceOrder < batch.Inbox[j].SequenceOrder
	})
	return nil
}

// assignClaims leases the selected rows to the caller and clears the Failed
// bit so retried rows re-enter normal processing. Claimed streams also get
// their sticky ownership row updated.
func (s *Store) assignClaims(ctx context.Context, tx pgx.Tx, table string, req *ProcessWorkBatchRequest, claimed []claimedRow) error {
	if len(claimed) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(claimed))
	streams := make([]uuid.UUID, 0)
	seen := make(map[uuid.UUID]bool)
	for _, r := range claimed {
		ids = append(ids, r.id)
		if r.streamID != nil && !seen[*r.streamID] {
			seen[*r.streamID] = true
			streams = append(streams, *r.streamID)
		}
	}

	query := fmt.Sprintf(`
		UPDATE %s SET instance_id = $1,
			lease_expiry = NOW() + make_interval(secs => $2),
			status = status & ~$3::int
		WHERE message_id = ANY($4)`, table)
	if _, err := tx.Exec(ctx, query, req.Instance.ID, req.Lease.Seconds(),
		int32(message.StatusFailed), ids); err != nil {
		return fmt.Errorf("failed to assign claims on %s: %w", table, err)
	}

	if len(streams) > 0 {
		streamQuery := fmt.Sprintf(`
			UPDATE %s SET assigned_instance_id = $1,
				lease_expiry = NOW() + make_interval(secs => $2),
				updated_at = NOW()
			WHERE stream_id = ANY($3)`, s.schema.Table("active_streams"))
		if _, err := tx.Exec(ctx, streamQuery, req.Instance.ID, req.Lease.Seconds(), streams); err != nil {
			return fmt.Errorf("failed to update active streams: %w", err)
		}
	}

	return nil
}

// claimPerspectives hands out checkpoint work for the caller's registered
// projections: every owned stream with events past the checkpoint.
func (s *Store) claimPerspectives(ctx context.Context, tx pgx.Tx, req *ProcessWorkBatchRequest, activeCount, myIndex int, batch *WorkBatch) error {
	if activeCount == 0 || len(req.Perspectives) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		SELECT st.stream_id, p.name, c.last_event_id
		FROM %s st
		CROSS JOIN unnest($1::text[]) AS p(name)
		LEFT JOIN %s c ON c.stream_id = st.stream_id AND c.perspective_name = p.name
		WHERE (st.partition_number %% $2) = $3
			AND COALESCE(c.status, 'pending') <> 'failed'
			AND EXISTS (
				SELECT 1 FROM %s e
				WHERE e.stream_id = st.stream_id
					AND (c.last_event_id IS NULL OR e.event_id > c.last_event_id)
			)
		ORDER BY st.stream_id, p.name
		LIMIT $4`,
		s.schema.Table("active_streams"),
		s.schema.Table("perspective_checkpoints"),
		s.schema.Table("event_store"))

	rows, err := tx.Query(ctx, query, req.Perspectives, activeCount, myIndex, req.BatchLimit)
	if err != nil {
		return fmt.Errorf("failed to select perspective work: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w PerspectiveWork
		if err := rows.Scan(&w.StreamID, &w.Perspective, &w.LastEventID); err != nil {
			return fmt.Errorf("failed to scan perspective work: %w", err)
		}
		batch.Perspectives = append(batch.Perspectives, w)
	}
	return rows.Err()
}

func (s *Store) upsertCheckpointCompletion(ctx context.Context, tx pgx.Tx, c PerspectiveCompletion) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, perspective_name, last_event_id, status, processed_at)
		VALUES ($1, $2, $3, 'current', NOW())
		ON CONFLICT (stream_id, perspective_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			status = 'current',
			processed_at = NOW(),
			error = NULL`,
		s.schema.Table("perspective_checkpoints"))
	if _, err := tx.Exec(ctx, query, c.StreamID, c.Perspective, c.LastEventID); err != nil {
		return fmt.Errorf("failed to advance checkpoint %s/%s: %w", c.StreamID, c.Perspective, err)
	}
	return nil
}

func (s *Store) upsertCheckpointFailure(ctx context.Context, tx pgx.Tx, f PerspectiveFailure) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, perspective_name, status, processed_at, error)
		VALUES ($1, $2, 'failed', NOW(), $3)
		ON CONFLICT (stream_id, perspective_name) DO UPDATE SET
			status = 'failed',
			processed_at = NOW(),
			error = EXCLUDED.error`,
		s.schema.Table("perspective_checkpoints"))
	if _, err := tx.Exec(ctx, query, f.StreamID, f.Perspective, f.Reason); err != nil {
		return fmt.Errorf("failed to mark checkpoint failed %s/%s: %w", f.StreamID, f.Perspective, err)
	}
	return nil
}

// ReportPerspectiveCompletion advances one checkpoint outside a batch call.
// Strategies that checkpoint per event use this lightweight path.
func (s *Store) ReportPerspectiveCompletion(ctx context.Context, c PerspectiveCompletion) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.upsertCheckpointCompletion(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReportPerspectiveFailure marks one checkpoint failed outside a batch call.
func (s *Store) ReportPerspectiveFailure(ctx context.Context, f PerspectiveFailure) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.upsertCheckpointFailure(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ResetPerspective clears the failed state of one checkpoint so claiming
// offers the stream to the projection again. The checkpoint keeps its
// last_event_id, so the projection resumes where it stopped. Returns false
// when no failed checkpoint exists for the pair.
func (s *Store) ResetPerspective(ctx context.Context, streamID uuid.UUID, perspective string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = 'pending', error = NULL, processed_at = NOW()
		WHERE stream_id = $1 AND perspective_name = $2 AND status = 'failed'`,
		s.schema.Table("perspective_checkpoints"))
	tag, err := s.db.Pool().Exec(ctx, query, streamID, perspective)
	if err != nil {
		return false, fmt.Errorf("failed to reset checkpoint %s/%s: %w", streamID, perspective, err)
	}
	return tag.RowsAffected() > 0, nil
}

// itemFlags derives the provenance flags for a claimed row.
func itemFlags(r claimedRow, newIDs map[uuid.UUID]bool, me uuid.UUID) message.ItemFlags {
	flags := message.FlagNone
	if newIDs[r.id] {
		flags |= message.FlagNewlyStored
	}
	if r.prevInstance != nil && *r.prevInstance != me {
		flags |= message.FlagOrphaned
	}
	return flags
}

// rawOrNil converts an optional raw JSON field to a driver-friendly value.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
