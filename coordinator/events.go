package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ReadStream returns up to limit events of a stream in version order,
// starting after afterEventID (exclusive). A nil afterEventID reads from
// the beginning. Perspective runners use this to catch a projection up to
// its checkpoint target.
func (s *Store) ReadStream(ctx context.Context, streamID uuid.UUID, afterEventID *uuid.UUID, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	query := fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, event_data, metadata, scope, created_at
		FROM %s
		WHERE stream_id = $1
			AND ($2::uuid IS NULL OR version > (
				SELECT version FROM %s WHERE event_id = $2
			))
		ORDER BY version
		LIMIT $3`,
		s.schema.Table("event_store"), s.schema.Table("event_store"))

	rows, err := s.db.Query(ctx, query, streamID, afterEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", streamID, err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var data, metadata, scope []byte
		if err := rows.Scan(&e.EventID, &e.StreamID, &e.Version, &e.EventType,
			&data, &metadata, &scope, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Data = json.RawMessage(data)
		e.Metadata = json.RawMessage(metadata)
		e.Scope = json.RawMessage(scope)
		events = append(events, e)
	}
	return events, rows.Err()
}

// StreamVersion returns the highest version of a stream, or -1 for an empty
// stream.
func (s *Store) StreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), -1) FROM %s WHERE stream_id = $1`,
		s.schema.Table("event_store"))
	var version int64
	if err := s.db.QueryRow(ctx, query, streamID).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read stream version: %w", err)
	}
	return version, nil
}

// NextSequence atomically increments and returns a named counter. Counters
// start at 1 on first use.
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = %s.value + 1
		RETURNING value`,
		s.schema.Table("sequences"), s.schema.Table("sequences"))
	var value int64
	if err := s.db.QueryRow(ctx, query, name).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return value, nil
}

// RecordResponse stores the response for a request id so a correlated
// caller can collect it.
func (s *Store) RecordResponse(ctx context.Context, requestID uuid.UUID, response json.RawMessage) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (request_id, response_json, completed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (request_id) DO UPDATE SET
			response_json = EXCLUDED.response_json,
			completed_at = NOW()`,
		s.schema.Table("request_response"))
	if err := s.db.Exec(ctx, query, requestID, []byte(response)); err != nil {
		return fmt.Errorf("failed to record response for %s: %w", requestID, err)
	}
	return nil
}

// TakeResponse removes and returns the stored response for a request id.
// The second return is false while the response has not arrived.
func (s *Store) TakeResponse(ctx context.Context, requestID uuid.UUID) (json.RawMessage, bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE request_id = $1 AND completed_at IS NOT NULL
		RETURNING response_json`,
		s.schema.Table("request_response"))
	var response []byte
	err := s.db.QueryRow(ctx, query, requestID).Scan(&response)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to take response for %s: %w", requestID, err)
	}
	return json.RawMessage(response), true, nil
}
