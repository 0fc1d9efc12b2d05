package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DedupRecord is one row of the permanent deduplication set.
type DedupRecord struct {
	MessageID   uuid.UUID `json:"message_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// DedupBefore returns up to limit deduplication rows first seen before the
// cutoff, oldest first. The engine never prunes this set itself; the
// archive command uses this to move aged rows to object storage.
func (s *Store) DedupBefore(ctx context.Context, cutoff time.Time, limit int) ([]DedupRecord, error) {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	query := fmt.Sprintf(`
		SELECT message_id, first_seen_at
		FROM %s
		WHERE first_seen_at < $1
		ORDER BY first_seen_at
		LIMIT $2`,
		s.schema.Table("message_deduplication"))

	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read deduplication rows: %w", err)
	}
	defer rows.Close()

	var records []DedupRecord
	for rows.Next() {
		var r DedupRecord
		if err := rows.Scan(&r.MessageID, &r.FirstSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan deduplication row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteDedup removes the given deduplication rows and returns how many
// were deleted. Only call this after the rows have been archived.
func (s *Store) DeleteDedup(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE message_id = ANY($1)`,
		s.schema.Table("message_deduplication"))

	tag, err := s.db.Pool().Exec(ctx, query, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete deduplication rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
