package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workhubhq/workhub/message"
)

// QueueStats summarizes one coordination table for the ops surface.
type QueueStats struct {
	Total     int64 `json:"total"`
	Failed    int64 `json:"failed"`
	Leased    int64 `json:"leased"`
	Scheduled int64 `json:"scheduled"`
}

// InstanceInfo is one active service instance as seen by the coordinator.
type InstanceInfo struct {
	ID            uuid.UUID `json:"id"`
	ServiceName   string    `json:"service_name"`
	HostName      string    `json:"host_name"`
	ProcessID     int       `json:"process_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CheckpointInfo is one perspective checkpoint row.
type CheckpointInfo struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	Perspective string     `json:"perspective"`
	LastEventID *uuid.UUID `json:"last_event_id,omitempty"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Stats is the coordinator-wide snapshot served by the ops routes.
type Stats struct {
	Outbox      QueueStats     `json:"outbox"`
	Inbox       QueueStats     `json:"inbox"`
	EventCount  int64          `json:"event_count"`
	StreamCount int64          `json:"stream_count"`
	Instances   []InstanceInfo `json:"instances"`
}

func (s *Store) queueStats(ctx context.Context, table string) (QueueStats, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE (status & $1) <> 0),
			COUNT(*) FILTER (WHERE lease_expiry > NOW()),
			COUNT(*) FILTER (WHERE scheduled_for > NOW())
		FROM %s`, table)
	var stats QueueStats
	err := s.db.QueryRow(ctx, query, int32(message.StatusFailed)).Scan(
		&stats.Total, &stats.Failed, &stats.Leased, &stats.Scheduled)
	if err != nil {
		return stats, fmt.Errorf("failed to read stats for %s: %w", table, err)
	}
	return stats, nil
}

// CollectStats gathers queue depths, event-store size and the active
// instance set in one pass.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var err error
	if stats.Outbox, err = s.queueStats(ctx, s.schema.Table("outbox")); err != nil {
		return nil, err
	}
	if stats.Inbox, err = s.queueStats(ctx, s.schema.Table("inbox")); err != nil {
		return nil, err
	}

	countQuery := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT stream_id) FROM %s`,
		s.schema.Table("event_store"))
	if err := s.db.QueryRow(ctx, countQuery).Scan(&stats.EventCount, &stats.StreamCount); err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	instanceQuery := fmt.Sprintf(`
		SELECT instance_id, service_name, host_name, process_id, last_heartbeat
		FROM %s ORDER BY instance_id`,
		s.schema.Table("service_instances"))
	rows, err := s.db.Query(ctx, instanceQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var info InstanceInfo
		if err := rows.Scan(&info.ID, &info.ServiceName, &info.HostName,
			&info.ProcessID, &info.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		stats.Instances = append(stats.Instances, info)
	}
	return stats, rows.Err()
}

// Checkpoints lists perspective checkpoints, optionally filtered by
// perspective name.
func (s *Store) Checkpoints(ctx context.Context, perspective string) ([]CheckpointInfo, error) {
	query := fmt.Sprintf(`
		SELECT stream_id, perspective_name, last_event_id, status, processed_at, error
		FROM %s
		WHERE $1 = '' OR perspective_name = $1
		ORDER BY stream_id, perspective_name`,
		s.schema.Table("perspective_checkpoints"))

	rows, err := s.db.Query(ctx, query, perspective)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []CheckpointInfo
	for rows.Next() {
		var c CheckpointInfo
		if err := rows.Scan(&c.StreamID, &c.Perspective, &c.LastEventID,
			&c.Status, &c.ProcessedAt, &c.Error); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, rows.Err()
}
