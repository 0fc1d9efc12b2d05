package db

import (
	"context"
	"fmt"
	"strings"
)

// Schema describes where the coordination tables live. Prefix applies to
// the infrastructure tables, PerspectivePrefix to the read-model state
// tables, and SchemaName optionally places everything in a dedicated
// PostgreSQL schema.
type Schema struct {
	Prefix            string
	PerspectivePrefix string
	SchemaName        string
}

// DefaultSchema returns the conventional wh_ layout in the public schema.
func DefaultSchema() Schema {
	return Schema{Prefix: "wh_", PerspectivePrefix: "wh_per_"}
}

// Table returns the fully qualified name of an infrastructure table.
func (s Schema) Table(name string) string {
	return s.qualify(s.Prefix + name)
}

// PerspectiveTable returns the fully qualified name of a perspective state
// table.
func (s Schema) PerspectiveTable(name string) string {
	return s.qualify(s.PerspectivePrefix + name)
}

func (s Schema) qualify(name string) string {
	if s.SchemaName == "" {
		return name
	}
	return s.SchemaName + "." + name
}

// indexName flattens a qualified table name into a legal index identifier.
func (s Schema) indexName(table, suffix string) string {
	return strings.ReplaceAll(table, ".", "_") + "_" + suffix
}

// Migrate creates the coordination tables and their indexes. All
// statements are idempotent so repeated startup calls converge.
func (s Schema) Migrate(ctx context.Context, db *PostgresDB) error {
	if s.SchemaName != "" {
		if err := db.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s.SchemaName)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", s.SchemaName, err)
		}
	}

	outbox := s.Table("outbox")
	inbox := s.Table("inbox")
	events := s.Table("event_store")
	dedup := s.Table("message_deduplication")
	checkpoints := s.Table("perspective_checkpoints")
	streams := s.Table("active_streams")
	instances := s.Table("service_instances")
	receptors := s.Table("receptor_processing")
	reqresp := s.Table("request_response")
	sequences := s.Table("sequences")

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id       UUID PRIMARY KEY,
			destination      TEXT NOT NULL,
			event_type       TEXT NOT NULL DEFAULT '',
			envelope_type    TEXT NOT NULL DEFAULT '',
			envelope_json    JSONB NOT NULL,
			metadata_json    JSONB,
			scope_json       JSONB,
			stream_id        UUID,
			partition_number INT,
			is_event         BOOLEAN NOT NULL DEFAULT FALSE,
			status           INT NOT NULL DEFAULT 0,
			attempts         INT NOT NULL DEFAULT 0,
			instance_id      UUID,
			lease_expiry     TIMESTAMPTZ,
			error            TEXT,
			failure_reason   TEXT,
			sequence_order   BIGINT NOT NULL,
			scheduled_for    TIMESTAMPTZ,
			published_at     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, outbox),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (partition_number, scheduled_for, created_at)`,
			s.indexName(outbox, "claim_idx"), outbox),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (stream_id, sequence_order) WHERE stream_id IS NOT NULL`,
			s.indexName(outbox, "stream_idx"), outbox),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id       UUID PRIMARY KEY,
			handler_name     TEXT NOT NULL,
			event_type       TEXT NOT NULL DEFAULT '',
			envelope_type    TEXT NOT NULL DEFAULT '',
			envelope_json    JSONB NOT NULL,
			metadata_json    JSONB,
			scope_json       JSONB,
			stream_id        UUID,
			partition_number INT,
			is_event         BOOLEAN NOT NULL DEFAULT FALSE,
			status           INT NOT NULL DEFAULT 0,
			attempts         INT NOT NULL DEFAULT 0,
			instance_id      UUID,
			lease_expiry     TIMESTAMPTZ,
			error            TEXT,
			failure_reason   TEXT,
			sequence_order   BIGINT NOT NULL,
			scheduled_for    TIMESTAMPTZ,
			processed_at     TIMESTAMPTZ,
			received_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, inbox),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (partition_number, scheduled_for, received_at)`,
			s.indexName(inbox, "claim_idx"), inbox),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (stream_id, sequence_order) WHERE stream_id IS NOT NULL`,
			s.indexName(inbox, "stream_idx"), inbox),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			event_id   UUID PRIMARY KEY,
			stream_id  UUID NOT NULL,
			version    BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata   JSONB,
			scope      JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT %s UNIQUE (stream_id, version)
		)`, events, s.indexName(events, "stream_version_key")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id    UUID PRIMARY KEY,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dedup),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (first_seen_at)`,
			s.indexName(dedup, "seen_idx"), dedup),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			stream_id        UUID NOT NULL,
			perspective_name TEXT NOT NULL,
			last_event_id    UUID,
			status           TEXT NOT NULL DEFAULT 'pending',
			processed_at     TIMESTAMPTZ,
			error            TEXT,
			PRIMARY KEY (stream_id, perspective_name)
		)`, checkpoints),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			stream_id            UUID PRIMARY KEY,
			partition_number     INT NOT NULL,
			assigned_instance_id UUID,
			lease_expiry         TIMESTAMPTZ,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, streams),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			instance_id    UUID PRIMARY KEY,
			service_name   TEXT NOT NULL,
			host_name      TEXT NOT NULL DEFAULT '',
			process_id     INT NOT NULL DEFAULT 0,
			metadata_json  JSONB,
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, instances),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (last_heartbeat)`,
			s.indexName(instances, "heartbeat_idx"), instances),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id    UUID NOT NULL,
			receptor_name TEXT NOT NULL,
			status        INT NOT NULL DEFAULT 0,
			attempts      INT NOT NULL DEFAULT 0,
			error         TEXT,
			processed_at  TIMESTAMPTZ,
			PRIMARY KEY (message_id, receptor_name)
		)`, receptors),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			request_id    UUID PRIMARY KEY,
			response_json JSONB,
			completed_at  TIMESTAMPTZ
		)`, reqresp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name  TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		)`, sequences),
	}

	for _, stmt := range statements {
		if err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration statement: %w", err)
		}
	}

	return nil
}
