package perspective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/workhubhq/workhub/db"
)

// StateRow is one persisted projection state. ScopeJSON optionally carries
// an allowed_principals array restricting who may read the row.
type StateRow struct {
	PerspectiveName string    `gorm:"column:perspective_name;primaryKey" json:"perspective_name"`
	StreamID        uuid.UUID `gorm:"column:stream_id;primaryKey;type:uuid" json:"stream_id"`
	StateJSON       []byte    `gorm:"column:state_json;type:jsonb" json:"state"`
	ScopeJSON       []byte    `gorm:"column:scope_json;type:jsonb" json:"scope,omitempty"`
	Version         int64     `gorm:"column:version" json:"version"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// StateStore persists projection state rows under the perspective table
// prefix.
type StateStore struct {
	db    *gorm.DB
	table string
}

// NewStateStore migrates the state table and returns the store.
func NewStateStore(gdb *gorm.DB, schema db.Schema) (*StateStore, error) {
	table := schema.PerspectiveTable("state")
	if err := gdb.Table(table).AutoMigrate(&StateRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate perspective state table: %w", err)
	}
	return &StateStore{db: gdb, table: table}, nil
}

// Load returns the persisted state for one perspective and stream.
func (s *StateStore) Load(ctx context.Context, perspective string, streamID uuid.UUID) (json.RawMessage, bool, error) {
	var row StateRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("perspective_name = ? AND stream_id = ?", perspective, streamID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state %s/%s: %w", perspective, streamID, err)
	}
	return json.RawMessage(row.StateJSON), true, nil
}

// Save upserts the state for one perspective and stream, bumping the row
// version on every write.
func (s *StateStore) Save(ctx context.Context, perspective string, streamID uuid.UUID, state json.RawMessage) error {
	return s.save(ctx, perspective, streamID, state, nil)
}

// SaveScoped is Save with an access scope attached to the row.
func (s *StateStore) SaveScoped(ctx context.Context, perspective string, streamID uuid.UUID, state, scope json.RawMessage) error {
	return s.save(ctx, perspective, streamID, state, scope)
}

func (s *StateStore) save(ctx context.Context, perspective string, streamID uuid.UUID, state, scope json.RawMessage) error {
	row := StateRow{
		PerspectiveName: perspective,
		StreamID:        streamID,
		StateJSON:       []byte(state),
		ScopeJSON:       []byte(scope),
		Version:         1,
		UpdatedAt:       time.Now(),
	}

	err := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "perspective_name"}, {Name: "stream_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"state_json": row.StateJSON,
			"scope_json": row.ScopeJSON,
			"version":    gorm.Expr("excluded.version + " + s.table + ".version"),
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save state %s/%s: %w", perspective, streamID, err)
	}
	return nil
}

// VisibleTo lists the rows of a perspective readable by the given
// principals: rows without a scope are public, scoped rows require one of
// the caller's principals to appear in allowed_principals.
func (s *StateStore) VisibleTo(ctx context.Context, perspective string, principals []string) ([]StateRow, error) {
	var rows []StateRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("perspective_name = ?", perspective).
		Where(`scope_json IS NULL
			OR scope_json -> 'allowed_principals' IS NULL
			OR jsonb_exists_any(scope_json -> 'allowed_principals', ?::text[])`,
			textArray(principals)).
		Order("stream_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query visible state for %s: %w", perspective, err)
	}
	return rows, nil
}

// textArray renders a PostgreSQL text[] literal.
func textArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
