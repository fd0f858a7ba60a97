package reject

import (
	"database/sql"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const table = "rejects"

// RejectRow is the database row for a reject report entry
type RejectRow struct {
	ID              string                         `db:"id"`
	BatchID         string                         `db:"batch_id"`
	Stage           string                         `db:"stage"`
	EntityType      string                         `db:"entity_type"`
	ReasonCode      string                         `db:"reason_code"`
	Message         string                         `db:"message"`
	NaturalKey      sql.NullString                 `db:"natural_key"`
	SourceRecordIDs database.JSONB[[]string]       `db:"source_record_ids"`
	Context         database.JSONB[map[string]any] `db:"context"`
	RejectedAt      time.Time                      `db:"rejected_at"`
}

var rejectStruct = database.NewStruct(new(RejectRow))

// FromEntry converts a reject entry to a row
func FromEntry(e models.RejectEntry) *RejectRow {
	ids := e.SourceRecordIDs
	if ids == nil {
		ids = []string{}
	}
	return &RejectRow{
		ID:              e.ID,
		BatchID:         e.BatchID,
		Stage:           string(e.Stage),
		EntityType:      string(e.EntityType),
		ReasonCode:      string(e.ReasonCode),
		Message:         e.Message,
		NaturalKey:      sql.NullString{String: e.NaturalKey, Valid: e.NaturalKey != ""},
		SourceRecordIDs: database.JSONB[[]string]{Data: ids},
		Context:         database.JSONB[map[string]any]{Data: e.Context},
		RejectedAt:      e.RejectedAt,
	}
}

// ToEntry converts a row to a reject entry
func ToEntry(row *RejectRow) models.RejectEntry {
	return models.RejectEntry{
		ID:              row.ID,
		BatchID:         row.BatchID,
		Stage:           models.Stage(row.Stage),
		EntityType:      models.EntityType(row.EntityType),
		ReasonCode:      models.ReasonCode(row.ReasonCode),
		Message:         row.Message,
		NaturalKey:      row.NaturalKey.String,
		SourceRecordIDs: row.SourceRecordIDs.Data,
		Context:         row.Context.Data,
		RejectedAt:      row.RejectedAt,
	}
}
