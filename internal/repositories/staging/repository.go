package staging

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	recordsTable    = "staging_records"
	orderLinesTable = "staging_order_lines"
)

type recordRow struct {
	RecordID        string                            `db:"record_id"`
	SourceSystem    string                            `db:"source_system"`
	EntityType      string                            `db:"entity_type"`
	ChangeType      string                            `db:"change_type"`
	Attributes      database.JSONB[models.Attributes] `db:"attributes"`
	BatchID         string                            `db:"batch_id"`
	SourceTimestamp time.Time                         `db:"source_timestamp"`
}

func (r *recordRow) toRecord() models.RawEntityRecord {
	return models.RawEntityRecord{
		RecordID:        r.RecordID,
		SourceSystem:    r.SourceSystem,
		EntityType:      models.EntityType(r.EntityType),
		ChangeType:      models.ChangeType(r.ChangeType),
		Attributes:      r.Attributes.Data,
		BatchID:         r.BatchID,
		SourceTimestamp: r.SourceTimestamp.UTC(),
	}
}

var orderLineColumns = []string{
	"order_id", "line_id", "order_date", "ship_date",
	"customer_key", "product_key", "country_key",
	"quantity", "sales", "discount", "profit", "ship_mode",
}

// Repository reads clean post-DQ rows from the staging tables
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new staging repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Records returns an entity type's clean records newer than since, oldest first
func (r *Repository) Records(ctx context.Context, entityType models.EntityType, since time.Time) ([]models.RawEntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.Records")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("record_id", "source_system", "entity_type", "change_type", "attributes", "batch_id", "source_timestamp")
	sb.From(recordsTable)
	sb.Where(sb.Equal("entity_type", entityType))
	if !since.IsZero() {
		sb.Where(sb.GreaterThan("source_timestamp", since))
	}
	sb.OrderBy("source_timestamp", "record_id")

	query, args := sb.Build()
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
		}).Error("Failed to read staged records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read staged records")
	}

	records := make([]models.RawEntityRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"since":       since,
		"records":     len(records),
	}).Debug("Read staged records")
	return records, nil
}

// InsertRecords stages clean records. Records are immutable, so a replayed
// record id is ignored.
func (r *Repository) InsertRecords(ctx context.Context, records []models.RawEntityRecord) error {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.InsertRecords")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(recordsTable)
	ib.Cols("record_id", "source_system", "entity_type", "change_type", "attributes", "batch_id", "source_timestamp")
	for _, rec := range records {
		ib.Values(rec.RecordID, rec.SourceSystem, rec.EntityType, rec.ChangeType,
			database.JSONB[models.Attributes]{Data: rec.Attributes}, rec.BatchID, rec.SourceTimestamp.UTC())
	}
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"records": len(records),
		}).Error("Failed to stage records")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to stage records")
	}
	return nil
}

// OrderLines returns the staged order lines of a batch
func (r *Repository) OrderLines(ctx context.Context, batchID string) ([]models.FactInput, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.OrderLines")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(orderLineColumns...)
	sb.From(orderLinesTable)
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("order_id", "line_id")

	query, args := sb.Build()
	var lines []models.FactInput
	if err := r.db.SelectContext(ctx, &lines, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id": batchID,
		}).Error("Failed to read staged order lines")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read staged order lines")
	}
	return lines, nil
}
