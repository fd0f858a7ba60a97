package reject

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository persists the reject report
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new reject repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert writes entries in a single transaction
func (r *Repository) Insert(ctx context.Context, entries []models.RejectEntry) error {
	ctx, span := tracing.StartSpan(ctx, "reject.Repository.Insert")
	defer span.End()

	if len(entries) == 0 {
		return nil
	}

	rows := make([]any, len(entries))
	for i, e := range entries {
		rows[i] = FromEntry(e)
	}

	ib := rejectStruct.InsertInto(table, rows...)
	query, args := ib.Build()

	return database.WithinTx(ctx, r.db, func(ctx context.Context) error {
		if _, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"batch_id": entries[0].BatchID,
				"entries":  len(entries),
			}).Error("Failed to insert rejects")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert rejects")
		}
		return nil
	})
}

// ListByBatch returns a batch's rejects in the order they were raised
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.RejectEntry, error) {
	return r.List(ctx, Filter{BatchID: batchID})
}

// Filter narrows a reject listing. Empty fields match everything.
type Filter struct {
	BatchID    string
	EntityType models.EntityType
	ReasonCode models.ReasonCode
	Limit      int
	Offset     int
}

// List returns rejects matching filter
func (r *Repository) List(ctx context.Context, filter Filter) ([]models.RejectEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "reject.Repository.List")
	defer span.End()

	sb := rejectStruct.SelectFrom(table)
	if filter.BatchID != "" {
		sb.Where(sb.Equal("batch_id", filter.BatchID))
	}
	if filter.EntityType != "" {
		sb.Where(sb.Equal("entity_type", filter.EntityType))
	}
	if filter.ReasonCode != "" {
		sb.Where(sb.Equal("reason_code", filter.ReasonCode))
	}
	sb.OrderBy("rejected_at", "id")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":    filter.BatchID,
		"entity_type": filter.EntityType,
		"reason_code": filter.ReasonCode,
	}).Debug("Listing rejects")

	var rows []RejectRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list rejects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rejects")
	}

	entries := make([]models.RejectEntry, len(rows))
	for i := range rows {
		entries[i] = ToEntry(&rows[i])
	}
	return entries, nil
}
