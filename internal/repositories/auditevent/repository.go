package auditevent

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "audit_events"

var auditEventStruct = database.NewStruct(new(models.AuditEvent))

// Repository persists audit events
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit event repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Insert writes events in one statement. Events are keyed by id so a replayed
// flush does not duplicate rows.
func (r *Repository) Insert(ctx context.Context, events []models.AuditEvent) error {
	ctx, span := tracing.StartSpan(ctx, "auditevent.Repository.Insert")
	defer span.End()

	if len(events) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "batch_id", "stage", "entity_type", "operation", "row_count", "notes", "emitted_at")
	for _, e := range events {
		ib.Values(e.ID, e.BatchID, e.Stage, e.EntityType, e.Operation, e.Count, e.Notes, e.Timestamp)
	}
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id": events[0].BatchID,
			"events":   len(events),
		}).Error("Failed to insert audit events")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert audit events")
	}
	return nil
}

// ListByBatch returns a batch's events in emission order
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "auditevent.Repository.ListByBatch")
	defer span.End()

	sb := auditEventStruct.SelectFrom(table)
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("emitted_at", "stage", "entity_type", "operation")

	query, args := sb.Build()
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list audit events")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit events")
	}
	return events, nil
}
