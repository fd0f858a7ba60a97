package watermark

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

const table = "ingestion_watermarks"

// Repository stores the last ingested source timestamp per entity type
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new watermark repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the watermark, or false when the entity type was never loaded
func (r *Repository) Get(ctx context.Context, entityType models.EntityType) (time.Time, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("last_ingestion_at")
	sb.From(table)
	sb.Where(sb.Equal("entity_type", entityType))

	query, args := sb.Build()
	var at time.Time
	if err := r.db.GetContext(ctx, &at, query, args...); err != nil {
		if database.IsNotFound(err) {
			return time.Time{}, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get watermark")
		return time.Time{}, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get watermark")
	}
	return at.UTC(), true, nil
}

// Advance moves the watermark forward. It never moves backwards.
func (r *Repository) Advance(ctx context.Context, entityType models.EntityType, to time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Advance")
	defer span.End()

	now := time.Now().UTC()
	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("entity_type", "last_ingestion_at", "updated_at")
	ib.Values(entityType, to.UTC(), now)
	ub := ib.OnConflict("entity_type")
	ub.Set(
		ub.Assign("last_ingestion_at", sqlbuilder.Raw("GREATEST("+table+".last_ingestion_at, EXCLUDED.last_ingestion_at)")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": entityType,
			"to":          to,
		}).Error("Failed to advance watermark")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to advance watermark")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"to":          to,
	}).Info("Advanced ingestion watermark")
	return nil
}
