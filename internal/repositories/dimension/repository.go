package dimension

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var columns = []string{
	"version_id", "surrogate_key", "natural_key", "attributes", "row_hash",
	"effective_from", "effective_to", "current_flag", "end_reason", "batch_id",
}

type versionRow struct {
	VersionID     int64                             `db:"version_id"`
	SurrogateKey  int64                             `db:"surrogate_key"`
	NaturalKey    string                            `db:"natural_key"`
	Attributes    database.JSONB[models.Attributes] `db:"attributes"`
	RowHash       string                            `db:"row_hash"`
	EffectiveFrom time.Time                         `db:"effective_from"`
	EffectiveTo   *time.Time                        `db:"effective_to"`
	CurrentFlag   bool                              `db:"current_flag"`
	EndReason     models.EndReason                  `db:"end_reason"`
	BatchID       string                            `db:"batch_id"`
}

func (r versionRow) toModel(entityType models.EntityType) models.DimensionVersion {
	v := models.DimensionVersion{
		VersionID:     r.VersionID,
		SurrogateKey:  r.SurrogateKey,
		EntityType:    entityType,
		NaturalKey:    r.NaturalKey,
		Attributes:    r.Attributes.GetValue(),
		RowHash:       r.RowHash,
		EffectiveFrom: r.EffectiveFrom.UTC(),
		CurrentFlag:   r.CurrentFlag,
		EndReason:     r.EndReason,
		BatchID:       r.BatchID,
	}
	if r.EffectiveTo != nil {
		to := r.EffectiveTo.UTC()
		v.EffectiveTo = &to
	}
	return v
}

// Repository persists SCD2 history in one dim_<entity_type> table per dimension
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new dimension repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// TableName returns the dimension table of an entity type
func TableName(entityType models.EntityType) (string, error) {
	if !entityType.IsValid() {
		return "", httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown entity type %s", entityType))
	}
	return "dim_" + string(entityType), nil
}

// WithinTx runs fn in a database transaction carried by ctx
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithinTx(ctx, r.db, fn)
}

func (r *Repository) CurrentVersion(ctx context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.CurrentVersion")
	defer span.End()

	return r.getOne(ctx, entityType, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(
			sb.Equal("surrogate_key", surrogateKey),
			sb.Equal("current_flag", true),
		)
	})
}

func (r *Repository) LatestVersion(ctx context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.LatestVersion")
	defer span.End()

	return r.getOne(ctx, entityType, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(sb.Equal("surrogate_key", surrogateKey))
		sb.OrderBy("effective_from").Desc()
		sb.Limit(1)
	})
}

func (r *Repository) VersionAt(ctx context.Context, entityType models.EntityType, surrogateKey int64, t time.Time) (*models.DimensionVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.VersionAt")
	defer span.End()

	return r.getOne(ctx, entityType, func(sb *sqlbuilder.SelectBuilder) {
		sb.Where(
			sb.Equal("surrogate_key", surrogateKey),
			sb.LessEqualThan("effective_from", t),
			sb.Or(sb.IsNull("effective_to"), sb.GreaterThan("effective_to", t)),
		)
	})
}

func (r *Repository) Versions(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.Versions")
	defer span.End()

	table, err := TableName(entityType)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("surrogate_key", surrogateKey))
	sb.OrderBy("effective_from")

	query, args := sb.Build()
	var rows []versionRow
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list dimension versions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list dimension versions")
	}

	versions := make([]models.DimensionVersion, len(rows))
	for i, row := range rows {
		versions[i] = row.toModel(entityType)
	}
	return versions, nil
}

func (r *Repository) InsertVersion(ctx context.Context, version *models.DimensionVersion) error {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.InsertVersion")
	defer span.End()

	table, err := TableName(version.EntityType)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("surrogate_key", "natural_key", "attributes", "row_hash", "effective_from", "effective_to",
		"current_flag", "end_reason", "batch_id", "created_at", "updated_at")
	sb.Values(version.SurrogateKey, version.NaturalKey, database.JSONB[models.Attributes]{Data: version.Attributes},
		version.RowHash, version.EffectiveFrom, version.EffectiveTo, version.CurrentFlag, version.EndReason,
		version.BatchID, now, now)
	sb.Returning("version_id")

	query, args := sb.Build()
	if err := database.QuerierFromContext(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&version.VersionID); err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("surrogate key %d already has an open version: %w", version.SurrogateKey, models.ErrConflict)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to insert dimension version")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert dimension version")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table":         table,
		"surrogate_key": version.SurrogateKey,
		"version_id":    version.VersionID,
	}).Debug("Inserted dimension version")
	return nil
}

func (r *Repository) CloseVersion(ctx context.Context, entityType models.EntityType, versionID int64, effectiveTo time.Time, reason models.EndReason) error {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.CloseVersion")
	defer span.End()

	table, err := TableName(entityType)
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("effective_to", effectiveTo),
		sb.Assign("current_flag", false),
		sb.Assign("end_reason", reason),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("version_id", versionID),
		sb.Equal("current_flag", true),
	)

	return r.execOne(ctx, sb, "close dimension version")
}

func (r *Repository) OverwriteCurrent(ctx context.Context, version *models.DimensionVersion) error {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.OverwriteCurrent")
	defer span.End()

	table, err := TableName(version.EntityType)
	if err != nil {
		return err
	}

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update(table)
	sb.Set(
		sb.Assign("natural_key", version.NaturalKey),
		sb.Assign("attributes", database.JSONB[models.Attributes]{Data: version.Attributes}),
		sb.Assign("row_hash", version.RowHash),
		sb.Assign("batch_id", version.BatchID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("version_id", version.VersionID),
		sb.Equal("current_flag", true),
	)

	return r.execOne(ctx, sb, "overwrite dimension version")
}

// ListCurrent returns the open versions of a dimension ordered by surrogate key
func (r *Repository) ListCurrent(ctx context.Context, entityType models.EntityType, limit, offset int) ([]models.DimensionVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "dimension.Repository.ListCurrent")
	defer span.End()

	table, err := TableName(entityType)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("current_flag", true))
	sb.OrderBy("surrogate_key")
	sb.Limit(limit)
	sb.Offset(offset)

	query, args := sb.Build()
	var rows []versionRow
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list current dimension versions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list current dimension versions")
	}

	versions := make([]models.DimensionVersion, len(rows))
	for i, row := range rows {
		versions[i] = row.toModel(entityType)
	}
	return versions, nil
}

func (r *Repository) getOne(ctx context.Context, entityType models.EntityType, where func(sb *sqlbuilder.SelectBuilder)) (*models.DimensionVersion, error) {
	table, err := TableName(entityType)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	where(sb)

	query, args := sb.Build()
	var row versionRow
	if err := database.QuerierFromContext(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get dimension version")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dimension version")
	}

	v := row.toModel(entityType)
	return &v, nil
}

func (r *Repository) execOne(ctx context.Context, sb *sqlbuilder.UpdateBuilder, action string) error {
	query, args := sb.Build()
	result, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to %s", action)
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to "+action)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusConflict, action+": no open version matched")
	}
	return nil
}
