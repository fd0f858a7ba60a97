package surrogatekey

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
	table      = "surrogate_keys"
	aliasTable = "surrogate_key_aliases"
)

// Repository persists the surrogate key registry. Keys come from a BIGSERIAL
// column and the (entity_type, natural_key) unique constraint guards allocation.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new surrogate key repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the surrogate key mapped to naturalKey, canonical or alias
func (r *Repository) Get(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "surrogatekey.Repository.Get")
	defer span.End()

	lookup := func(from string) *sqlbuilder.SelectBuilder {
		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("surrogate_key")
		sb.From(from)
		sb.Where(
			sb.Equal("entity_type", entityType),
			sb.Equal("natural_key", naturalKey),
		)
		return sb
	}

	ub := sqlbuilder.PostgreSQL.NewUnionBuilder()
	ub.UnionAll(lookup(table), lookup(aliasTable))
	ub.Limit(1)

	query, args := ub.Build()
	var sk int64
	if err := database.QuerierFromContext(ctx, r.db).GetContext(ctx, &sk, query, args...); err != nil {
		if database.IsNotFound(err) {
			return 0, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get surrogate key")
		return 0, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get surrogate key")
	}

	return sk, true, nil
}

// Allocate inserts a mapping if absent. An existing row, or a unique violation
// from a concurrent insert, is reported as models.ErrConflict.
func (r *Repository) Allocate(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "surrogatekey.Repository.Allocate")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      "Allocate",
		"entity_type": entityType,
		"natural_key": naturalKey,
	})

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols("entity_type", "natural_key", "created_at")
	sb.Values(entityType, naturalKey, time.Now().UTC())

	query, args := sb.Build()
	query += " ON CONFLICT (entity_type, natural_key) DO NOTHING RETURNING surrogate_key"

	var sk int64
	if err := database.QuerierFromContext(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&sk); err != nil {
		if database.IsNotFound(err) || database.IsUniqueViolation(err) {
			log.Debug("Surrogate key already allocated")
			return 0, models.ErrConflict
		}
		log.WithError(err).Error("Failed to allocate surrogate key")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to allocate surrogate key")
	}

	return sk, nil
}

// Find returns the canonical rows reachable from naturalKeys directly or
// through an alias, ordered by surrogate key
func (r *Repository) Find(ctx context.Context, entityType models.EntityType, naturalKeys []string) ([]models.SurrogateKeyEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "surrogatekey.Repository.Find")
	defer span.End()

	if len(naturalKeys) == 0 {
		return nil, nil
	}
	keys := sqlbuilder.Flatten(naturalKeys)

	aliased := sqlbuilder.PostgreSQL.NewSelectBuilder()
	aliased.Select("surrogate_key")
	aliased.From(aliasTable)
	aliased.Where(
		aliased.Equal("entity_type", entityType),
		aliased.In("natural_key", keys...),
	)

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("surrogate_key", "entity_type", "natural_key", "created_at")
	sb.From(table)
	sb.Where(
		sb.Equal("entity_type", entityType),
		sb.Or(
			sb.In("natural_key", keys...),
			sb.In("surrogate_key", aliased),
		),
	)
	sb.OrderBy("surrogate_key")

	query, args := sb.Build()
	var entries []models.SurrogateKeyEntry
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find surrogate keys")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find surrogate keys")
	}

	return entries, nil
}

// Alias maps naturalKey to an existing surrogate key. A key already mapped,
// canonically or as an alias, is reported as models.ErrConflict.
func (r *Repository) Alias(ctx context.Context, entityType models.EntityType, naturalKey string, surrogateKey int64) error {
	ctx, span := tracing.StartSpan(ctx, "surrogatekey.Repository.Alias")
	defer span.End()

	if _, found, err := r.Get(ctx, entityType, naturalKey); err != nil {
		return err
	} else if found {
		return models.ErrConflict
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(aliasTable)
	sb.Cols("entity_type", "natural_key", "surrogate_key", "created_at")
	sb.Values(entityType, naturalKey, surrogateKey, time.Now().UTC())

	query, args := sb.Build()
	query += " ON CONFLICT (entity_type, natural_key) DO NOTHING"

	res, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type":   entityType,
			"natural_key":   naturalKey,
			"surrogate_key": surrogateKey,
		}).Error("Failed to alias surrogate key")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to alias surrogate key")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrConflict
	}
	return nil
}

// List returns every mapping for an entity type ordered by surrogate key
func (r *Repository) List(ctx context.Context, entityType models.EntityType) ([]models.SurrogateKeyEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "surrogatekey.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("surrogate_key", "entity_type", "natural_key", "created_at")
	sb.From(table)
	sb.Where(sb.Equal("entity_type", entityType))
	sb.OrderBy("surrogate_key")

	query, args := sb.Build()
	var entries []models.SurrogateKeyEntry
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list surrogate keys")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list surrogate keys")
	}

	return entries, nil
}
