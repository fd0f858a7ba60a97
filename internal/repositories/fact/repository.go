package fact

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "fact_order_lines"

var columns = []string{
	"order_id", "line_id", "business_date", "order_date_key", "ship_date_key",
	"customer_sk", "product_sk", "country_sk",
	"customer_version_id", "product_version_id", "country_version_id",
	"quantity", "sales", "discount", "profit", "ship_mode", "backfilled", "batch_id", "loaded_at",
}

// Repository persists fact order lines
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new fact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the fact row for (orderID, lineID), or nil
func (r *Repository) Get(ctx context.Context, orderID, lineID string) (*models.FactOrderLine, error) {
	ctx, span := tracing.StartSpan(ctx, "fact.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("order_id", orderID),
		sb.Equal("line_id", lineID),
	)

	query, args := sb.Build()
	var row models.FactOrderLine
	if err := database.QuerierFromContext(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get fact order line")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get fact order line")
	}
	return &row, nil
}

// Upsert writes a fact row. The batch guard keeps rows from earlier batches
// untouched even if a caller skipped the immutability check.
func (r *Repository) Upsert(ctx context.Context, fact *models.FactOrderLine) error {
	ctx, span := tracing.StartSpan(ctx, "fact.Repository.Upsert")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto(table)
	sb.Cols(columns...)
	sb.Values(fact.OrderID, fact.LineID, fact.BusinessDate, fact.OrderDateKey, fact.ShipDateKey,
		fact.CustomerSK, fact.ProductSK, fact.CountrySK,
		fact.CustomerVer, fact.ProductVer, fact.CountryVer,
		fact.Quantity, fact.Sales, fact.Discount, fact.Profit, fact.ShipMode, fact.Backfilled, fact.BatchID, fact.LoadedAt)

	query, args := sb.Build()
	query += ` ON CONFLICT (order_id, line_id) DO UPDATE SET
		business_date = EXCLUDED.business_date,
		order_date_key = EXCLUDED.order_date_key,
		ship_date_key = EXCLUDED.ship_date_key,
		customer_sk = EXCLUDED.customer_sk,
		product_sk = EXCLUDED.product_sk,
		country_sk = EXCLUDED.country_sk,
		customer_version_id = EXCLUDED.customer_version_id,
		product_version_id = EXCLUDED.product_version_id,
		country_version_id = EXCLUDED.country_version_id,
		quantity = EXCLUDED.quantity,
		sales = EXCLUDED.sales,
		discount = EXCLUDED.discount,
		profit = EXCLUDED.profit,
		ship_mode = EXCLUDED.ship_mode,
		backfilled = EXCLUDED.backfilled,
		loaded_at = EXCLUDED.loaded_at
		WHERE ` + table + `.batch_id = EXCLUDED.batch_id`

	result, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert fact order line")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert fact order line")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return &models.FactImmutableError{OrderID: fact.OrderID, LineID: fact.LineID}
	}
	return nil
}

// ListByBatch returns the rows written by a batch
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]models.FactOrderLine, error) {
	ctx, span := tracing.StartSpan(ctx, "fact.Repository.ListByBatch")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("order_id", "line_id")

	query, args := sb.Build()
	var rows []models.FactOrderLine
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list fact order lines")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list fact order lines")
	}
	return rows, nil
}
