package datedim

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	table     = "dim_date"
	chunkSize = 500
)

var columns = []string{
	"date_key", "full_date", "day", "day_of_week", "day_name", "week_of_year",
	"month", "month_name", "quarter", "year", "year_month",
	"fiscal_year", "fiscal_month", "fiscal_quarter", "fiscal_year_month",
	"is_weekend", "is_holiday", "is_first_day_of_month", "is_last_day_of_month",
}

// Repository persists the date dimension
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new date dimension repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert writes rows, replacing existing days. It returns the number of rows written.
func (r *Repository) Upsert(ctx context.Context, rows []models.DateRow) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "datedim.Repository.Upsert")
	defer span.End()

	updates := make([]string, 0, len(columns)-1)
	for _, c := range columns[1:] {
		updates = append(updates, c+" = EXCLUDED."+c)
	}
	onConflict := " ON CONFLICT (date_key) DO UPDATE SET " + strings.Join(updates, ", ")

	written := 0
	err := database.WithinTx(ctx, r.db, func(ctx context.Context) error {
		for start := 0; start < len(rows); start += chunkSize {
			end := min(start+chunkSize, len(rows))

			sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
			sb.InsertInto(table)
			sb.Cols(columns...)
			for _, row := range rows[start:end] {
				sb.Values(row.DateKey, row.FullDate, row.Day, row.DayOfWeek, row.DayName, row.WeekOfYear,
					row.Month, row.MonthName, row.Quarter, row.Year, row.YearMonth,
					row.FiscalYear, row.FiscalMonth, row.FiscalQuarter, row.FiscalYearMonth,
					row.IsWeekend, row.IsHoliday, row.IsFirstDayOfMonth, row.IsLastDayOfMonth)
			}

			query, args := sb.Build()
			if _, err := database.QuerierFromContext(ctx, r.db).ExecContext(ctx, query+onConflict, args...); err != nil {
				r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert date dimension")
				return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert date dimension")
			}
			written += end - start
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"rows": written}).Info("Upserted date dimension")
	return written, nil
}

// HasDate reports whether the date key exists
func (r *Repository) HasDate(ctx context.Context, dateKey int) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "datedim.Repository.HasDate")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("1")
	sb.From(table)
	sb.Where(sb.Equal("date_key", dateKey))

	query, args := sb.Build()
	var one int
	if err := database.QuerierFromContext(ctx, r.db).GetContext(ctx, &one, query, args...); err != nil {
		if database.IsNotFound(err) {
			return false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up date key")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up date key")
	}
	return true, nil
}

// Range returns the rows between from and to inclusive
func (r *Repository) Range(ctx context.Context, from, to time.Time) ([]models.DateRow, error) {
	ctx, span := tracing.StartSpan(ctx, "datedim.Repository.Range")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Between("full_date", from, to))
	sb.OrderBy("date_key")

	query, args := sb.Build()
	var rows []models.DateRow
	if err := database.QuerierFromContext(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to read date dimension")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read date dimension")
	}
	return rows, nil
}
