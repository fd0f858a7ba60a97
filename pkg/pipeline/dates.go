package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/dimdate"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DateWriter is satisfied by the date dimension repository
type DateWriter interface {
	Upsert(ctx context.Context, rows []models.DateRow) (int, error)
}

// DateRange describes one date dimension load
type DateRange struct {
	Start            time.Time
	End              time.Time
	FiscalStartMonth int
	Holidays         map[int]bool
	BatchID          string
}

// LoadDateDimension generates every day in the range and upserts it. The
// written row count is emitted as a dim_date audit event.
func LoadDateDimension(ctx context.Context, writer DateWriter, r DateRange, sinks []audit.Sink, logger ectologger.Logger) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.LoadDateDimension")
	defer span.End()

	start := time.Now()
	if r.BatchID == "" {
		r.BatchID = uuid.NewString()
	}

	rows, err := dimdate.Generate(r.Start, r.End, r.FiscalStartMonth, r.Holidays)
	if err != nil {
		return 0, err
	}

	written, err := writer.Upsert(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("upsert date dimension: %w", err)
	}
	metrics.ObserveStage(models.StageDimDate, models.EntityTypeDate, start)

	emitter := audit.NewEmitter(r.BatchID, logger, sinks...)
	emitter.Record(models.StageDimDate, models.EntityTypeDate, models.OperationInsert, written)
	if _, err := emitter.FlushAll(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("Date dimension audit was not fully delivered")
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": r.BatchID,
		"start":    rows[0].FullDate.Format(time.DateOnly),
		"end":      rows[len(rows)-1].FullDate.Format(time.DateOnly),
		"rows":     written,
	}).Info("Loaded date dimension")
	return written, nil
}
