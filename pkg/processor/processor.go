// Package processor stages clean records consumed from Kafka. Consolidation
// reads them back from staging beyond each entity type's watermark.
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Stager is satisfied by the staging repository
type Stager interface {
	InsertRecords(ctx context.Context, records []models.RawEntityRecord) error
}

// Processor handles message processing for the staging layer
type Processor struct {
	logger ectologger.Logger
	stager Stager
}

// NewProcessor creates a new message processor for ingestion
func NewProcessor(logger ectologger.Logger, stager Stager) *Processor {
	return &Processor{
		logger: logger,
		stager: stager,
	}
}

// ProcessMessage stages the record carried by msg. Records without a source
// system are skipped; returning nil commits them so the partition keeps moving.
// A staging failure is returned so the message is redelivered.
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.ProcessMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    msg.Key,
		"topic":  msg.Topic,
		"offset": msg.Offset,
	})

	if msg.Record == nil {
		if err := msg.ParseRecord(); err != nil {
			log.WithError(err).Error("Failed to parse clean record")
			return err
		}
	}

	record := *msg.Record
	log = log.WithFields(map[string]any{
		"record_id":     record.RecordID,
		"entity_type":   record.EntityType,
		"source_system": record.SourceSystem,
		"change_type":   record.ChangeType,
	})

	if record.SourceSystem == "" {
		metrics.RecordsIngested.WithLabelValues(string(record.EntityType), "skipped").Inc()
		log.Warn("Skipping record: missing source system")
		return nil
	}
	if record.Attributes == nil {
		record.Attributes = models.Attributes{}
	}

	if err := p.stager.InsertRecords(ctx, []models.RawEntityRecord{record}); err != nil {
		metrics.RecordsIngested.WithLabelValues(string(record.EntityType), "error").Inc()
		log.WithError(err).Error("Failed to stage record")
		return err
	}

	metrics.RecordsIngested.WithLabelValues(string(record.EntityType), "staged").Inc()
	log.Debug("Record staged")
	return nil
}
