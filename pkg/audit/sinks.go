package audit

import (
	"context"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Publisher is satisfied by kafka.Producer
type Publisher interface {
	PublishAuditEvents(ctx context.Context, events []models.AuditEvent) error
}

// KafkaSink publishes events to the audit topic
type KafkaSink struct {
	publisher Publisher
}

func NewKafkaSink(publisher Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []models.AuditEvent) error {
	return s.publisher.PublishAuditEvents(ctx, events)
}

// Inserter is satisfied by the audit event repository
type Inserter interface {
	Insert(ctx context.Context, events []models.AuditEvent) error
}

// StoreSink persists events to the audit_events table
type StoreSink struct {
	store Inserter
}

func NewStoreSink(store Inserter) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Name() string { return "postgres" }

func (s *StoreSink) Write(ctx context.Context, events []models.AuditEvent) error {
	return s.store.Insert(ctx, events)
}

// LogSink writes one structured log line per event
type LogSink struct {
	logger ectologger.Logger
}

func NewLogSink(logger ectologger.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, events []models.AuditEvent) error {
	for _, event := range events {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id":    event.BatchID,
			"stage":       event.Stage,
			"entity_type": event.EntityType,
			"operation":   event.Operation,
			"count":       event.Count,
		}).Info("Audit")
	}
	return nil
}

// MemorySink keeps events in process
type MemorySink struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, events []models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events returns a copy of everything written so far
func (s *MemorySink) Events() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Count sums the counts of events matching stage, entity type and operation
func (s *MemorySink) Count(stage models.Stage, entityType models.EntityType, op models.Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, e := range s.events {
		if e.Stage == stage && e.EntityType == entityType && e.Operation == op {
			total += e.Count
		}
	}
	return total
}
