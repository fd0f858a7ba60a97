// Package audit aggregates per-stage decision counts and fans them out to sinks
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Sink receives flushed audit events
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.AuditEvent) error
}

type countKey struct {
	stage      models.Stage
	entityType models.EntityType
	operation  models.Operation
}

// Emitter counts decisions per (stage, entity type, operation) for one batch
// and writes them to every sink when a stage is flushed. It is safe for
// concurrent use.
type Emitter struct {
	batchID string
	sinks   []Sink
	logger  ectologger.Logger
	now     func() time.Time

	mu     sync.Mutex
	counts map[countKey]int
}

// NewEmitter creates an emitter for a batch
func NewEmitter(batchID string, logger ectologger.Logger, sinks ...Sink) *Emitter {
	return &Emitter{
		batchID: batchID,
		sinks:   sinks,
		logger:  logger,
		now:     time.Now,
		counts:  make(map[countKey]int),
	}
}

// BatchID returns the batch the emitter reports on
func (e *Emitter) BatchID() string {
	return e.batchID
}

// Record adds n decisions to the running count
func (e *Emitter) Record(stage models.Stage, entityType models.EntityType, op models.Operation, n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[countKey{stage, entityType, op}] += n
}

// Flush emits and clears the counts of one stage and entity type. Sink
// failures are logged and returned joined; every sink is still attempted.
func (e *Emitter) Flush(ctx context.Context, stage models.Stage, entityType models.EntityType) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Emitter.Flush")
	defer span.End()

	events := e.drain(func(k countKey) bool {
		return k.stage == stage && k.entityType == entityType
	})
	return events, e.write(ctx, events)
}

// FlushAll emits and clears every pending count
func (e *Emitter) FlushAll(ctx context.Context) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Emitter.FlushAll")
	defer span.End()

	events := e.drain(func(countKey) bool { return true })
	return events, e.write(ctx, events)
}

func (e *Emitter) drain(match func(countKey) bool) []models.AuditEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	var events []models.AuditEvent
	for k, count := range e.counts {
		if !match(k) {
			continue
		}
		events = append(events, models.AuditEvent{
			ID:         uuid.NewString(),
			BatchID:    e.batchID,
			Stage:      k.stage,
			EntityType: k.entityType,
			Operation:  k.operation,
			Count:      count,
			Timestamp:  now,
		})
		delete(e.counts, k)
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.Operation < b.Operation
	})
	return events
}

func (e *Emitter) write(ctx context.Context, events []models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var errs []error
	for _, sink := range e.sinks {
		if err := sink.Write(ctx, events); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"sink":     sink.Name(),
				"batch_id": e.batchID,
				"events":   len(events),
			}).Error("Failed to write audit events")
			errs = append(errs, fmt.Errorf("%s sink: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
