// Package rejects collects every record, cluster and fact row a run rejected.
package rejects

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Recorder counts rejects for the audit trail. audit.Emitter satisfies it.
type Recorder interface {
	Record(stage models.Stage, entityType models.EntityType, op models.Operation, n int)
}

// Store persists reject entries
type Store interface {
	Insert(ctx context.Context, entries []models.RejectEntry) error
}

// Report is the reject report for one batch. It is safe for concurrent use.
type Report struct {
	batchID  string
	recorder Recorder
	logger   ectologger.Logger
	now      func() time.Time

	mu        sync.Mutex
	entries   []models.RejectEntry
	persisted int
}

// NewReport creates a report. recorder may be nil.
func NewReport(batchID string, recorder Recorder, logger ectologger.Logger) *Report {
	return &Report{
		batchID:  batchID,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Entry describes one reject
type Entry struct {
	Stage      models.Stage
	EntityType models.EntityType
	Err        error
	NaturalKey string
	SourceIDs  []string
	Context    map[string]any
}

// Add records a reject. Errors that carry no reason code are filed as
// validation failures.
func (r *Report) Add(ctx context.Context, e Entry) models.RejectEntry {
	code := models.ReasonValidationFailed
	if rej, ok := models.AsRejectError(e.Err); ok {
		code = rej.ReasonCode()
	}

	message := ""
	if e.Err != nil {
		message = e.Err.Error()
	}

	ids := append([]string(nil), e.SourceIDs...)
	sort.Strings(ids)

	entry := models.RejectEntry{
		ID:              uuid.NewString(),
		BatchID:         r.batchID,
		Stage:           e.Stage,
		EntityType:      e.EntityType,
		ReasonCode:      code,
		Message:         message,
		NaturalKey:      e.NaturalKey,
		SourceRecordIDs: ids,
		Context:         e.Context,
		RejectedAt:      r.now().UTC(),
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Record(e.Stage, e.EntityType, models.OperationReject, 1)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":    r.batchID,
		"stage":       e.Stage,
		"entity_type": e.EntityType,
		"reason_code": code,
		"natural_key": e.NaturalKey,
		"source_ids":  ids,
	}).Warn(message)

	return entry
}

// Entries returns a copy of every reject recorded so far
func (r *Report) Entries() []models.RejectEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RejectEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of rejects
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Counts groups rejects by reason code
func (r *Report) Counts() map[models.ReasonCode]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[models.ReasonCode]int)
	for _, e := range r.entries {
		counts[e.ReasonCode]++
	}
	return counts
}

// Persist writes the entries added since the last successful Persist
func (r *Report) Persist(ctx context.Context, store Store) error {
	ctx, span := tracing.StartSpan(ctx, "rejects.Report.Persist")
	defer span.End()

	r.mu.Lock()
	pending := append([]models.RejectEntry(nil), r.entries[r.persisted:]...)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := store.Insert(ctx, pending); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"batch_id": r.batchID,
			"pending":  len(pending),
		}).Error("Failed to persist reject report")
		return err
	}

	r.mu.Lock()
	r.persisted += len(pending)
	r.mu.Unlock()
	return nil
}

// MemoryStore keeps persisted rejects in process
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.RejectEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, entries []models.RejectEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// ListByBatch returns the rejects of one batch
func (s *MemoryStore) ListByBatch(_ context.Context, batchID string) ([]models.RejectEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RejectEntry
	for _, e := range s.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}
