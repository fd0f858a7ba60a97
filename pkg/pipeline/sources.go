package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
)

// RecordSource yields clean (post-DQ) records newer than a watermark. A zero
// watermark yields every staged record of the entity type.
type RecordSource interface {
	Records(ctx context.Context, entityType models.EntityType, since time.Time) ([]models.RawEntityRecord, error)
}

// FactSource yields the order lines of a batch
type FactSource interface {
	OrderLines(ctx context.Context, batchID string) ([]models.FactInput, error)
}

// Watermarks tracks the last ingested source timestamp per entity type
type Watermarks interface {
	Get(ctx context.Context, entityType models.EntityType) (time.Time, bool, error)
	Advance(ctx context.Context, entityType models.EntityType, to time.Time) error
}

// Locker serializes writers of one entity type
type Locker interface {
	WithEntityLock(ctx context.Context, entityType models.EntityType, fn func(ctx context.Context) error) error
}

// Transactor runs fn in one transaction carried by ctx
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// LineageProjector records which source records formed a golden entity
type LineageProjector interface {
	Project(ctx context.Context, lineage graph.Lineage) error
}

// SliceSource serves records and order lines from memory
type SliceSource struct {
	Entities []models.RawEntityRecord
	Lines    []models.FactInput
}

func (s *SliceSource) Records(_ context.Context, entityType models.EntityType, since time.Time) ([]models.RawEntityRecord, error) {
	var out []models.RawEntityRecord
	for _, r := range s.Entities {
		if r.EntityType == entityType && r.SourceTimestamp.After(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SourceTimestamp.Before(out[j].SourceTimestamp)
	})
	return out, nil
}

func (s *SliceSource) OrderLines(_ context.Context, _ string) ([]models.FactInput, error) {
	return append([]models.FactInput(nil), s.Lines...), nil
}

// MemoryWatermarks keeps watermarks in process
type MemoryWatermarks struct {
	mu    sync.Mutex
	marks map[models.EntityType]time.Time
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[models.EntityType]time.Time)}
}

func (w *MemoryWatermarks) Get(_ context.Context, entityType models.EntityType) (time.Time, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.marks[entityType]
	return t, ok, nil
}

func (w *MemoryWatermarks) Advance(_ context.Context, entityType models.EntityType, to time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if to.After(w.marks[entityType]) {
		w.marks[entityType] = to
	}
	return nil
}

// LocalLocker serializes writers within one process
type LocalLocker struct {
	mu    sync.Mutex
	locks map[models.EntityType]*sync.Mutex
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[models.EntityType]*sync.Mutex)}
}

func (l *LocalLocker) WithEntityLock(ctx context.Context, entityType models.EntityType, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[entityType]
	if !ok {
		m = &sync.Mutex{}
		l.locks[entityType] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}
