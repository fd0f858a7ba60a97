package facts

import (
	"context"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

type lineKey struct {
	orderID string
	lineID  string
}

// MemoryStore keeps fact rows in process
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[lineKey]models.FactOrderLine
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[lineKey]models.FactOrderLine)}
}

func (s *MemoryStore) Get(_ context.Context, orderID, lineID string) (*models.FactOrderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[lineKey{orderID, lineID}]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *MemoryStore) Upsert(_ context.Context, fact *models.FactOrderLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[lineKey{fact.OrderID, fact.LineID}] = *fact
	return nil
}

func (s *MemoryStore) ListByBatch(_ context.Context, batchID string) ([]models.FactOrderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FactOrderLine
	for _, row := range s.rows {
		if row.BatchID == batchID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].LineID < out[j].LineID
	})
	return out, nil
}

// DateSet is an in-memory DateLookup
type DateSet map[int]bool

func (d DateSet) HasDate(_ context.Context, dateKey int) (bool, error) {
	return d[dateKey], nil
}
