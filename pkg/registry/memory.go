package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

type registryKey struct {
	entityType models.EntityType
	naturalKey string
}

// MemoryStore is an in-process Store for tests and dry runs
type MemoryStore struct {
	mu      sync.Mutex
	keys    map[registryKey]int64
	aliases map[registryKey]int64
	next    int64
}

// NewMemoryStore creates an empty store whose first key is 1
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    make(map[registryKey]int64),
		aliases: make(map[registryKey]int64),
		next:    1,
	}
}

func (s *MemoryStore) Get(_ context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := registryKey{entityType, naturalKey}
	if sk, ok := s.keys[k]; ok {
		return sk, true, nil
	}
	sk, ok := s.aliases[k]
	return sk, ok, nil
}

func (s *MemoryStore) Allocate(_ context.Context, entityType models.EntityType, naturalKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := registryKey{entityType, naturalKey}
	if s.mappedLocked(k) {
		return 0, models.ErrConflict
	}
	sk := s.next
	s.next++
	s.keys[k] = sk
	return sk, nil
}

func (s *MemoryStore) Find(_ context.Context, entityType models.EntityType, naturalKeys []string) ([]models.SurrogateKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[int64]bool)
	for _, nk := range naturalKeys {
		k := registryKey{entityType, nk}
		if sk, ok := s.keys[k]; ok {
			wanted[sk] = true
		} else if sk, ok := s.aliases[k]; ok {
			wanted[sk] = true
		}
	}

	var entries []models.SurrogateKeyEntry
	for k, sk := range s.keys {
		if k.entityType == entityType && wanted[sk] {
			entries = append(entries, models.SurrogateKeyEntry{SurrogateKey: sk, EntityType: entityType, NaturalKey: k.naturalKey})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SurrogateKey < entries[j].SurrogateKey })
	return entries, nil
}

func (s *MemoryStore) Alias(_ context.Context, entityType models.EntityType, naturalKey string, surrogateKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := registryKey{entityType, naturalKey}
	if s.mappedLocked(k) {
		return models.ErrConflict
	}
	s.aliases[k] = surrogateKey
	return nil
}

func (s *MemoryStore) mappedLocked(k registryKey) bool {
	if _, ok := s.keys[k]; ok {
		return true
	}
	_, ok := s.aliases[k]
	return ok
}

// Len returns the number of allocated surrogate keys, aliases excluded
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
