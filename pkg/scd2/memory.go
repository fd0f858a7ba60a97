package scd2

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

type memberKey struct {
	entityType   models.EntityType
	surrogateKey int64
}

type memoryTxKey struct{}

// MemoryStore keeps dimension history in process. WithinTx serializes
// transactions and restores a snapshot when fn fails.
type MemoryStore struct {
	txMu     sync.Mutex
	mu       sync.RWMutex
	versions map[memberKey][]models.DimensionVersion
	nextID   int64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[memberKey][]models.DimensionVersion),
		nextID:   1,
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot, nextID := s.cloneLocked(), s.nextID
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.versions, s.nextID = snapshot, nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[memberKey{entityType, surrogateKey}] {
		if v.IsOpen() {
			return cloneVersion(v), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, entityType models.EntityType, surrogateKey int64) (*models.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[memberKey{entityType, surrogateKey}]
	if len(versions) == 0 {
		return nil, nil
	}
	return cloneVersion(versions[len(versions)-1]), nil
}

func (s *MemoryStore) Versions(_ context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[memberKey{entityType, surrogateKey}]
	out := make([]models.DimensionVersion, len(versions))
	for i, v := range versions {
		out[i] = *cloneVersion(v)
	}
	return out, nil
}

func (s *MemoryStore) VersionAt(_ context.Context, entityType models.EntityType, surrogateKey int64, t time.Time) (*models.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions[memberKey{entityType, surrogateKey}] {
		if v.Contains(t) {
			return cloneVersion(v), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertVersion(_ context.Context, version *models.DimensionVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{version.EntityType, version.SurrogateKey}
	for _, v := range s.versions[key] {
		if v.IsOpen() && version.IsOpen() {
			return fmt.Errorf("surrogate key %d already has an open version: %w", version.SurrogateKey, models.ErrConflict)
		}
	}

	version.VersionID = s.nextID
	s.nextID++
	s.versions[key] = append(s.versions[key], *cloneVersion(*version))
	sort.SliceStable(s.versions[key], func(i, j int) bool {
		return s.versions[key][i].EffectiveFrom.Before(s.versions[key][j].EffectiveFrom)
	})
	return nil
}

func (s *MemoryStore) CloseVersion(_ context.Context, entityType models.EntityType, versionID int64, effectiveTo time.Time, reason models.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, versions := range s.versions {
		if key.entityType != entityType {
			continue
		}
		for i := range versions {
			if versions[i].VersionID == versionID {
				to := effectiveTo
				versions[i].EffectiveTo = &to
				versions[i].CurrentFlag = false
				versions[i].EndReason = reason
				return nil
			}
		}
	}
	return fmt.Errorf("version %d not found", versionID)
}

func (s *MemoryStore) OverwriteCurrent(_ context.Context, version *models.DimensionVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.versions[memberKey{version.EntityType, version.SurrogateKey}]
	for i := range versions {
		if versions[i].VersionID == version.VersionID && versions[i].IsOpen() {
			versions[i].Attributes = version.Attributes.Clone()
			versions[i].RowHash = version.RowHash
			versions[i].NaturalKey = version.NaturalKey
			versions[i].BatchID = version.BatchID
			return nil
		}
	}
	return fmt.Errorf("open version %d not found", version.VersionID)
}

func (s *MemoryStore) cloneLocked() map[memberKey][]models.DimensionVersion {
	out := make(map[memberKey][]models.DimensionVersion, len(s.versions))
	for k, versions := range s.versions {
		copied := make([]models.DimensionVersion, len(versions))
		for i, v := range versions {
			copied[i] = *cloneVersion(v)
		}
		out[k] = copied
	}
	return out
}

func cloneVersion(v models.DimensionVersion) *models.DimensionVersion {
	out := v
	out.Attributes = v.Attributes.Clone()
	if v.EffectiveTo != nil {
		to := *v.EffectiveTo
		out.EffectiveTo = &to
	}
	return &out
}
