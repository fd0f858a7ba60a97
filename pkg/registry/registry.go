// Package registry maps natural keys to durable surrogate keys
package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Store persists surrogate key mappings. A surrogate key has one canonical
// natural key and any number of aliases.
type Store interface {
	// Get returns the surrogate key for a canonical or alias natural key and
	// whether it exists.
	Get(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error)
	// Allocate creates a mapping if none exists. It returns models.ErrConflict
	// when a concurrent writer created the mapping first.
	Allocate(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, error)
	// Find returns the canonical entries reachable from any of naturalKeys,
	// directly or through an alias, ordered by surrogate key.
	Find(ctx context.Context, entityType models.EntityType, naturalKeys []string) ([]models.SurrogateKeyEntry, error)
	// Alias maps naturalKey to an existing surrogate key. It returns
	// models.ErrConflict when naturalKey is already mapped.
	Alias(ctx context.Context, entityType models.EntityType, naturalKey string, surrogateKey int64) error
}

// Member is the registered identity of one consolidated entity
type Member struct {
	SurrogateKey int64
	// NaturalKey is the canonical key, the one the surrogate key was allocated for.
	NaturalKey string
}

// Registry resolves natural keys to surrogate keys, allocating on first sight
type Registry struct {
	store  Store
	logger ectologger.Logger
}

// New creates a new registry
func New(store Store, logger ectologger.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
	}
}

// Resolve returns the surrogate key for naturalKey, allocating one if absent.
// A lost allocation race is retried once; a second conflict yields
// RegistryConflictError. Other store errors are returned as is.
func (r *Registry) Resolve(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.Registry.Resolve")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		sk, found, err := r.store.Get(ctx, entityType, naturalKey)
		if err != nil {
			return 0, err
		}
		if found {
			return sk, nil
		}

		sk, err = r.store.Allocate(ctx, entityType, naturalKey)
		if err == nil {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_type":   entityType,
				"natural_key":   naturalKey,
				"surrogate_key": sk,
			}).Debug("Allocated surrogate key")
			return sk, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return 0, err
		}

		lastErr = err
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"natural_key": naturalKey,
			"attempt":     attempt + 1,
		}).Warn("Surrogate key allocation conflicted")
	}

	return 0, &models.RegistryConflictError{
		EntityType: entityType,
		NaturalKey: naturalKey,
		Cause:      lastErr,
	}
}

// Lookup returns the existing surrogate key without allocating
func (r *Registry) Lookup(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error) {
	return r.store.Get(ctx, entityType, naturalKey)
}

// ResolveMember returns the member known by preferred or any of candidates,
// allocating preferred when none is registered. When the keys reach more than
// one member the earliest allocated wins. Every key not yet mapped is recorded
// as an alias of the returned member, so later batches find it again whichever
// contributor's key wins resolution.
func (r *Registry) ResolveMember(ctx context.Context, entityType models.EntityType, preferred string, candidates []string) (Member, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.Registry.ResolveMember")
	defer span.End()

	keys := candidateKeys(preferred, candidates)
	member, found, err := r.LookupMember(ctx, entityType, preferred, candidates)
	if err != nil {
		return Member{}, err
	}
	if !found {
		sk, err := r.Resolve(ctx, entityType, preferred)
		if err != nil {
			return Member{}, err
		}
		member = Member{SurrogateKey: sk, NaturalKey: preferred}
	}

	for _, key := range keys {
		if key == member.NaturalKey {
			continue
		}
		err := r.store.Alias(ctx, entityType, key, member.SurrogateKey)
		if err == nil {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"entity_type":   entityType,
				"natural_key":   key,
				"surrogate_key": member.SurrogateKey,
			}).Debug("Registered natural key alias")
			continue
		}
		if !errors.Is(err, models.ErrConflict) {
			return Member{}, err
		}
	}
	return member, nil
}

// LookupMember is ResolveMember without allocation or aliasing
func (r *Registry) LookupMember(ctx context.Context, entityType models.EntityType, preferred string, candidates []string) (Member, bool, error) {
	entries, err := r.store.Find(ctx, entityType, candidateKeys(preferred, candidates))
	if err != nil {
		return Member{}, false, err
	}
	if len(entries) == 0 {
		return Member{}, false, nil
	}

	if len(entries) > 1 {
		keys := make([]int64, len(entries))
		for i, e := range entries {
			keys[i] = e.SurrogateKey
		}
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type":    entityType,
			"surrogate_keys": keys,
			"kept":           entries[0].SurrogateKey,
		}).Warn("Cluster spans several registered members")
	}
	return Member{SurrogateKey: entries[0].SurrogateKey, NaturalKey: entries[0].NaturalKey}, true, nil
}

func candidateKeys(preferred string, candidates []string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, k := range append([]string{preferred}, candidates...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
