package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

var silent = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

// racingStore reports a conflict on the first allocations and only then
// exposes the winning writer's mapping.
type racingStore struct {
	*MemoryStore
	conflicts int
	winner    int64
	allocs    int
}

func (s *racingStore) Get(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error) {
	if s.allocs > 0 && s.allocs >= s.conflicts && s.winner != 0 {
		return s.winner, true, nil
	}
	return 0, false, nil
}

func (s *racingStore) Allocate(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, error) {
	s.allocs++
	return 0, models.ErrConflict
}

type brokenStore struct{ err error }

func (s brokenStore) Get(context.Context, models.EntityType, string) (int64, bool, error) {
	return 0, false, s.err
}

func (s brokenStore) Allocate(context.Context, models.EntityType, string) (int64, error) {
	return 0, s.err
}

func (s brokenStore) Find(context.Context, models.EntityType, []string) ([]models.SurrogateKeyEntry, error) {
	return nil, s.err
}

func (s brokenStore) Alias(context.Context, models.EntityType, string, int64) error {
	return s.err
}

func TestRegistry_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("allocates once and is idempotent", func(t *testing.T) {
		reg := New(NewMemoryStore(), silent)

		first, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C1")
		require.NoError(t, err)
		again, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C1")
		require.NoError(t, err)
		assert.Equal(t, first, again)

		other, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C2")
		require.NoError(t, err)
		assert.Greater(t, other, first)
	})

	t.Run("natural keys are scoped by entity type", func(t *testing.T) {
		store := NewMemoryStore()
		reg := New(store, silent)

		c, err := reg.Resolve(ctx, models.EntityTypeCustomer, "X")
		require.NoError(t, err)
		p, err := reg.Resolve(ctx, models.EntityTypeProduct, "X")
		require.NoError(t, err)
		assert.NotEqual(t, c, p)
		assert.Equal(t, 2, store.Len())
	})

	t.Run("lost race is retried once", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore(), conflicts: 1, winner: 42}
		reg := New(store, silent)

		sk, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C1")
		require.NoError(t, err)
		assert.Equal(t, int64(42), sk)
		assert.Equal(t, 1, store.allocs)
	})

	t.Run("second conflict escalates", func(t *testing.T) {
		store := &racingStore{MemoryStore: NewMemoryStore()}
		reg := New(store, silent)

		_, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C1")
		require.Error(t, err)

		var conflict *models.RegistryConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "C1", conflict.NaturalKey)
		assert.ErrorIs(t, err, models.ErrConflict)
		assert.Equal(t, 2, store.allocs)
	})

	t.Run("store failures are not rejects", func(t *testing.T) {
		boom := errors.New("connection refused")
		reg := New(brokenStore{err: boom}, silent)

		_, err := reg.Resolve(ctx, models.EntityTypeCustomer, "C1")
		assert.ErrorIs(t, err, boom)
		_, isReject := models.AsRejectError(err)
		assert.False(t, isReject)
	})

	t.Run("concurrent resolution yields one key", func(t *testing.T) {
		reg := New(NewMemoryStore(), silent)

		var wg sync.WaitGroup
		keys := make([]int64, 16)
		for i := range keys {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sk, err := reg.Resolve(ctx, models.EntityTypeProduct, "P1")
				assert.NoError(t, err)
				keys[i] = sk
			}(i)
		}
		wg.Wait()

		for _, sk := range keys {
			assert.Equal(t, keys[0], sk)
		}
	})
}

func TestRegistry_Lookup(t *testing.T) {
	ctx := context.Background()
	reg := New(NewMemoryStore(), silent)

	_, found, err := reg.Lookup(ctx, models.EntityTypeCountry, "US")
	require.NoError(t, err)
	assert.False(t, found)

	sk, err := reg.Resolve(ctx, models.EntityTypeCountry, "US")
	require.NoError(t, err)

	got, found, err := reg.Lookup(ctx, models.EntityTypeCountry, "US")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sk, got)
}

func TestRegistry_ResolveMember(t *testing.T) {
	ctx := context.Background()

	t.Run("allocates the preferred key and aliases the others", func(t *testing.T) {
		store := NewMemoryStore()
		reg := New(store, silent)

		member, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "CG-12520", []string{"CG-12520", "WEB-88"})
		require.NoError(t, err)
		assert.Equal(t, "CG-12520", member.NaturalKey)
		assert.Equal(t, 1, store.Len())

		sk, found, err := reg.Lookup(ctx, models.EntityTypeCustomer, "WEB-88")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, member.SurrogateKey, sk)
	})

	t.Run("a returning member keeps its key and canonical natural key", func(t *testing.T) {
		store := NewMemoryStore()
		reg := New(store, silent)

		first, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "CG-12520", []string{"CG-12520"})
		require.NoError(t, err)

		// A later batch resolves the other source's id as the natural key.
		again, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "WEB-88", []string{"CG-12520", "WEB-88"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, 1, store.Len())

		viaAlias, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "WEB-88", []string{"WEB-88"})
		require.NoError(t, err)
		assert.Equal(t, first, viaAlias)
	})

	t.Run("the earliest member wins when several are reachable", func(t *testing.T) {
		store := NewMemoryStore()
		reg := New(store, silent)

		older, err := reg.Resolve(ctx, models.EntityTypeCustomer, "Z-1")
		require.NoError(t, err)
		_, err = reg.Resolve(ctx, models.EntityTypeCustomer, "A-1")
		require.NoError(t, err)

		member, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "A-1", []string{"A-1", "Z-1"})
		require.NoError(t, err)
		assert.Equal(t, Member{SurrogateKey: older, NaturalKey: "Z-1"}, member)
	})

	t.Run("lookup never allocates", func(t *testing.T) {
		store := NewMemoryStore()
		reg := New(store, silent)

		_, found, err := reg.LookupMember(ctx, models.EntityTypeProduct, "TEC-9", []string{"TEC-9"})
		require.NoError(t, err)
		assert.False(t, found)
		assert.Zero(t, store.Len())
	})

	t.Run("store failures propagate", func(t *testing.T) {
		boom := errors.New("connection refused")
		reg := New(brokenStore{err: boom}, silent)

		_, err := reg.ResolveMember(ctx, models.EntityTypeCustomer, "C1", nil)
		assert.ErrorIs(t, err, boom)
	})
}
