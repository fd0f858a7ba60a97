// Package facts binds order lines to the dimension versions in effect on their business date
package facts

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/dimdate"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// KeyLookup resolves natural keys to existing surrogate keys without allocating
type KeyLookup interface {
	Lookup(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error)
}

// VersionLookup lists the history of a dimension member
type VersionLookup interface {
	Versions(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error)
}

// DateLookup reports whether a date key exists in the date dimension
type DateLookup interface {
	HasDate(ctx context.Context, dateKey int) (bool, error)
}

// Store persists fact rows keyed by (order id, line id)
type Store interface {
	Get(ctx context.Context, orderID, lineID string) (*models.FactOrderLine, error)
	Upsert(ctx context.Context, fact *models.FactOrderLine) error
	ListByBatch(ctx context.Context, batchID string) ([]models.FactOrderLine, error)
}

// Options tunes reference resolution
type Options struct {
	// StrictBackfill rejects dates before an entity's first version instead of
	// binding them to it.
	StrictBackfill bool
	BatchSize      int
}

// Resolved is a dimension reference bound to a version
type Resolved struct {
	SurrogateKey int64
	Version      models.DimensionVersion
	Backfilled   bool
}

// Builder resolves fact inputs against dimension history and writes them
type Builder struct {
	keys     KeyLookup
	versions VersionLookup
	dates    DateLookup
	store    Store
	opts     Options
	logger   ectologger.Logger
	now      func() time.Time
}

// NewBuilder creates a new fact builder
func NewBuilder(keys KeyLookup, versions VersionLookup, dates DateLookup, store Store, opts Options, logger ectologger.Logger) *Builder {
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	return &Builder{
		keys:     keys,
		versions: versions,
		dates:    dates,
		store:    store,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// ResolveVersion returns the version of naturalKey whose half-open interval
// contains date. A date on the day of the first version binds to it. An
// earlier date binds to the first version and is marked backfilled unless
// StrictBackfill is set. An unknown key, a member without versions, or a date
// after retirement is a dangling reference.
func (b *Builder) ResolveVersion(ctx context.Context, entityType models.EntityType, naturalKey string, date time.Time) (*Resolved, error) {
	dangling := func(reason string) error {
		return &models.DanglingReferenceError{
			EntityType:   entityType,
			NaturalKey:   naturalKey,
			BusinessDate: date,
			Reason:       reason,
		}
	}

	if naturalKey == "" {
		return nil, dangling("empty natural key")
	}

	sk, found, err := b.keys.Lookup(ctx, entityType, naturalKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dangling("no surrogate key registered")
	}

	versions, err := b.versions.Versions(ctx, entityType, sk)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, dangling("entity has no versions")
	}

	for _, v := range versions {
		if v.Contains(date) {
			return &Resolved{SurrogateKey: sk, Version: v}, nil
		}
	}

	first := versions[0]
	if date.Before(first.EffectiveFrom) {
		// Facts are dated by day; the member's first day is not a backfill.
		if dimdate.Truncate(date).Equal(dimdate.Truncate(first.EffectiveFrom)) {
			return &Resolved{SurrogateKey: sk, Version: first}, nil
		}
		if b.opts.StrictBackfill {
			return nil, dangling("date precedes the first version")
		}
		return &Resolved{SurrogateKey: sk, Version: first, Backfilled: true}, nil
	}

	return nil, dangling("entity was retired before this date")
}

// Build resolves every reference of input and returns the fact row
func (b *Builder) Build(ctx context.Context, input models.FactInput, batchID string) (*models.FactOrderLine, error) {
	ctx, span := tracing.StartSpan(ctx, "facts.Builder.Build")
	defer span.End()

	businessDate := dimdate.Truncate(input.BusinessDate)

	orderDateKey, err := b.dateKey(ctx, businessDate)
	if err != nil {
		return nil, err
	}

	fact := &models.FactOrderLine{
		OrderID:      input.OrderID,
		LineID:       input.LineID,
		BusinessDate: businessDate,
		OrderDateKey: orderDateKey,
		Quantity:     input.Quantity,
		Sales:        input.Sales,
		Discount:     input.Discount,
		Profit:       input.Profit,
		ShipMode:     input.ShipMode,
		BatchID:      batchID,
		LoadedAt:     b.now().UTC(),
	}

	if input.ShipDate != nil {
		shipKey, err := b.dateKey(ctx, *input.ShipDate)
		if err != nil {
			return nil, err
		}
		fact.ShipDateKey = &shipKey
	}

	refs := []struct {
		entityType models.EntityType
		naturalKey string
		sk, ver    *int64
	}{
		{models.EntityTypeCustomer, input.CustomerNaturalKey, &fact.CustomerSK, &fact.CustomerVer},
		{models.EntityTypeProduct, input.ProductNaturalKey, &fact.ProductSK, &fact.ProductVer},
		{models.EntityTypeCountry, input.CountryNaturalKey, &fact.CountrySK, &fact.CountryVer},
	}
	for _, ref := range refs {
		resolved, err := b.ResolveVersion(ctx, ref.entityType, ref.naturalKey, businessDate)
		if err != nil {
			return nil, err
		}
		*ref.sk = resolved.SurrogateKey
		*ref.ver = resolved.Version.VersionID
		fact.Backfilled = fact.Backfilled || resolved.Backfilled
	}

	return fact, nil
}

func (b *Builder) dateKey(ctx context.Context, t time.Time) (int, error) {
	key := dimdate.Key(t)
	if b.dates == nil {
		return key, nil
	}
	ok, err := b.dates.HasDate(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &models.DanglingReferenceError{
			NaturalKey:   "date_key",
			BusinessDate: t,
			Reason:       "date is missing from dim_date",
			Code:         models.ReasonMissingDate,
		}
	}
	return key, nil
}
