package facts

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Reject is a fact input that could not be loaded
type Reject struct {
	Input models.FactInput
	Err   error
}

// LoadResult summarises a fact load
type LoadResult struct {
	Inserted int
	Updated  int
	Rejects  []Reject
}

// Load builds and writes inputs for a batch. Rows upsert by (order id, line id)
// within the batch; a row already written by another batch is rejected with
// FactImmutableError. Domain rejects are collected in the result, any other
// error aborts the load. Cancellation is checked between chunks of BatchSize rows.
func (b *Builder) Load(ctx context.Context, inputs []models.FactInput, batchID string) (*LoadResult, error) {
	ctx, span := tracing.StartSpan(ctx, "facts.Builder.Load")
	defer span.End()

	run := *b
	run.versions = newVersionCache(b.versions)

	result := &LoadResult{}
	for i, input := range inputs {
		if i%b.opts.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}

		op, err := run.loadOne(ctx, input, batchID)
		if err != nil {
			if _, ok := models.AsRejectError(err); ok {
				result.Rejects = append(result.Rejects, Reject{Input: input, Err: err})
				continue
			}
			return result, err
		}

		switch op {
		case models.OperationInsert:
			result.Inserted++
		case models.OperationUpdate:
			result.Updated++
		}
	}

	b.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batchID,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"rejected": len(result.Rejects),
	}).Info("Loaded fact order lines")

	return result, nil
}

func (b *Builder) loadOne(ctx context.Context, input models.FactInput, batchID string) (models.Operation, error) {
	fact, err := b.Build(ctx, input, batchID)
	if err != nil {
		return "", err
	}

	existing, err := b.store.Get(ctx, input.OrderID, input.LineID)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.BatchID != batchID {
		return "", &models.FactImmutableError{
			OrderID:       input.OrderID,
			LineID:        input.LineID,
			ExistingBatch: existing.BatchID,
		}
	}

	if err := b.store.Upsert(ctx, fact); err != nil {
		return "", err
	}
	if existing != nil {
		return models.OperationUpdate, nil
	}
	return models.OperationInsert, nil
}

type memberKey struct {
	entityType   models.EntityType
	surrogateKey int64
}

// versionCache memoizes history lookups for the duration of one load
type versionCache struct {
	next    VersionLookup
	entries map[memberKey][]models.DimensionVersion
}

func newVersionCache(next VersionLookup) *versionCache {
	return &versionCache{next: next, entries: make(map[memberKey][]models.DimensionVersion)}
}

func (c *versionCache) Versions(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error) {
	key := memberKey{entityType, surrogateKey}
	if versions, ok := c.entries[key]; ok {
		return versions, nil
	}
	versions, err := c.next.Versions(ctx, entityType, surrogateKey)
	if err != nil {
		return nil, err
	}
	c.entries[key] = versions
	return versions, nil
}
