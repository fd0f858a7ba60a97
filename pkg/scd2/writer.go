// Package scd2 maintains type-2 slowly changing dimension history
package scd2

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Change is a resolved attribute set to apply to a dimension member
type Change struct {
	SurrogateKey int64
	EntityType   models.EntityType
	NaturalKey   string
	Attributes   models.Attributes
	AsOf         time.Time
	BatchID      string
}

// Writer applies golden records to dimension history. Versions are half-open
// intervals [effective_from, effective_to) and at most one is open per key.
type Writer struct {
	store  Store
	rules  *config.Rules
	logger ectologger.Logger
}

// NewWriter creates a new SCD2 writer
func NewWriter(store Store, rules *config.Rules, logger ectologger.Logger) *Writer {
	return &Writer{
		store:  store,
		rules:  rules,
		logger: logger,
	}
}

// RowHash returns the change-detection hash of attributes for an entity type.
// Type-1 attributes are excluded.
func (w *Writer) RowHash(entityType models.EntityType, attributes models.Attributes) (string, error) {
	entityRules, err := w.rules.For(entityType)
	if err != nil {
		return "", err
	}
	return fingerprint.RowHash(attributes, entityRules.AttributeNames(), entityRules.Type1Fields()), nil
}

// Apply writes change to the dimension:
//   - no current version inserts [asOf, nil)
//   - an equal row hash is a noop, overlaying type-1 attributes in place
//   - a differing row hash closes the current version at asOf and opens a new one
//
// asOf before the current version's start fails with OutOfOrderUpdateError and
// leaves history untouched. asOf equal to the start overwrites in place.
func (w *Writer) Apply(ctx context.Context, change Change) (models.Operation, error) {
	ctx, span := tracing.StartSpan(ctx, "scd2.Writer.Apply")
	defer span.End()

	hash, err := w.RowHash(change.EntityType, change.Attributes)
	if err != nil {
		return "", err
	}

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type":   change.EntityType,
		"surrogate_key": change.SurrogateKey,
		"as_of":         change.AsOf,
	})

	var op models.Operation
	err = w.store.WithinTx(ctx, func(ctx context.Context) error {
		current, err := w.store.CurrentVersion(ctx, change.EntityType, change.SurrogateKey)
		if err != nil {
			return err
		}

		if current == nil {
			op, err = w.insertFirstOrRevive(ctx, change, hash)
			return err
		}

		if change.AsOf.Before(current.EffectiveFrom) {
			return &models.OutOfOrderUpdateError{
				EntityType:    change.EntityType,
				SurrogateKey:  change.SurrogateKey,
				AsOf:          change.AsOf,
				EffectiveFrom: current.EffectiveFrom,
			}
		}

		if !fingerprint.HasChanged(current.RowHash, hash) {
			op = models.OperationNoop
			if attributesEqual(current.Attributes, change.Attributes) {
				return nil
			}
			return w.overwrite(ctx, current, change, hash)
		}

		op = models.OperationUpdate
		if change.AsOf.Equal(current.EffectiveFrom) {
			return w.overwrite(ctx, current, change, hash)
		}

		if err := w.store.CloseVersion(ctx, change.EntityType, current.VersionID, change.AsOf, models.EndReasonSuperseded); err != nil {
			return err
		}
		return w.store.InsertVersion(ctx, newVersion(change, hash))
	})
	if err != nil {
		return "", err
	}

	log.WithFields(map[string]any{"operation": op}).Debug("Applied dimension change")
	return op, nil
}

// Retire closes the current version at asOf without a successor. Retiring a
// key with no open version is a noop.
func (w *Writer) Retire(ctx context.Context, entityType models.EntityType, surrogateKey int64, asOf time.Time) (models.Operation, error) {
	ctx, span := tracing.StartSpan(ctx, "scd2.Writer.Retire")
	defer span.End()

	op := models.OperationNoop
	err := w.store.WithinTx(ctx, func(ctx context.Context) error {
		current, err := w.store.CurrentVersion(ctx, entityType, surrogateKey)
		if err != nil || current == nil {
			return err
		}

		// Closing at the start instant would leave an empty interval.
		if !asOf.After(current.EffectiveFrom) {
			return &models.OutOfOrderUpdateError{
				EntityType:    entityType,
				SurrogateKey:  surrogateKey,
				AsOf:          asOf,
				EffectiveFrom: current.EffectiveFrom,
			}
		}

		if err := w.store.CloseVersion(ctx, entityType, current.VersionID, asOf, models.EndReasonRetired); err != nil {
			return err
		}
		op = models.OperationExpire
		return nil
	})
	if err != nil {
		return "", err
	}

	w.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type":   entityType,
		"surrogate_key": surrogateKey,
		"operation":     op,
	}).Debug("Retired dimension member")
	return op, nil
}

// History returns every version of a key ordered by effective_from
func (w *Writer) History(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error) {
	return w.store.Versions(ctx, entityType, surrogateKey)
}

// AsOf returns the version valid at t, or nil
func (w *Writer) AsOf(ctx context.Context, entityType models.EntityType, surrogateKey int64, t time.Time) (*models.DimensionVersion, error) {
	return w.store.VersionAt(ctx, entityType, surrogateKey, t)
}

func (w *Writer) insertFirstOrRevive(ctx context.Context, change Change, hash string) (models.Operation, error) {
	latest, err := w.store.LatestVersion(ctx, change.EntityType, change.SurrogateKey)
	if err != nil {
		return "", err
	}
	if latest != nil && latest.EffectiveTo != nil && change.AsOf.Before(*latest.EffectiveTo) {
		return "", &models.OutOfOrderUpdateError{
			EntityType:    change.EntityType,
			SurrogateKey:  change.SurrogateKey,
			AsOf:          change.AsOf,
			EffectiveFrom: *latest.EffectiveTo,
		}
	}
	if err := w.store.InsertVersion(ctx, newVersion(change, hash)); err != nil {
		return "", err
	}
	return models.OperationInsert, nil
}

func (w *Writer) overwrite(ctx context.Context, current *models.DimensionVersion, change Change, hash string) error {
	updated := *current
	updated.Attributes = change.Attributes.Clone()
	updated.RowHash = hash
	updated.NaturalKey = change.NaturalKey
	updated.BatchID = change.BatchID
	return w.store.OverwriteCurrent(ctx, &updated)
}

func newVersion(change Change, hash string) *models.DimensionVersion {
	return &models.DimensionVersion{
		SurrogateKey:  change.SurrogateKey,
		EntityType:    change.EntityType,
		NaturalKey:    change.NaturalKey,
		Attributes:    change.Attributes.Clone(),
		RowHash:       hash,
		EffectiveFrom: change.AsOf,
		CurrentFlag:   true,
		BatchID:       change.BatchID,
	}
}

func attributesEqual(a, b models.Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
