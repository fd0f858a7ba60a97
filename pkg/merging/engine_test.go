package merging

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

const testRules = `
entities:
  customer:
    natural_key: [customer_id]
    source_priority: [crm, erp, web]
    match_sets:
      - fields: [customer_id]
    attributes:
      customer_id:
        mandatory: true
        important: true
        default_confidence: 1
      customer_name:
        mandatory: true
        important: true
        confidence: {crm: 0.9, erp: 0.8, web: 0.6}
      segment:
        important: true
        default_confidence: 0.5
      loyalty_tier:
        default_confidence: 0.5
  product:
    natural_key: [product_id]
    match_sets:
      - fields: [product_id]
    attributes:
      product_id:
        mandatory: true
        default_confidence: 1
      product_name:
        default_confidence: 0.7
`

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	rules, err := config.ParseRules([]byte(testRules))
	require.NoError(t, err)
	e := NewEngine(rules, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	e.now = func() time.Time { return feb1 }
	return e
}

func record(id, source string, ts time.Time, attrs models.Attributes) models.RawEntityRecord {
	return models.RawEntityRecord{
		RecordID:        id,
		SourceSystem:    source,
		EntityType:      models.EntityTypeCustomer,
		ChangeType:      models.ChangeTypeInsert,
		Attributes:      attrs,
		SourceTimestamp: ts,
	}
}

func TestEngine_Resolve(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("highest confidence wins over recency", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			ClusterKey: "customer_id=C1",
			Records: []models.RawEntityRecord{
				record("r1", "crm", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane Doe", "segment": "Consumer"}),
				record("r2", "web", feb1, models.Attributes{"customer_id": "C1", "customer_name": "Jane D."}),
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, "C1", golden.NaturalKey)
		assert.Equal(t, "Jane Doe", golden.Attributes["customer_name"])
		assert.Equal(t, 0.9, golden.Confidence["customer_name"])
		assert.Equal(t, 3, golden.GoldenScore)
		assert.Equal(t, feb1, golden.AsOf)
		assert.Equal(t, []string{"crm", "web"}, golden.SourceSystems)
		assert.Equal(t, []string{"r1", "r2"}, golden.SourceRecordIDs)
		assert.False(t, golden.Retired)

		require.Len(t, golden.Conflicts, 1)
		assert.Equal(t, "customer_name", golden.Conflicts[0].Field)
		assert.Equal(t, ResolutionConfidence, golden.Conflicts[0].Resolution)
		assert.Equal(t, []string{"Jane Doe", "Jane D."}, golden.Conflicts[0].Values)
	})

	t.Run("equal confidence prefers the most recent contributor", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r1", "crm", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane", "segment": "Consumer"}),
				record("r2", "web", feb1, models.Attributes{"customer_id": "C1", "segment": "Corporate"}),
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, "Corporate", golden.Attributes["segment"])
		require.Len(t, golden.Conflicts, 1)
		assert.Equal(t, ResolutionMostRecent, golden.Conflicts[0].Resolution)
	})

	t.Run("then source priority", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r1", "web", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane", "segment": "Home Office"}),
				record("r2", "erp", jan1, models.Attributes{"customer_id": "C1", "segment": "Consumer"}),
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, "Consumer", golden.Attributes["segment"])
		assert.Equal(t, ResolutionSourcePriority, golden.Conflicts[0].Resolution)
	})

	t.Run("unranked sources fall back to source id then record id", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r2", "pos", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane", "loyalty_tier": "silver"}),
				record("r1", "mobile", jan1, models.Attributes{"customer_id": "C1", "loyalty_tier": "gold"}),
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, "gold", golden.Attributes["loyalty_tier"])
		assert.Equal(t, ResolutionSourceID, golden.Conflicts[0].Resolution)

		sameSource := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r9", "pos", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane", "loyalty_tier": "silver"}),
				record("r3", "pos", jan1, models.Attributes{"customer_id": "C1", "loyalty_tier": "gold"}),
			},
		}
		golden, err = engine.Resolve(ctx, sameSource)
		require.NoError(t, err)
		assert.Equal(t, "gold", golden.Attributes["loyalty_tier"])
		assert.Equal(t, ResolutionRecordID, golden.Conflicts[0].Resolution)
	})

	t.Run("every contributor's own natural key is a candidate", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r1", "web", feb1, models.Attributes{"customer_id": "WEB-88", "customer_name": "Jane D."}),
				record("r2", "crm", jan1, models.Attributes{"customer_id": "CG-12520", "customer_name": "Jane Doe"}),
				record("r3", "crm", jan1, models.Attributes{"customer_id": "CG-12520"}),
				record("r4", "web", jan1, models.Attributes{"customer_name": "Jane"}),
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.Equal(t, []string{"CG-12520", "WEB-88"}, golden.KeyCandidates)
	})

	t.Run("missing mandatory field is unresolvable", func(t *testing.T) {
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			ClusterKey: "customer_id=C2",
			Records: []models.RawEntityRecord{
				record("r1", "crm", jan1, models.Attributes{"customer_id": "C2"}),
			},
		}

		_, err := engine.Resolve(ctx, cluster)
		require.Error(t, err)

		var unresolvable *models.UnresolvableClusterError
		require.ErrorAs(t, err, &unresolvable)
		assert.Equal(t, []string{"customer_name"}, unresolvable.MissingFields)
		assert.Equal(t, "customer_id=C2", unresolvable.ClusterKey)

		rej, ok := models.AsRejectError(err)
		require.True(t, ok)
		assert.Equal(t, models.ReasonUnresolvableCluster, rej.ReasonCode())
	})

	t.Run("latest delete retires the golden record", func(t *testing.T) {
		deleted := record("r2", "crm", feb1, models.Attributes{"customer_id": "C1"})
		deleted.ChangeType = models.ChangeTypeDelete
		cluster := models.EntityCluster{
			EntityType: models.EntityTypeCustomer,
			Records: []models.RawEntityRecord{
				record("r1", "crm", jan1, models.Attributes{"customer_id": "C1", "customer_name": "Jane"}),
				deleted,
			},
		}

		golden, err := engine.Resolve(ctx, cluster)
		require.NoError(t, err)
		assert.True(t, golden.Retired)
		assert.Equal(t, feb1, golden.AsOf)
	})

	t.Run("resolution is deterministic", func(t *testing.T) {
		records := []models.RawEntityRecord{
			record("a", "erp", jan1, models.Attributes{"customer_id": "C1", "customer_name": "A"}),
			record("b", "erp", jan1, models.Attributes{"customer_id": "C1", "customer_name": "B"}),
		}
		first, err := engine.Resolve(ctx, models.EntityCluster{EntityType: models.EntityTypeCustomer, Records: records})
		require.NoError(t, err)
		second, err := engine.Resolve(ctx, models.EntityCluster{EntityType: models.EntityTypeCustomer, Records: []models.RawEntityRecord{records[1], records[0]}})
		require.NoError(t, err)
		assert.Equal(t, first.Attributes, second.Attributes)
		assert.Equal(t, "A", first.Attributes["customer_name"])
	})
}

func TestEngine_ResolveAll(t *testing.T) {
	engine := newTestEngine(t)

	clusters := []models.EntityCluster{
		{EntityType: models.EntityTypeProduct, ClusterKey: "product_id=P1", Records: []models.RawEntityRecord{
			{RecordID: "1", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_id": "P1", "product_name": "Chair"}},
		}},
		{EntityType: models.EntityTypeProduct, ClusterKey: "record:/2", Records: []models.RawEntityRecord{
			{RecordID: "2", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_name": "Orphan"}},
		}},
		{EntityType: models.EntityTypeProduct, ClusterKey: "product_id=P3", Records: []models.RawEntityRecord{
			{RecordID: "3", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_id": "P3"}},
		}},
	}

	results, err := engine.ResolveAll(context.Background(), clusters, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "P1", results[0].Golden.NaturalKey)
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Golden)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "P3", results[2].Golden.NaturalKey)

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := engine.ResolveAll(ctx, clusters, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEngine_PinNaturalKey(t *testing.T) {
	engine := newTestEngine(t)

	golden := &models.GoldenRecord{
		EntityType: models.EntityTypeCustomer,
		NaturalKey: "WEB-88",
		Attributes: models.Attributes{"customer_id": "WEB-88", "customer_name": "Jane Doe"},
	}
	original := golden.Attributes

	engine.PinNaturalKey(golden, "CG-12520")
	assert.Equal(t, "CG-12520", golden.NaturalKey)
	assert.Equal(t, models.Attributes{"customer_id": "CG-12520", "customer_name": "Jane Doe"}, golden.Attributes)
	assert.Equal(t, "WEB-88", original["customer_id"], "the resolved attributes are copied, not mutated")

	same := &models.GoldenRecord{EntityType: models.EntityTypeCustomer, NaturalKey: "C1", Attributes: models.Attributes{"customer_id": "C1"}}
	engine.PinNaturalKey(same, "C1")
	assert.Equal(t, models.Attributes{"customer_id": "C1"}, same.Attributes)
}
