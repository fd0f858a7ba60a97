package matching

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

const testRules = `
entities:
  customer:
    natural_key: [email]
    match_sets:
      - fields: [email]
      - fields: [customer_name, postal_code]
        normalizers:
          customer_name: [nname]
    attributes:
      email: {default_confidence: 1}
      customer_name: {default_confidence: 1}
      postal_code: {default_confidence: 1}
  product:
    natural_key: [product_id]
    match_sets:
      - fields: [product_id]
    attributes:
      product_id: {default_confidence: 1}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	rules, err := config.ParseRules([]byte(testRules))
	require.NoError(t, err)
	return NewEngine(rules, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func customer(id string, attrs models.Attributes) models.RawEntityRecord {
	return models.RawEntityRecord{
		RecordID:     id,
		SourceSystem: "crm",
		EntityType:   models.EntityTypeCustomer,
		Attributes:   attrs,
	}
}

func membership(clusters []models.EntityCluster) map[string]string {
	out := make(map[string]string)
	for _, c := range clusters {
		for _, r := range c.Records {
			out[r.RecordID] = c.ClusterKey
		}
	}
	return out
}

func TestEngine_Cluster(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("transitive matches collapse into one cluster", func(t *testing.T) {
		// A-B share an email, B-C share name + postal code, A and C share nothing directly.
		a := customer("A", models.Attributes{"email": "jane@x.com", "customer_name": "Jane Doe", "postal_code": "10001"})
		b := customer("B", models.Attributes{"email": "jane@x.com", "customer_name": "Jane Q", "postal_code": "94105"})
		c := customer("C", models.Attributes{"email": "jq@y.com", "customer_name": "jane q.", "postal_code": "94105"})

		clusters, err := engine.Cluster(ctx, models.EntityTypeCustomer, []models.RawEntityRecord{a, b, c})
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"A", "B", "C"}, clusters[0].RecordIDs())
		assert.Equal(t, "customer_name=jane doe&postal_code=10001", clusters[0].ClusterKey)
	})

	t.Run("membership is independent of input order", func(t *testing.T) {
		records := []models.RawEntityRecord{
			customer("1", models.Attributes{"email": "a@x.com"}),
			customer("2", models.Attributes{"email": "b@x.com", "customer_name": "Bo", "postal_code": "1"}),
			customer("3", models.Attributes{"email": "a@x.com", "customer_name": "Bo", "postal_code": "1"}),
			customer("4", models.Attributes{"email": "c@x.com"}),
			customer("5", models.Attributes{"customer_name": "Al"}),
		}
		reversed := make([]models.RawEntityRecord, len(records))
		for i, r := range records {
			reversed[len(records)-1-i] = r
		}

		forward, err := engine.Cluster(ctx, models.EntityTypeCustomer, records)
		require.NoError(t, err)
		backward, err := engine.Cluster(ctx, models.EntityTypeCustomer, reversed)
		require.NoError(t, err)

		assert.Equal(t, forward, backward)
		assert.Len(t, forward, 3)

		m := membership(forward)
		assert.Equal(t, m["1"], m["2"])
		assert.Equal(t, m["1"], m["3"])
		assert.NotEqual(t, m["1"], m["4"])
	})

	t.Run("records without any match signature form singletons", func(t *testing.T) {
		records := []models.RawEntityRecord{
			customer("x", models.Attributes{"customer_name": "No Postal"}),
			customer("y", models.Attributes{"customer_name": "No Postal"}),
		}
		clusters, err := engine.Cluster(ctx, models.EntityTypeCustomer, records)
		require.NoError(t, err)
		require.Len(t, clusters, 2)
		assert.Equal(t, "record:crm/x", clusters[0].ClusterKey)
		assert.Equal(t, "record:crm/y", clusters[1].ClusterKey)
	})

	t.Run("product exact sku", func(t *testing.T) {
		records := []models.RawEntityRecord{
			{RecordID: "p1", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_id": "FUR-BO-10001798"}},
			{RecordID: "p2", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_id": "FUR-BO-10001798"}},
			{RecordID: "p3", EntityType: models.EntityTypeProduct, Attributes: models.Attributes{"product_id": "OFF-LA-10000240"}},
		}
		clusters, err := engine.Cluster(ctx, models.EntityTypeProduct, records)
		require.NoError(t, err)
		require.Len(t, clusters, 2)
		assert.Equal(t, []string{"p1", "p2"}, clusters[0].RecordIDs())
	})

	t.Run("empty input", func(t *testing.T) {
		clusters, err := engine.Cluster(ctx, models.EntityTypeProduct, nil)
		require.NoError(t, err)
		assert.Empty(t, clusters)
	})

	t.Run("unconfigured entity type", func(t *testing.T) {
		_, err := engine.Cluster(ctx, models.EntityTypeCountry, nil)
		assert.Error(t, err)
	})
}

func TestSignature(t *testing.T) {
	set := config.MatchSet{
		Fields:      []string{"customer_name", "postal_code"},
		Normalizers: map[string][]string{"customer_name": {"nname"}},
	}

	sig, ok := Signature(set, models.Attributes{"customer_name": "Doe, Jane", "postal_code": "10001"})
	require.True(t, ok)
	assert.Equal(t, "customer_name=doe jane&postal_code=10001", sig)

	_, ok = Signature(set, models.Attributes{"customer_name": "Doe, Jane"})
	assert.False(t, ok)
}
