package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestLoadRules_DefaultFile(t *testing.T) {
	rules, err := LoadRules("rules.yaml")
	require.NoError(t, err)

	for _, entityType := range models.EntityTypes {
		entityRules, err := rules.For(entityType)
		require.NoError(t, err, entityType)
		assert.NotEmpty(t, entityRules.NaturalKey)
		assert.NotEmpty(t, entityRules.MatchSets)
	}

	customer, err := rules.For(models.EntityTypeCustomer)
	require.NoError(t, err)
	assert.True(t, customer.Type1Fields()["loyalty_tier"])
	assert.Equal(t, 0.9, customer.ConfidenceFor("customer_name", "crm"))
	assert.Equal(t, 1.0, customer.ConfidenceFor("customer_id", "anything"))
	assert.Equal(t, 0, customer.SourceRank("customer_name", "crm"))
	assert.Equal(t, 2, customer.SourceRank("customer_name", "web"))
	assert.Equal(t, 3, customer.SourceRank("customer_name", "unknown"))

	country, err := rules.For(models.EntityTypeCountry)
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "region", "state", "city", "postal_code"}, country.NaturalKey)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		contains string
	}{
		{
			name:     "no entities",
			yaml:     `entities: {}`,
			contains: "invalid rules",
		},
		{
			name: "unknown entity type",
			yaml: `
entities:
  supplier:
    natural_key: [id]
    match_sets: [{fields: [id]}]
    attributes: {id: {default_confidence: 1}}
`,
			contains: "unknown entity type",
		},
		{
			name: "natural key references unknown attribute",
			yaml: `
entities:
  product:
    natural_key: [sku]
    match_sets: [{fields: [product_id]}]
    attributes: {product_id: {default_confidence: 1}}
`,
			contains: "natural key field \"sku\"",
		},
		{
			name: "match set references unknown attribute",
			yaml: `
entities:
  product:
    natural_key: [product_id]
    match_sets: [{fields: [sku]}]
    attributes: {product_id: {default_confidence: 1}}
`,
			contains: "unknown attribute \"sku\"",
		},
		{
			name: "confidence out of range",
			yaml: `
entities:
  product:
    natural_key: [product_id]
    match_sets: [{fields: [product_id]}]
    attributes: {product_id: {confidence: {erp: 1.5}}}
`,
			contains: "invalid rules",
		},
		{
			name: "source without confidence",
			yaml: `
entities:
  product:
    natural_key: [product_id]
    match_sets: [{fields: [product_id]}]
    attributes: {product_id: {sources: [erp]}}
`,
			contains: "without a confidence weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
