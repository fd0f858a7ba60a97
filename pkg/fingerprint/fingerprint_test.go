package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestRowHash(t *testing.T) {
	columns := []string{"customer_name", "segment", "loyalty_tier"}

	t.Run("ignores case, surrounding whitespace and column order", func(t *testing.T) {
		a := RowHash(models.Attributes{"customer_name": "Jane Doe", "segment": "Consumer"}, columns, nil)
		b := RowHash(models.Attributes{"segment": " CONSUMER ", "customer_name": "jane doe"}, []string{"segment", "loyalty_tier", "customer_name"}, nil)
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("null differs from the sentinel text", func(t *testing.T) {
		withNull := RowHash(models.Attributes{"customer_name": "Jane"}, columns, nil)
		withText := RowHash(models.Attributes{"customer_name": "Jane", "segment": "<null>"}, columns, nil)
		assert.True(t, HasChanged(withNull, withText))
	})

	t.Run("excluded columns do not affect the hash", func(t *testing.T) {
		exclude := map[string]bool{"loyalty_tier": true}
		gold := RowHash(models.Attributes{"customer_name": "Jane", "loyalty_tier": "gold"}, columns, exclude)
		silver := RowHash(models.Attributes{"customer_name": "Jane", "loyalty_tier": "silver"}, columns, exclude)
		assert.False(t, HasChanged(gold, silver))
	})

	t.Run("attribute change is detected", func(t *testing.T) {
		before := RowHash(models.Attributes{"customer_name": "Jane Doe"}, columns, nil)
		after := RowHash(models.Attributes{"customer_name": "Jane D."}, columns, nil)
		assert.True(t, HasChanged(before, after))
	})
}

func TestCanonicalize(t *testing.T) {
	got := Canonicalize(models.Attributes{"b": " x ", "a": "y"}, []string{"b", "a", "c"}, nil)
	assert.Equal(t, `a="Y"||b="X"||c=<NULL>`, got)
}
