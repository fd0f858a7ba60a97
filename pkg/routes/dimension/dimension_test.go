package dimension

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/scd2"
)

var silent = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type staticLineage struct {
	refs []graph.SourceRef
	err  error
}

func (l staticLineage) Sources(context.Context, models.EntityType, int64) ([]graph.SourceRef, error) {
	return l.refs, l.err
}

func newServer(t *testing.T, lineage LineageReader) *echo.Echo {
	t.Helper()
	ctx := context.Background()

	rules, err := config.LoadRules("../../../config/rules.yaml")
	require.NoError(t, err)

	reg := registry.New(registry.NewMemoryStore(), silent)
	store := scd2.NewMemoryStore()
	writer := scd2.NewWriter(store, rules, silent)

	sk, err := reg.Resolve(ctx, models.EntityTypeCountry, "United States|East|New York|New York City|10001")
	require.NoError(t, err)
	for _, change := range []struct {
		city string
		at   time.Time
	}{
		{"New York City", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"NYC", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
	} {
		_, err := writer.Apply(ctx, scd2.Change{
			SurrogateKey: sk,
			EntityType:   models.EntityTypeCountry,
			NaturalKey:   "United States|East|New York|New York City|10001",
			Attributes:   models.Attributes{"country": "United States", "city": change.city},
			AsOf:         change.at,
		})
		require.NoError(t, err)
	}

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(silent)
	NewHandler(reg, store, nil, lineage, silent).Register(e.Group("/api/v1/dimensions"))
	return e
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler(t *testing.T) {
	key := url.PathEscape("United States|East|New York|New York City|10001")

	t.Run("versions", func(t *testing.T) {
		e := newServer(t, nil)
		rec := get(e, "/api/v1/dimensions/country/"+key+"/versions")
		require.Equal(t, http.StatusOK, rec.Code)

		var body VersionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Versions, 2)
		assert.Equal(t, "New York City", body.Versions[0].Attributes["city"])
		assert.Equal(t, "NYC", body.Versions[1].Attributes["city"])
	})

	t.Run("as of a date", func(t *testing.T) {
		e := newServer(t, nil)
		rec := get(e, "/api/v1/dimensions/country/"+key+"/as-of?date=2024-01-15")
		require.Equal(t, http.StatusOK, rec.Code)

		var version models.DimensionVersion
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
		assert.Equal(t, "New York City", version.Attributes["city"])

		rec = get(e, "/api/v1/dimensions/country/"+key+"/as-of?date=2024-02-01")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
		assert.Equal(t, "NYC", version.Attributes["city"])
	})

	t.Run("a date before the first version is a dangling reference", func(t *testing.T) {
		e := newServer(t, nil)
		rec := get(e, "/api/v1/dimensions/country/"+key+"/as-of?date=2023-06-01")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "dangling_reference")
	})

	t.Run("bad requests", func(t *testing.T) {
		e := newServer(t, nil)
		assert.Equal(t, http.StatusBadRequest, get(e, "/api/v1/dimensions/supplier/x/versions").Code)
		assert.Equal(t, http.StatusBadRequest, get(e, "/api/v1/dimensions/country/"+key+"/as-of").Code)
		assert.Equal(t, http.StatusBadRequest, get(e, "/api/v1/dimensions/country/"+key+"/as-of?date=soon").Code)
		assert.Equal(t, http.StatusNotFound, get(e, "/api/v1/dimensions/country/nowhere/versions").Code)
		assert.Equal(t, http.StatusServiceUnavailable, get(e, "/api/v1/dimensions/country").Code)
	})

	t.Run("lineage", func(t *testing.T) {
		assert.Equal(t, http.StatusServiceUnavailable, get(newServer(t, nil), "/api/v1/dimensions/country/"+key+"/lineage").Code)

		refs := []graph.SourceRef{{SourceSystem: "erp", RecordID: "c1"}}
		rec := get(newServer(t, staticLineage{refs: refs}), "/api/v1/dimensions/country/"+key+"/lineage")
		require.Equal(t, http.StatusOK, rec.Code)
		var body LineageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, refs, body.Sources)

		rec = get(newServer(t, staticLineage{err: errors.New("bolt: connection refused")}), "/api/v1/dimensions/country/"+key+"/lineage")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
