package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker(t *testing.T) {
	serve := func(c *Checker, path string) *httptest.ResponseRecorder {
		e := echo.New()
		c.RegisterRoutes(e)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("healthy", func(t *testing.T) {
		c := NewChecker("1.0.0")
		c.AddCheck("postgres", func(context.Context) error { return nil })

		rec := serve(c, "/api/v1/health")
		require.Equal(t, http.StatusOK, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "healthy", status.Checks["postgres"].Status)
	})

	t.Run("one failing dependency", func(t *testing.T) {
		c := NewChecker("1.0.0")
		c.AddCheck("postgres", func(context.Context) error { return nil })
		c.AddCheck("redis", func(context.Context) error { return errors.New("dial tcp: connection refused") })

		rec := serve(c, "/api/v1/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "connection refused")
	})

	t.Run("readiness", func(t *testing.T) {
		c := NewChecker("1.0.0")
		assert.Equal(t, http.StatusServiceUnavailable, serve(c, "/api/v1/health/ready").Code)
		c.SetReady(true)
		assert.Equal(t, http.StatusOK, serve(c, "/api/v1/health/ready").Code)
		assert.Equal(t, http.StatusOK, serve(c, "/api/v1/health/live").Code)
	})
}
