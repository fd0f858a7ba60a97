package dimension

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/dimdate"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// KeyLookup is satisfied by registry.Registry
type KeyLookup interface {
	Lookup(ctx context.Context, entityType models.EntityType, naturalKey string) (int64, bool, error)
}

// VersionReader is satisfied by the dimension repository and scd2.MemoryStore
type VersionReader interface {
	Versions(ctx context.Context, entityType models.EntityType, surrogateKey int64) ([]models.DimensionVersion, error)
	VersionAt(ctx context.Context, entityType models.EntityType, surrogateKey int64, t time.Time) (*models.DimensionVersion, error)
}

// CurrentLister lists the open versions of a dimension
type CurrentLister interface {
	ListCurrent(ctx context.Context, entityType models.EntityType, limit, offset int) ([]models.DimensionVersion, error)
}

// LineageReader is satisfied by graph.LineageWriter
type LineageReader interface {
	Sources(ctx context.Context, entityType models.EntityType, sk int64) ([]graph.SourceRef, error)
}

// Handler serves dimension history and point-in-time lookups
type Handler struct {
	keys     KeyLookup
	versions VersionReader
	current  CurrentLister
	lineage  LineageReader
	logger   ectologger.Logger
}

// NewHandler creates a new dimension handler. current and lineage may be nil.
func NewHandler(keys KeyLookup, versions VersionReader, current CurrentLister, lineage LineageReader, logger ectologger.Logger) *Handler {
	return &Handler{
		keys:     keys,
		versions: versions,
		current:  current,
		lineage:  lineage,
		logger:   logger,
	}
}

// Register registers the dimension routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:entity_type", h.ListCurrent)
	g.GET("/:entity_type/:natural_key/versions", h.GetVersions)
	g.GET("/:entity_type/:natural_key/as-of", h.GetAsOf)
	g.GET("/:entity_type/:natural_key/lineage", h.GetLineage)
}

// VersionsResponse is the full history of one member
type VersionsResponse struct {
	EntityType   models.EntityType         `json:"entity_type"`
	NaturalKey   string                    `json:"natural_key"`
	SurrogateKey int64                     `json:"surrogate_key"`
	Versions     []models.DimensionVersion `json:"versions"`
}

// LineageResponse lists the source records behind a golden entity
type LineageResponse struct {
	EntityType   models.EntityType `json:"entity_type"`
	NaturalKey   string            `json:"natural_key"`
	SurrogateKey int64             `json:"surrogate_key"`
	Sources      []graph.SourceRef `json:"sources"`
}

// ListCurrent lists the open versions of a dimension
func (h *Handler) ListCurrent(c echo.Context) error {
	ctx := c.Request().Context()

	entityType, err := entityTypeParam(c)
	if err != nil {
		return err
	}
	if h.current == nil {
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "dimension listing unavailable")
	}

	limit, offset := 100, 0
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).Int("offset", &offset).BindError(); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "limit and offset must be integers")
	}
	if limit < 1 || limit > 1000 {
		return httperror.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}

	versions, err := h.current.ListCurrent(ctx, entityType, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, versions)
}

// GetVersions returns every version of a member ordered by effective_from
func (h *Handler) GetVersions(c echo.Context) error {
	ctx := c.Request().Context()

	entityType, naturalKey, sk, err := h.member(c)
	if err != nil {
		return err
	}

	versions, err := h.versions.Versions(ctx, entityType, sk)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, VersionsResponse{
		EntityType:   entityType,
		NaturalKey:   naturalKey,
		SurrogateKey: sk,
		Versions:     versions,
	})
}

// GetAsOf returns the version valid on ?date=
func (h *Handler) GetAsOf(c echo.Context) error {
	ctx := c.Request().Context()

	raw := c.QueryParam("date")
	if raw == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "date query parameter is required")
	}
	date, ok := normalizers.ParseDate(raw)
	if !ok {
		return httperror.NewHTTPError(http.StatusBadRequest, "date is not a recognised date")
	}

	entityType, naturalKey, sk, err := h.member(c)
	if err != nil {
		return err
	}

	version, err := h.versions.VersionAt(ctx, entityType, sk, dimdate.Truncate(date))
	if err != nil {
		return err
	}
	if version == nil {
		return &models.DanglingReferenceError{
			EntityType:   entityType,
			NaturalKey:   naturalKey,
			BusinessDate: date,
			Reason:       "no version valid on this date",
		}
	}

	return c.JSON(http.StatusOK, version)
}

// GetLineage returns the source records consolidated into a member
func (h *Handler) GetLineage(c echo.Context) error {
	ctx := c.Request().Context()

	if h.lineage == nil {
		// Lineage projection is optional.
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "lineage graph unavailable")
	}

	entityType, naturalKey, sk, err := h.member(c)
	if err != nil {
		return err
	}

	sources, err := h.lineage.Sources(ctx, entityType, sk)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to read lineage")
		return httperror.NewHTTPError(http.StatusBadGateway, "failed to read lineage")
	}

	return c.JSON(http.StatusOK, LineageResponse{
		EntityType:   entityType,
		NaturalKey:   naturalKey,
		SurrogateKey: sk,
		Sources:      sources,
	})
}

// member resolves the entity type and natural key path params to a surrogate key
func (h *Handler) member(c echo.Context) (models.EntityType, string, int64, error) {
	entityType, err := entityTypeParam(c)
	if err != nil {
		return "", "", 0, err
	}

	naturalKey, err := url.PathUnescape(c.Param("natural_key"))
	if err != nil || naturalKey == "" {
		return "", "", 0, httperror.NewHTTPError(http.StatusBadRequest, "invalid natural key")
	}

	sk, found, err := h.keys.Lookup(c.Request().Context(), entityType, naturalKey)
	if err != nil {
		return "", "", 0, err
	}
	if !found {
		return "", "", 0, httperror.NewHTTPError(http.StatusNotFound, "no "+string(entityType)+" with natural key "+strconv.Quote(naturalKey))
	}
	return entityType, naturalKey, sk, nil
}

func entityTypeParam(c echo.Context) (models.EntityType, error) {
	entityType := models.EntityType(c.Param("entity_type"))
	if !entityType.IsValid() {
		return "", httperror.NewHTTPError(http.StatusBadRequest, "unknown entity type "+strconv.Quote(string(entityType)))
	}
	return entityType, nil
}
