package reject

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	rejectrepo "github.com/Ramsey-B/fern/internal/repositories/reject"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Lister is satisfied by the reject repository
type Lister interface {
	List(ctx context.Context, filter rejectrepo.Filter) ([]models.RejectEntry, error)
}

// Handler serves the reject report
type Handler struct {
	rejects Lister
}

// NewHandler creates a new reject handler
func NewHandler(rejects Lister) *Handler {
	return &Handler{rejects: rejects}
}

// Register registers reject routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListRejects)
}

// ListRejects lists rejects by batch, optionally narrowed by entity type and reason
func (h *Handler) ListRejects(c echo.Context) error {
	ctx := c.Request().Context()

	filter := rejectrepo.Filter{
		BatchID:    c.QueryParam("batch_id"),
		EntityType: models.EntityType(c.QueryParam("entity_type")),
		ReasonCode: models.ReasonCode(c.QueryParam("reason_code")),
		Limit:      500,
	}
	if filter.BatchID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "batch_id query parameter is required")
	}
	if err := echo.QueryParamsBinder(c).Int("limit", &filter.Limit).Int("offset", &filter.Offset).BindError(); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "limit and offset must be integers")
	}

	entries, err := h.rejects.List(ctx, filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.RejectEntry{}
	}

	return c.JSON(http.StatusOK, entries)
}
