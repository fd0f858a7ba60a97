package audit

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Lister is satisfied by the audit event repository
type Lister interface {
	ListByBatch(ctx context.Context, batchID string) ([]models.AuditEvent, error)
}

// Handler serves audit events
type Handler struct {
	events Lister
}

// NewHandler creates a new audit handler
func NewHandler(events Lister) *Handler {
	return &Handler{events: events}
}

// Register registers audit routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListEvents)
}

// BatchTotals sums a batch's audit counts per operation
type BatchTotals struct {
	BatchID string                   `json:"batch_id"`
	Totals  map[models.Operation]int `json:"totals"`
	Events  []models.AuditEvent      `json:"events"`
}

// ListEvents returns a batch's audit events with per-operation totals
func (h *Handler) ListEvents(c echo.Context) error {
	ctx := c.Request().Context()

	batchID := c.QueryParam("batch_id")
	if batchID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "batch_id query parameter is required")
	}

	events, err := h.events.ListByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	totals := make(map[models.Operation]int)
	for _, e := range events {
		totals[e.Operation] += e.Count
	}
	if events == nil {
		events = []models.AuditEvent{}
	}

	return c.JSON(http.StatusOK, BatchTotals{
		BatchID: batchID,
		Totals:  totals,
		Events:  events,
	})
}
