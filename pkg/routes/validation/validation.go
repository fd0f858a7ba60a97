package validation

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// ValidateRequest represents a validation request
type ValidateRequest struct {
	EntityType   string            `json:"entity_type"`
	SourceSystem string            `json:"source_system"`
	Attributes   map[string]string `json:"attributes"`
}

// ValidateResponse shows what the normalizer and matcher make of a record
type ValidateResponse struct {
	Valid      bool              `json:"valid"`
	Errors     []string          `json:"errors,omitempty"`
	Attributes models.Attributes `json:"attributes,omitempty"`
	MatchKeys  []string          `json:"match_keys,omitempty"`
}

// Handler previews normalization and match keys under the loaded rules
type Handler struct {
	rules      *config.Rules
	normalizer *normalizers.EntityNormalizer
}

// NewHandler creates a new validation handler
func NewHandler(rules *config.Rules) (*Handler, error) {
	normalizer, err := normalizers.NewEntityNormalizer(rules)
	if err != nil {
		return nil, err
	}
	return &Handler{rules: rules, normalizer: normalizer}, nil
}

// Register registers validation routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/validate", h.ValidateRecord)
}

// ValidateRecord normalizes a record and lists the match keys it would cluster on
func (h *Handler) ValidateRecord(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	entityType := models.EntityType(req.EntityType)
	if !entityType.IsValid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "entity_type must be one of customer, product, country")
	}
	if req.Attributes == nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "attributes are required")
	}

	attributes, err := h.normalizer.Normalize(models.RawEntityRecord{
		RecordID:     "preview",
		SourceSystem: req.SourceSystem,
		EntityType:   entityType,
		Attributes:   models.Attributes(req.Attributes),
	})
	if err != nil {
		var invalid *models.ValidationError
		if !errors.As(err, &invalid) {
			return err
		}
		errs := make([]string, len(invalid.MissingFields))
		for i, field := range invalid.MissingFields {
			errs[i] = field + ": required"
		}
		return c.JSON(http.StatusOK, ValidateResponse{
			Valid:  false,
			Errors: errs,
		})
	}

	entityRules, err := h.rules.For(entityType)
	if err != nil {
		return err
	}
	var keys []string
	for _, set := range entityRules.MatchSets {
		if sig, ok := matching.Signature(set, attributes); ok {
			keys = append(keys, sig)
		}
	}

	return c.JSON(http.StatusOK, ValidateResponse{
		Valid:      true,
		Attributes: attributes,
		MatchKeys:  keys,
	})
}
