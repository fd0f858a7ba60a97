package middleware

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders every handler error as an ErrorResponse. Rejects map onto a
// status through StatusForReason; ectoerror HTTP errors keep their own code.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			logger.WithContext(ctx).WithError(err).Warn("Error after response was committed")
			return
		}

		code := http.StatusInternalServerError
		message := http.StatusText(code)
		meta := map[string]any{}

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		if rej, ok := models.AsRejectError(err); ok {
			code = StatusForReason(rej.ReasonCode())
			message = rej.Error()
			meta = map[string]any{"reason_code": rej.ReasonCode()}
		}

		if ok := httperror.IsHTTPError(err); ok {
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		}
		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("Request failed")
		} else {
			log.Debug("Request rejected")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

// StatusForReason maps a reject reason onto the HTTP status returned when the
// reject surfaces through the API
func StatusForReason(code models.ReasonCode) int {
	switch code {
	case models.ReasonValidationFailed:
		return http.StatusBadRequest
	case models.ReasonDanglingReference:
		return http.StatusNotFound
	case models.ReasonOutOfOrderUpdate, models.ReasonRegistryConflict, models.ReasonFactImmutable:
		return http.StatusConflict
	case models.ReasonUnresolvableCluster, models.ReasonMissingDate:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
