package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

// HeaderOperator names the operator calling the API, when the caller sets it
const HeaderOperator = "X-Operator"

// Context stores the request metadata on the request context and echoes the
// request id back to the caller, minting one when absent.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}

			ctx := appctx.WithRequest(req.Context(), appctx.Request{
				ID:       id,
				Method:   req.Method,
				Route:    req.URL.Path,
				RemoteIP: c.RealIP(),
				Referer:  req.Referer(),
				Operator: req.Header.Get(HeaderOperator),
			})
			c.SetRequest(req.WithContext(ctx))
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}
