package middleware

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
)

// Logger writes one line per request once the handler and error handler have
// run, so the logged status is the one the caller saw.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			ctx := c.Request().Context()
			req := appctx.RequestFrom(ctx)
			res := c.Response()

			fields := appctx.Fields(ctx)
			fields["method"] = req.Method
			fields["route"] = c.Path()
			fields["path"] = req.Route
			fields["remote_ip"] = req.RemoteIP
			fields["status"] = res.Status
			fields["response_size"] = res.Size
			fields["duration_ms"] = time.Since(start).Milliseconds()

			log := logger.WithContext(ctx).WithFields(fields)
			if res.Status >= 500 {
				log.Warn("Request failed")
			} else {
				log.Info("Request")
			}
			return nil
		}
	}
}
