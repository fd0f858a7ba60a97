package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/repositories/auditevent"
	"github.com/Ramsey-B/fern/internal/repositories/dimension"
	"github.com/Ramsey-B/fern/internal/repositories/reject"
	"github.com/Ramsey-B/fern/internal/repositories/surrogatekey"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/registry"
	auditroutes "github.com/Ramsey-B/fern/pkg/routes/audit"
	dimensionroutes "github.com/Ramsey-B/fern/pkg/routes/dimension"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	rejectroutes "github.com/Ramsey-B/fern/pkg/routes/reject"
	"github.com/Ramsey-B/fern/pkg/routes/validation"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, needs{rules: true, postgres: true, extras: true})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			e, checker, err := a.newServer()
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.cfg.Port),
				Handler:           e,
				ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
				WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
				IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
				ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
				MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.WithField("port", a.cfg.Port).Info("HTTP server listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()
			checker.SetReady(true)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			checker.SetReady(false)
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			a.logger.Info("Shutting down HTTP server")
			return server.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) newServer() (*echo.Echo, *health.Checker, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOrigins}))
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	checker := health.NewChecker(a.cfg.Version)
	checker.AddCheck("postgres", func(ctx context.Context) error { return a.sqlDB.PingContext(ctx) })
	if a.redis != nil {
		checker.AddCheck("redis", a.redis.Ping)
	}
	if a.graph != nil {
		checker.AddCheck("graph", a.graph.VerifyConnectivity)
	}
	checker.RegisterRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")

	reg := registry.New(surrogatekey.NewRepository(a.db, a.logger), a.logger)
	dims := dimension.NewRepository(a.db, a.logger)
	var lineage dimensionroutes.LineageReader
	if a.graph != nil {
		lineage = graph.NewLineageWriter(a.graph, a.logger)
	}
	dimensionroutes.NewHandler(reg, dims, dims, lineage, a.logger).Register(api.Group("/dimensions"))
	rejectroutes.NewHandler(reject.NewRepository(a.db, a.logger)).Register(api.Group("/rejects"))
	auditroutes.NewHandler(auditevent.NewRepository(a.db, a.logger)).Register(api.Group("/audit"))

	validator, err := validation.NewHandler(a.rules)
	if err != nil {
		return nil, nil, err
	}
	validator.Register(api)

	return e, checker, nil
}
