package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/auditevent"
	"github.com/Ramsey-B/fern/internal/repositories/datedim"
	"github.com/Ramsey-B/fern/internal/repositories/dimension"
	"github.com/Ramsey-B/fern/internal/repositories/fact"
	"github.com/Ramsey-B/fern/internal/repositories/reject"
	"github.com/Ramsey-B/fern/internal/repositories/staging"
	"github.com/Ramsey-B/fern/internal/repositories/surrogatekey"
	"github.com/Ramsey-B/fern/internal/repositories/watermark"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/facts"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/scd2"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// dependency adapts a start/stop pair to startup.StartupDependency
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string                 { return d.name }
func (d *dependency) DependsOn() []string             { return d.dependsOn }
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error  { return d.stop(ctx) }

// app holds the process-wide collaborators shared by every subcommand
type app struct {
	cfg     *config.Config
	rules   *config.Rules
	logger  ectologger.Logger
	startup *startup.Startup

	sqlDB    *sqlx.DB
	db       database.DB
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer

	shutdownTracing func(context.Context) error
}

// needs selects the optional infrastructure a subcommand brings up
type needs struct {
	rules    bool
	postgres bool
	extras   bool // redis, graph and the kafka producer, each when enabled
}

func newApp(ctx context.Context, n needs) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(ctx, tracing.ProviderConfig{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.Version,
		Exporter:       cfg.TracingExporter,
		Protocol:       cfg.OTLPProtocol,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:             cfg,
		logger:          logger,
		startup:         startup.NewStartup[app](logger, cfg.StartupMaxAttempts),
		shutdownTracing: shutdown,
	}

	if n.rules {
		if a.rules, err = config.LoadRules(cfg.RulesFile); err != nil {
			return nil, err
		}
	}
	if n.postgres {
		a.startup.AddDependency(a.postgresDependency())
	}
	if n.extras {
		if cfg.RedisEnabled {
			a.startup.AddDependency(a.redisDependency())
		}
		if cfg.GraphEnabled {
			a.startup.AddDependency(a.graphDependency())
		}
		if cfg.KafkaEnabled {
			a.startup.AddDependency(a.producerDependency())
		}
	}

	if err := a.startup.Start(ctx); err != nil {
		a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zapConfig.Level = level

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// close stops every started dependency and flushes spans
func (a *app) close(ctx context.Context) {
	if err := a.startup.Stop(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to stop dependencies cleanly")
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}
}

func (a *app) postgresDependency() *dependency {
	return &dependency{
		name: "postgres",
		start: func(ctx context.Context) error {
			db, err := sqlx.Open(a.cfg.DatabaseDriver, a.cfg.DatabaseDSN())
			if err != nil {
				return err
			}
			db.SetMaxOpenConns(a.cfg.DatabaseMaxOpenConns)
			db.SetMaxIdleConns(a.cfg.DatabaseMaxIdleConns)
			db.SetConnMaxLifetime(a.cfg.DatabaseConnMaxLifetime)

			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			a.sqlDB = db
			a.db = database.NewDatabaseInstance(db, a.logger)
			return nil
		},
		stop: func(context.Context) error {
			if a.sqlDB == nil {
				return nil
			}
			return a.sqlDB.Close()
		},
	}
}

func (a *app) redisDependency() *dependency {
	return &dependency{
		name: "redis",
		start: func(ctx context.Context) error {
			client, err := redis.NewClient(ctx, redis.ConfigFrom(a.cfg), a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		stop: func(context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Close()
		},
	}
}

func (a *app) graphDependency() *dependency {
	return &dependency{
		name: "graph",
		start: func(ctx context.Context) error {
			client, err := graph.NewClient(graph.ConfigFrom(a.cfg), a.logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				_ = client.Close(ctx)
				return fmt.Errorf("failed to reach graph database: %w", err)
			}
			a.graph = client
			return nil
		},
		stop: func(ctx context.Context) error {
			if a.graph == nil {
				return nil
			}
			return a.graph.Close(ctx)
		},
	}
}

func (a *app) producerDependency() *dependency {
	return &dependency{
		name: "kafka-producer",
		start: func(context.Context) error {
			a.producer = kafka.NewProducer(kafka.ProducerConfigFrom(a.cfg), a.logger)
			return nil
		},
		stop: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	}
}

// auditSinks lists the audit destinations available to this process
func (a *app) auditSinks() []audit.Sink {
	sinks := []audit.Sink{
		audit.NewStoreSink(auditevent.NewRepository(a.db, a.logger)),
		audit.NewLogSink(a.logger),
		metrics.AuditSink{},
	}
	if a.producer != nil {
		sinks = append(sinks, audit.NewKafkaSink(a.producer))
	}
	return sinks
}

func (a *app) newRunner(opts pipeline.Options) (*pipeline.Runner, error) {
	dims := dimension.NewRepository(a.db, a.logger)
	stage := staging.NewRepository(a.db, a.logger)
	reg := registry.New(surrogatekey.NewRepository(a.db, a.logger), a.logger)

	deps := pipeline.Deps{
		Rules:    a.rules,
		Registry: reg,
		Writer:   scd2.NewWriter(dims, a.rules, a.logger),
		Facts: facts.NewBuilder(reg, dims, datedim.NewRepository(a.db, a.logger), fact.NewRepository(a.db, a.logger), facts.Options{
			StrictBackfill: a.cfg.StrictBackfill,
			BatchSize:      a.cfg.FactBatchSize,
		}, a.logger),
		Records:     stage,
		FactInputs:  stage,
		Watermarks:  watermark.NewRepository(a.db, a.logger),
		Locker:      pipeline.NewLocalLocker(),
		AuditSinks:  a.auditSinks(),
		RejectStore: reject.NewRepository(a.db, a.logger),
		Tx:          dims,
	}
	if a.redis != nil {
		deps.Locker = redis.NewEntityLocker(a.redis, a.cfg.LockTTL, a.cfg.LockWaitTimeout)
	}
	if a.graph != nil {
		deps.Lineage = graph.NewLineageWriter(a.graph, a.logger)
	}

	if opts.ResolveWorkers == 0 {
		opts.ResolveWorkers = a.cfg.ResolveWorkers
	}
	return pipeline.NewRunner(deps, opts, a.logger)
}
