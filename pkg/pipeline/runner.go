// Package pipeline runs one consolidation batch end to end: normalize, match,
// resolve, register, version, then bind and load facts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/audit"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/facts"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/registry"
	"github.com/Ramsey-B/fern/pkg/rejects"
	"github.com/Ramsey-B/fern/pkg/scd2"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Deps wires the runner's collaborators. Watermarks, Locker, Lineage,
// RejectStore, FactInputs and Tx are optional. Without Tx the registry and
// dimension writes of a golden record are not atomic.
type Deps struct {
	Rules       *config.Rules
	Registry    *registry.Registry
	Writer      *scd2.Writer
	Facts       *facts.Builder
	Records     RecordSource
	FactInputs  FactSource
	Watermarks  Watermarks
	Locker      Locker
	Lineage     LineageProjector
	AuditSinks  []audit.Sink
	RejectStore rejects.Store
	Tx          Transactor
}

// Options tunes a run
type Options struct {
	// EntityTypes limits the run. Empty means every entity type.
	EntityTypes    []models.EntityType
	ResolveWorkers int
	SkipFacts      bool
}

// EntitySummary counts what happened to one entity type
type EntitySummary struct {
	EntityType models.EntityType `json:"entity_type"`
	Records    int               `json:"records"`
	Normalized int               `json:"normalized"`
	Clusters   int               `json:"clusters"`
	Inserted   int               `json:"inserted"`
	Updated    int               `json:"updated"`
	Expired    int               `json:"expired"`
	Unchanged  int               `json:"unchanged"`
	Rejected   int               `json:"rejected"`
	Watermark  time.Time         `json:"watermark"`
}

func (s *EntitySummary) count(op models.Operation) {
	switch op {
	case models.OperationInsert:
		s.Inserted++
	case models.OperationUpdate:
		s.Updated++
	case models.OperationExpire:
		s.Expired++
	case models.OperationNoop:
		s.Unchanged++
	}
}

// Summary is the outcome of a run
type Summary struct {
	BatchID       string                               `json:"batch_id"`
	Entities      map[models.EntityType]*EntitySummary `json:"entities"`
	FactsInserted int                                  `json:"facts_inserted"`
	FactsUpdated  int                                  `json:"facts_updated"`
	Rejects       []models.RejectEntry                 `json:"rejects"`
	AuditEvents   []models.AuditEvent                  `json:"audit_events"`
	AuditFailures int                                  `json:"audit_failures"`
}

// Runner executes consolidation runs
type Runner struct {
	deps       Deps
	opts       Options
	normalizer *normalizers.EntityNormalizer
	matcher    *matching.Engine
	resolver   *merging.Engine
	logger     ectologger.Logger
}

// NewRunner creates a runner. It fails when the rules reference an unknown normalizer.
func NewRunner(deps Deps, opts Options, logger ectologger.Logger) (*Runner, error) {
	if deps.Rules == nil || deps.Registry == nil || deps.Writer == nil || deps.Records == nil {
		return nil, errors.New("pipeline: rules, registry, writer and record source are required")
	}

	normalizer, err := normalizers.NewEntityNormalizer(deps.Rules)
	if err != nil {
		return nil, err
	}

	if len(opts.EntityTypes) == 0 {
		opts.EntityTypes = models.EntityTypes
	}
	if opts.ResolveWorkers < 1 {
		opts.ResolveWorkers = 1
	}

	return &Runner{
		deps:       deps,
		opts:       opts,
		normalizer: normalizer,
		matcher:    matching.NewEngine(deps.Rules, logger),
		resolver:   merging.NewEngine(deps.Rules, logger),
		logger:     logger,
	}, nil
}

// Run consolidates every entity type in parallel, one writer per type, then
// loads the batch's facts. Rejects never abort the run; any other error does,
// and the returned summary covers the work done before it.
func (r *Runner) Run(ctx context.Context, batchID string) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.Run")
	defer span.End()

	start := time.Now()
	if batchID == "" {
		batchID = uuid.NewString()
	}
	ctx = appctx.SetBatchID(ctx, batchID)

	emitter := audit.NewEmitter(batchID, r.logger, r.deps.AuditSinks...)
	b := &batch{
		runner:  r,
		batchID: batchID,
		emitter: emitter,
		report:  rejects.NewReport(batchID, emitter, r.logger),
		summary: &Summary{
			BatchID:  batchID,
			Entities: make(map[models.EntityType]*EntitySummary),
		},
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"batch_id": batchID})
	log.Info("Starting consolidation run")

	err := b.execute(ctx)

	// Everything recorded so far is reported, even when the run failed.
	finishCtx := context.WithoutCancel(ctx)
	b.flushAll(finishCtx)
	b.summary.Rejects = b.report.Entries()
	if r.deps.RejectStore != nil {
		if perr := b.report.Persist(finishCtx, r.deps.RejectStore); perr != nil {
			err = errors.Join(err, fmt.Errorf("persist reject report: %w", perr))
		}
	}

	if err != nil {
		metrics.RecordRun("failed", start)
		log.WithError(err).Error("Consolidation run failed")
		return b.summary, err
	}

	metrics.RecordRun("succeeded", start)
	log.WithFields(map[string]any{
		"rejects":        len(b.summary.Rejects),
		"facts_inserted": b.summary.FactsInserted,
		"facts_updated":  b.summary.FactsUpdated,
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("Consolidation run finished")
	return b.summary, nil
}

// batch is the state of one run
type batch struct {
	runner  *Runner
	batchID string
	emitter *audit.Emitter
	report  *rejects.Report

	mu      sync.Mutex
	summary *Summary
}

func (b *batch) execute(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, entityType := range b.runner.opts.EntityTypes {
		entityType := entityType
		g.Go(func() error {
			return b.entity(gctx, entityType)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return b.loadFacts(ctx)
}

func (b *batch) entity(ctx context.Context, entityType models.EntityType) error {
	if b.runner.deps.Locker == nil {
		return b.consolidate(ctx, entityType)
	}
	return b.runner.deps.Locker.WithEntityLock(ctx, entityType, func(ctx context.Context) error {
		return b.consolidate(ctx, entityType)
	})
}

func (b *batch) consolidate(ctx context.Context, entityType models.EntityType) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.consolidate")
	defer span.End()

	r := b.runner
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id":    b.batchID,
		"entity_type": entityType,
	})

	summary := &EntitySummary{EntityType: entityType}
	b.mu.Lock()
	b.summary.Entities[entityType] = summary
	b.mu.Unlock()

	var since time.Time
	if r.deps.Watermarks != nil {
		mark, _, err := r.deps.Watermarks.Get(ctx, entityType)
		if err != nil {
			return fmt.Errorf("read %s watermark: %w", entityType, err)
		}
		since = mark
	}
	summary.Watermark = since

	delta, err := r.deps.Records.Records(ctx, entityType, since)
	if err != nil {
		return fmt.Errorf("read %s records: %w", entityType, err)
	}
	summary.Records = len(delta)
	metrics.RecordsProcessed.WithLabelValues(string(entityType)).Add(float64(len(delta)))

	if len(delta) == 0 {
		log.Info("No new records")
		return nil
	}

	latest := since
	changed := make(map[string]bool, len(delta))
	for _, record := range delta {
		if record.SourceTimestamp.After(latest) {
			latest = record.SourceTimestamp
		}
		changed[recordRef(record)] = true
	}

	// Golden records are resolved from every staged contributor. The delta
	// only decides which clusters are written.
	staged := delta
	if !since.IsZero() {
		if staged, err = r.deps.Records.Records(ctx, entityType, time.Time{}); err != nil {
			return fmt.Errorf("read staged %s records: %w", entityType, err)
		}
	}

	stageStart := time.Now()
	normalized := make([]models.RawEntityRecord, 0, len(staged))
	for _, record := range staged {
		n, err := r.normalizer.NormalizeRecord(record)
		if err != nil {
			if _, ok := models.AsRejectError(err); !ok {
				return err
			}
			// Older records were reported by the run that first saw them.
			if !changed[recordRef(record)] {
				continue
			}
			b.reject(ctx, summary, rejects.Entry{
				Stage:      models.StageNormalize,
				EntityType: entityType,
				Err:        err,
				SourceIDs:  []string{record.RecordID},
				Context:    map[string]any{"source_system": record.SourceSystem},
			})
			continue
		}
		if changed[recordRef(record)] {
			summary.Normalized++
		}
		normalized = append(normalized, n)
	}
	b.flush(ctx, models.StageNormalize, entityType)
	metrics.ObserveStage(models.StageNormalize, entityType, stageStart)

	stageStart = time.Now()
	all, err := r.matcher.Cluster(ctx, entityType, normalized)
	if err != nil {
		return err
	}
	clusters := make([]models.EntityCluster, 0, len(all))
	for _, cluster := range all {
		if touched(cluster, changed) {
			clusters = append(clusters, cluster)
		}
	}
	summary.Clusters = len(clusters)
	metrics.ClustersResolved.WithLabelValues(string(entityType)).Add(float64(len(clusters)))
	metrics.ObserveStage(models.StageMatch, entityType, stageStart)

	stageStart = time.Now()
	results, err := r.resolver.ResolveAll(ctx, clusters, r.opts.ResolveWorkers)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		if _, ok := models.AsRejectError(res.Err); !ok {
			return res.Err
		}
		b.reject(ctx, summary, rejects.Entry{
			Stage:      models.StageResolve,
			EntityType: entityType,
			Err:        res.Err,
			SourceIDs:  res.Cluster.RecordIDs(),
			Context:    map[string]any{"cluster_key": res.Cluster.ClusterKey},
		})
	}
	b.flush(ctx, models.StageResolve, entityType)
	metrics.ObserveStage(models.StageResolve, entityType, stageStart)

	stageStart = time.Now()
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.apply(ctx, summary, res); err != nil {
			return err
		}
	}
	b.flush(ctx, models.StageRegistry, entityType)
	b.flush(ctx, models.StageDimension, entityType)
	metrics.ObserveStage(models.StageDimension, entityType, stageStart)

	if r.deps.Watermarks != nil && latest.After(since) {
		if err := r.deps.Watermarks.Advance(ctx, entityType, latest); err != nil {
			return fmt.Errorf("advance %s watermark: %w", entityType, err)
		}
	}
	summary.Watermark = latest

	log.WithFields(map[string]any{
		"records":   summary.Records,
		"clusters":  summary.Clusters,
		"inserted":  summary.Inserted,
		"updated":   summary.Updated,
		"expired":   summary.Expired,
		"unchanged": summary.Unchanged,
		"rejected":  summary.Rejected,
	}).Info("Consolidated entity type")
	return nil
}

// apply registers the golden record and writes its dimension version in one
// transaction. A D change retires the member instead; a D for a member that
// was never registered is a noop.
func (b *batch) apply(ctx context.Context, summary *EntitySummary, res merging.Result) error {
	r := b.runner
	golden := res.Golden
	entityType := golden.EntityType
	ids := res.Cluster.RecordIDs()

	var (
		member registry.Member
		op     models.Operation
		stage  = models.StageRegistry
	)
	err := r.withinTx(ctx, func(ctx context.Context) error {
		var err error
		if golden.Retired {
			var found bool
			member, found, err = r.deps.Registry.LookupMember(ctx, entityType, golden.NaturalKey, golden.KeyCandidates)
			if err != nil || !found {
				op = models.OperationNoop
				return err
			}
		} else {
			if member, err = r.deps.Registry.ResolveMember(ctx, entityType, golden.NaturalKey, golden.KeyCandidates); err != nil {
				return err
			}
			r.resolver.PinNaturalKey(golden, member.NaturalKey)
		}

		stage = models.StageDimension
		if golden.Retired {
			op, err = r.deps.Writer.Retire(ctx, entityType, member.SurrogateKey, golden.AsOf)
			return err
		}
		op, err = r.deps.Writer.Apply(ctx, scd2.Change{
			SurrogateKey: member.SurrogateKey,
			EntityType:   entityType,
			NaturalKey:   golden.NaturalKey,
			Attributes:   golden.Attributes,
			AsOf:         golden.AsOf,
			BatchID:      b.batchID,
		})
		return err
	})
	if err != nil {
		if _, ok := models.AsRejectError(err); ok {
			entry := rejects.Entry{
				Stage:      stage,
				EntityType: entityType,
				Err:        err,
				NaturalKey: golden.NaturalKey,
				SourceIDs:  ids,
			}
			if stage == models.StageDimension {
				entry.NaturalKey = member.NaturalKey
				entry.Context = map[string]any{"surrogate_key": member.SurrogateKey}
			}
			b.reject(ctx, summary, entry)
			return nil
		}
		if stage == models.StageRegistry {
			return fmt.Errorf("resolve surrogate key for %s %q: %w", entityType, golden.NaturalKey, err)
		}
		return fmt.Errorf("write %s version for %q: %w", entityType, member.NaturalKey, err)
	}

	b.emitter.Record(models.StageDimension, entityType, op, 1)
	summary.count(op)

	if member.SurrogateKey == 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id":    b.batchID,
			"entity_type": entityType,
			"natural_key": golden.NaturalKey,
		}).Debug("Ignored delete of an unregistered member")
		return nil
	}

	if r.deps.Lineage != nil {
		if err := r.deps.Lineage.Project(ctx, graph.LineageFromCluster(res.Cluster, golden, member.SurrogateKey, b.batchID)); err != nil {
			metrics.LineageFailures.WithLabelValues(string(entityType)).Inc()
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"batch_id":      appctx.GetBatchID(ctx),
				"entity_type":   entityType,
				"surrogate_key": member.SurrogateKey,
			}).Warn("Lineage projection failed")
		}
	}
	return nil
}

func (r *Runner) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.deps.Tx == nil {
		return fn(ctx)
	}
	return r.deps.Tx.WithinTx(ctx, fn)
}

// recordRef identifies a staged record; record ids are unique per source system
func recordRef(r models.RawEntityRecord) string {
	return r.SourceSystem + "/" + r.RecordID
}

// touched reports whether any contributor of cluster is in changed
func touched(cluster models.EntityCluster, changed map[string]bool) bool {
	for _, r := range cluster.Records {
		if changed[recordRef(r)] {
			return true
		}
	}
	return false
}

func (b *batch) loadFacts(ctx context.Context) error {
	r := b.runner
	if r.opts.SkipFacts || r.deps.Facts == nil || r.deps.FactInputs == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.loadFacts")
	defer span.End()

	stageStart := time.Now()
	inputs, err := r.deps.FactInputs.OrderLines(ctx, b.batchID)
	if err != nil {
		return fmt.Errorf("read order lines: %w", err)
	}

	result, err := r.deps.Facts.Load(ctx, inputs, b.batchID)
	if result != nil {
		b.emitter.Record(models.StageFact, models.EntityTypeOrderLine, models.OperationInsert, result.Inserted)
		b.emitter.Record(models.StageFact, models.EntityTypeOrderLine, models.OperationUpdate, result.Updated)

		for _, rej := range result.Rejects {
			entityType := models.EntityTypeOrderLine
			naturalKey := ""
			var dangling *models.DanglingReferenceError
			if errors.As(rej.Err, &dangling) {
				naturalKey = dangling.NaturalKey
				if dangling.EntityType != "" {
					entityType = dangling.EntityType
				}
			}
			b.reject(ctx, nil, rejects.Entry{
				Stage:      models.StageFact,
				EntityType: entityType,
				Err:        rej.Err,
				NaturalKey: naturalKey,
				SourceIDs:  []string{rej.Input.OrderID + "/" + rej.Input.LineID},
				Context: map[string]any{
					"order_id":      rej.Input.OrderID,
					"line_id":       rej.Input.LineID,
					"business_date": rej.Input.BusinessDate.Format("2006-01-02"),
				},
			})
		}

		b.mu.Lock()
		b.summary.FactsInserted = result.Inserted
		b.summary.FactsUpdated = result.Updated
		b.mu.Unlock()
	}
	metrics.ObserveStage(models.StageFact, models.EntityTypeOrderLine, stageStart)

	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}
	return nil
}

func (b *batch) reject(ctx context.Context, summary *EntitySummary, entry rejects.Entry) {
	added := b.report.Add(ctx, entry)
	metrics.RecordReject(entry.EntityType, added.ReasonCode)
	if summary != nil {
		summary.Rejected++
	}
}

// flush emits a stage's audit counts. Sink failures are counted, not fatal.
func (b *batch) flush(ctx context.Context, stage models.Stage, entityType models.EntityType) {
	events, err := b.emitter.Flush(ctx, stage, entityType)
	b.collect(events, err)
}

func (b *batch) flushAll(ctx context.Context) {
	events, err := b.emitter.FlushAll(ctx)
	b.collect(events, err)
}

func (b *batch) collect(events []models.AuditEvent, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.AuditEvents = append(b.summary.AuditEvents, events...)
	if err != nil {
		b.summary.AuditFailures++
	}
}
