// Package merging resolves entity clusters into golden records
package merging

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// NaturalKeySeparator joins the resolved natural key fields
const NaturalKeySeparator = "|"

// Engine resolves clusters into golden records
type Engine struct {
	rules       *config.Rules
	logger      ectologger.Logger
	fieldMerger *FieldMerger
	now         func() time.Time
}

// NewEngine creates a new merge engine
func NewEngine(rules *config.Rules, logger ectologger.Logger) *Engine {
	return &Engine{
		rules:       rules,
		logger:      logger,
		fieldMerger: NewFieldMerger(),
		now:         time.Now,
	}
}

// Result pairs a cluster with its golden record or the error that rejected it
type Result struct {
	Cluster models.EntityCluster
	Golden  *models.GoldenRecord
	Err     error
}

// Resolve builds the golden record for one cluster. It fails with
// UnresolvableClusterError when no contributor supplies a mandatory field.
func (e *Engine) Resolve(ctx context.Context, cluster models.EntityCluster) (*models.GoldenRecord, error) {
	_, span := tracing.StartSpan(ctx, "merging.Engine.Resolve")
	defer span.End()

	entityRules, err := e.rules.For(cluster.EntityType)
	if err != nil {
		return nil, err
	}

	golden := &models.GoldenRecord{
		EntityType:      cluster.EntityType,
		Attributes:      make(models.Attributes),
		Confidence:      make(map[string]float64),
		SourceRecordIDs: cluster.RecordIDs(),
		SourceSystems:   sourceSystems(cluster.Records),
		ResolvedAt:      e.now().UTC(),
	}

	var missing []string
	for _, field := range entityRules.AttributeNames() {
		merged, ok := e.fieldMerger.MergeField(field, cluster.Records, entityRules)
		if !ok {
			if entityRules.Attributes[field].Mandatory {
				missing = append(missing, field)
			}
			continue
		}
		golden.Attributes[field] = merged.Value
		golden.Confidence[field] = merged.Confidence
		if merged.Conflict != nil {
			golden.Conflicts = append(golden.Conflicts, *merged.Conflict)
		}
		if entityRules.Attributes[field].Important {
			golden.GoldenScore++
		}
	}

	naturalKey, ok := buildNaturalKey(entityRules.NaturalKey, golden.Attributes)
	if !ok {
		missing = append(missing, "natural_key")
	}

	if len(missing) > 0 {
		return nil, &models.UnresolvableClusterError{
			EntityType:    cluster.EntityType,
			ClusterKey:    cluster.ClusterKey,
			RecordIDs:     cluster.RecordIDs(),
			MissingFields: missing,
		}
	}
	golden.NaturalKey = naturalKey
	golden.KeyCandidates = keyCandidates(entityRules.NaturalKey, cluster.Records)

	latest := latestRecord(cluster.Records)
	golden.AsOf = latest.SourceTimestamp
	golden.Retired = latest.ChangeType == models.ChangeTypeDelete

	return golden, nil
}

// ResolveAll resolves clusters with at most workers in flight. Results are
// returned in cluster order; per-cluster failures are carried in Result.Err.
// Only context cancellation fails the call as a whole.
func (e *Engine) ResolveAll(ctx context.Context, clusters []models.EntityCluster, workers int) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.ResolveAll")
	defer span.End()

	if workers < 1 {
		workers = 1
	}

	results := make([]Result, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range clusters {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			golden, err := e.Resolve(gctx, clusters[i])
			results[i] = Result{Cluster: clusters[i], Golden: golden, Err: err}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var rejected int
	for _, r := range results {
		if r.Err != nil {
			rejected++
		}
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"clusters": len(clusters),
		"rejected": rejected,
		"workers":  workers,
	}).Debug("Resolved clusters")

	return results, nil
}

// PinNaturalKey makes golden spell naturalKey, the key its member was first
// registered under, in both NaturalKey and the natural key attributes. A member
// keeps its key when a later contributor's id wins field resolution.
func (e *Engine) PinNaturalKey(golden *models.GoldenRecord, naturalKey string) {
	if golden.NaturalKey == naturalKey {
		return
	}
	golden.NaturalKey = naturalKey

	entityRules, err := e.rules.For(golden.EntityType)
	if err != nil {
		return
	}
	parts := strings.Split(naturalKey, NaturalKeySeparator)
	if len(parts) != len(entityRules.NaturalKey) {
		return
	}

	attrs := golden.Attributes.Clone()
	for i, field := range entityRules.NaturalKey {
		if parts[i] == "" {
			delete(attrs, field)
			continue
		}
		attrs[field] = parts[i]
	}
	golden.Attributes = attrs
}

func buildNaturalKey(fields []string, attributes models.Attributes) (string, bool) {
	parts := make([]string, len(fields))
	found := false
	for i, field := range fields {
		if v, ok := attributes.Get(field); ok {
			parts[i] = v
			found = true
		}
	}
	return strings.Join(parts, NaturalKeySeparator), found
}

// keyCandidates returns the distinct natural keys each contributor would
// produce from its own attributes
func keyCandidates(fields []string, records []models.RawEntityRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		key, ok := buildNaturalKey(fields, r.Attributes)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// latestRecord returns the most recent contributor, breaking timestamp ties by record id
func latestRecord(records []models.RawEntityRecord) models.RawEntityRecord {
	latest := records[0]
	for _, r := range records[1:] {
		if r.SourceTimestamp.After(latest.SourceTimestamp) ||
			(r.SourceTimestamp.Equal(latest.SourceTimestamp) && r.RecordID > latest.RecordID) {
			latest = r
		}
	}
	return latest
}

func sourceSystems(records []models.RawEntityRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if r.SourceSystem == "" || seen[r.SourceSystem] {
			continue
		}
		seen[r.SourceSystem] = true
		out = append(out, r.SourceSystem)
	}
	sort.Strings(out)
	return out
}
