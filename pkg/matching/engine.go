// Package matching groups normalized records into clusters of the same real-world entity
package matching

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Engine clusters records with union-find keyed by each configured match set.
// Matching is transitive: if A matches B and B matches C, all three share a cluster.
type Engine struct {
	rules  *config.Rules
	logger ectologger.Logger
}

// NewEngine creates a new match engine
func NewEngine(rules *config.Rules, logger ectologger.Logger) *Engine {
	return &Engine{
		rules:  rules,
		logger: logger,
	}
}

// Cluster partitions normalized records of one entity type. Membership does not
// depend on input order, and clusters are returned sorted by cluster key.
func (e *Engine) Cluster(ctx context.Context, entityType models.EntityType, records []models.RawEntityRecord) ([]models.EntityCluster, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Engine.Cluster")
	defer span.End()

	entityRules, err := e.rules.For(entityType)
	if err != nil {
		return nil, err
	}

	sorted := make([]models.RawEntityRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return recordLess(sorted[i], sorted[j])
	})

	ds := newDisjointSet(len(sorted))
	signatures := make([][]string, len(sorted))

	for _, set := range entityRules.MatchSets {
		firstSeen := make(map[string]int)
		for i, record := range sorted {
			sig, ok := Signature(set, record.Attributes)
			if !ok {
				continue
			}
			signatures[i] = append(signatures[i], sig)
			if j, seen := firstSeen[sig]; seen {
				ds.union(i, j)
				continue
			}
			firstSeen[sig] = i
		}
	}

	groups := make(map[int][]int)
	for i := range sorted {
		root := ds.find(i)
		groups[root] = append(groups[root], i)
	}

	clusters := make([]models.EntityCluster, 0, len(groups))
	for _, members := range groups {
		cluster := models.EntityCluster{
			EntityType: entityType,
			Records:    make([]models.RawEntityRecord, 0, len(members)),
		}
		for _, idx := range members {
			cluster.Records = append(cluster.Records, sorted[idx])
			for _, sig := range signatures[idx] {
				if cluster.ClusterKey == "" || sig < cluster.ClusterKey {
					cluster.ClusterKey = sig
				}
			}
		}
		if cluster.ClusterKey == "" {
			cluster.ClusterKey = "record:" + cluster.Records[0].SourceSystem + "/" + cluster.Records[0].RecordID
		}
		clusters = append(clusters, cluster)
	}

	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].ClusterKey < clusters[j].ClusterKey
	})

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": entityType,
		"records":     len(records),
		"clusters":    len(clusters),
	}).Debug("Clustered records")

	return clusters, nil
}

// Signature returns the match key of attributes under a match set. It is only
// defined when every field of the set has a value.
func Signature(set config.MatchSet, attributes models.Attributes) (string, bool) {
	parts := make([]string, 0, len(set.Fields))
	for _, field := range set.Fields {
		value, ok := attributes.Get(field)
		if !ok {
			return "", false
		}
		value = normalizers.ApplyChain(value, set.Normalizers[field]...)
		if value == "" {
			return "", false
		}
		parts = append(parts, field+"="+value)
	}
	return strings.Join(parts, "&"), true
}

func recordLess(a, b models.RawEntityRecord) bool {
	if a.RecordID != b.RecordID {
		return a.RecordID < b.RecordID
	}
	if a.SourceSystem != b.SourceSystem {
		return a.SourceSystem < b.SourceSystem
	}
	return a.SourceTimestamp.Before(b.SourceTimestamp)
}
