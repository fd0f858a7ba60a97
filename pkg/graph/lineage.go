package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SourceRef identifies one contributing source record
type SourceRef struct {
	SourceSystem string `json:"source_system"`
	RecordID     string `json:"record_id"`
}

// Lineage ties a golden entity to the source records consolidated into it
type Lineage struct {
	EntityType   models.EntityType
	SurrogateKey int64
	NaturalKey   string
	Retired      bool
	BatchID      string
	Sources      []SourceRef
	ProjectedAt  time.Time
}

// LineageFromCluster builds the lineage of a resolved cluster
func LineageFromCluster(cluster models.EntityCluster, golden *models.GoldenRecord, sk int64, batchID string) Lineage {
	sources := make([]SourceRef, 0, len(cluster.Records))
	for _, r := range cluster.Records {
		sources = append(sources, SourceRef{SourceSystem: r.SourceSystem, RecordID: r.RecordID})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].SourceSystem != sources[j].SourceSystem {
			return sources[i].SourceSystem < sources[j].SourceSystem
		}
		return sources[i].RecordID < sources[j].RecordID
	})

	return Lineage{
		EntityType:   golden.EntityType,
		SurrogateKey: sk,
		NaturalKey:   golden.NaturalKey,
		Retired:      golden.Retired,
		BatchID:      batchID,
		Sources:      sources,
		ProjectedAt:  golden.ResolvedAt,
	}
}

const projectCypher = `
	MERGE (g:GoldenEntity {entity_type: $entity_type, surrogate_key: $surrogate_key})
	SET g.natural_key = $natural_key, g.retired = $retired, g.batch_id = $batch_id, g.updated_at = $projected_at
	WITH g
	UNWIND $sources AS src
	MERGE (s:SourceRecord {source_system: src.source_system, record_id: src.record_id})
	MERGE (s)-[r:CONSOLIDATED_INTO]->(g)
	SET r.batch_id = $batch_id
`

const sourcesCypher = `
	MATCH (s:SourceRecord)-[r:CONSOLIDATED_INTO]->(g:GoldenEntity {entity_type: $entity_type, surrogate_key: $surrogate_key})
	RETURN s.source_system AS source_system, s.record_id AS record_id
	ORDER BY source_system, record_id
`

func projectParams(l Lineage) map[string]any {
	sources := make([]any, len(l.Sources))
	for i, s := range l.Sources {
		sources[i] = map[string]any{
			"source_system": s.SourceSystem,
			"record_id":     s.RecordID,
		}
	}
	return map[string]any{
		"entity_type":   string(l.EntityType),
		"surrogate_key": l.SurrogateKey,
		"natural_key":   l.NaturalKey,
		"retired":       l.Retired,
		"batch_id":      l.BatchID,
		"projected_at":  l.ProjectedAt.UTC().Format(time.RFC3339),
		"sources":       sources,
	}
}

// LineageWriter writes lineage into the graph
type LineageWriter struct {
	client *Client
	logger ectologger.Logger
}

// NewLineageWriter creates a lineage writer
func NewLineageWriter(client *Client, logger ectologger.Logger) *LineageWriter {
	return &LineageWriter{
		client: client,
		logger: logger,
	}
}

// Project upserts the golden node and its CONSOLIDATED_INTO edges
func (w *LineageWriter) Project(ctx context.Context, lineage Lineage) error {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageWriter.Project")
	defer span.End()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type":   lineage.EntityType,
		"surrogate_key": lineage.SurrogateKey,
		"sources":       len(lineage.Sources),
	})

	_, err := w.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, projectCypher, projectParams(lineage))
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		log.WithError(err).Error("Failed to project lineage")
		return fmt.Errorf("failed to project lineage: %w", err)
	}

	log.Debug("Projected lineage")
	return nil
}

// Sources returns the source records consolidated into a golden entity
func (w *LineageWriter) Sources(ctx context.Context, entityType models.EntityType, sk int64) ([]SourceRef, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.LineageWriter.Sources")
	defer span.End()

	result, err := w.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, sourcesCypher, map[string]any{
			"entity_type":   string(entityType),
			"surrogate_key": sk,
		})
		if err != nil {
			return nil, err
		}

		var refs []SourceRef
		for res.Next(ctx) {
			record := res.Record()
			system, _ := record.Get("source_system")
			id, _ := record.Get("record_id")
			refs = append(refs, SourceRef{
				SourceSystem: fmt.Sprint(system),
				RecordID:     fmt.Sprint(id),
			})
		}
		return refs, res.Err()
	})
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Failed to read lineage")
		return nil, fmt.Errorf("failed to read lineage: %w", err)
	}

	refs, _ := result.([]SourceRef)
	return refs, nil
}
