// Package metrics provides Prometheus metrics for consolidation runs.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// RecordsProcessed tracks clean records read per entity type
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "consolidation",
			Name:      "records_total",
			Help:      "Total number of clean records read by entity type",
		},
		[]string{"entity_type"},
	)

	// ClustersResolved tracks clusters produced by the matcher
	ClustersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "consolidation",
			Name:      "clusters_total",
			Help:      "Total number of entity clusters by entity type",
		},
		[]string{"entity_type"},
	)

	// Decisions mirrors audit events: rows handled per stage and operation
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "audit",
			Name:      "decisions_total",
			Help:      "Total number of rows handled by stage, entity type and operation",
		},
		[]string{"stage", "entity_type", "operation"},
	)

	// Rejects tracks rejected records by reason
	Rejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "consolidation",
			Name:      "rejects_total",
			Help:      "Total number of rejects by entity type and reason code",
		},
		[]string{"entity_type", "reason_code"},
	)

	// StageDuration tracks how long each stage took per entity type
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "consolidation",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"stage", "entity_type"},
	)

	// RunsTotal tracks runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "run",
			Name:      "runs_total",
			Help:      "Total number of consolidation runs by status",
		},
		[]string{"status"},
	)

	// RunDuration tracks end to end run duration
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Duration of consolidation runs in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// LineageFailures tracks graph projection failures
	LineageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "lineage",
			Name:      "failures_total",
			Help:      "Total number of lineage projection failures",
		},
		[]string{"entity_type"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// RecordsIngested tracks clean records written to staging by the ingest consumer
	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Total number of clean records staged from Kafka",
		},
		[]string{"entity_type", "status"},
	)
)

// ObserveStage records a stage duration since start
func ObserveStage(stage models.Stage, entityType models.EntityType, start time.Time) {
	StageDuration.WithLabelValues(string(stage), string(entityType)).Observe(time.Since(start).Seconds())
}

// RecordRun records a finished run
func RecordRun(status string, start time.Time) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDuration.Observe(time.Since(start).Seconds())
}

// RecordReject counts one reject
func RecordReject(entityType models.EntityType, code models.ReasonCode) {
	Rejects.WithLabelValues(string(entityType), string(code)).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// AuditSink adds flushed audit counts to the Decisions counter
type AuditSink struct{}

func (AuditSink) Name() string { return "prometheus" }

func (AuditSink) Write(_ context.Context, events []models.AuditEvent) error {
	for _, e := range events {
		Decisions.WithLabelValues(string(e.Stage), string(e.EntityType), string(e.Operation)).Add(float64(e.Count))
	}
	return nil
}
