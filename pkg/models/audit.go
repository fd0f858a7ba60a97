package models

import "time"

// Stage names a step of the consolidation run
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageMatch     Stage = "match"
	StageResolve   Stage = "resolve"
	StageRegistry  Stage = "registry"
	StageDimension Stage = "dimension"
	StageFact      Stage = "fact"
	StageDimDate   Stage = "dim_date"
)

// Labels for audit events and rejects that do not belong to a master-data dimension
const (
	EntityTypeOrderLine EntityType = "order_line"
	EntityTypeDate      EntityType = "date"
)

// AuditEvent records how many rows a stage handled with a given operation
type AuditEvent struct {
	ID         string     `json:"id" db:"id"`
	BatchID    string     `json:"batch_id" db:"batch_id"`
	Stage      Stage      `json:"stage" db:"stage"`
	EntityType EntityType `json:"entity_type" db:"entity_type"`
	Operation  Operation  `json:"operation" db:"operation"`
	Count      int        `json:"count" db:"row_count"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
	Timestamp  time.Time  `json:"timestamp" db:"emitted_at"`
}
