package models

import "time"

// ReasonCode classifies why a record, cluster or fact row was rejected
type ReasonCode string

const (
	ReasonValidationFailed    ReasonCode = "validation_failed"
	ReasonUnresolvableCluster ReasonCode = "unresolvable_cluster"
	ReasonOutOfOrderUpdate    ReasonCode = "out_of_order_update"
	ReasonDanglingReference   ReasonCode = "dangling_reference"
	ReasonRegistryConflict    ReasonCode = "registry_conflict"
	ReasonMissingDate         ReasonCode = "missing_date"
	ReasonFactImmutable       ReasonCode = "fact_immutable"
)

// RejectEntry is one line of the operator reject report
type RejectEntry struct {
	ID              string         `json:"id" db:"id"`
	BatchID         string         `json:"batch_id" db:"batch_id"`
	Stage           Stage          `json:"stage" db:"stage"`
	EntityType      EntityType     `json:"entity_type" db:"entity_type"`
	ReasonCode      ReasonCode     `json:"reason_code" db:"reason_code"`
	Message         string         `json:"message" db:"message"`
	NaturalKey      string         `json:"natural_key,omitempty" db:"natural_key"`
	SourceRecordIDs []string       `json:"source_record_ids" db:"-"`
	Context         map[string]any `json:"context,omitempty" db:"-"`
	RejectedAt      time.Time      `json:"rejected_at" db:"rejected_at"`
}
