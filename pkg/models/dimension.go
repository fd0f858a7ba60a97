package models

import "time"

// Operation is the decision taken for a record at a pipeline stage
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationExpire Operation = "expire"
	OperationReject Operation = "reject"
	OperationNoop   Operation = "noop"
)

// EndReason records why a version was closed
type EndReason string

const (
	EndReasonSuperseded EndReason = "superseded"
	EndReasonRetired    EndReason = "retired"
)

// SurrogateKeyEntry maps a natural key to its durable surrogate key
type SurrogateKeyEntry struct {
	SurrogateKey int64      `json:"surrogate_key" db:"surrogate_key"`
	EntityType   EntityType `json:"entity_type" db:"entity_type"`
	NaturalKey   string     `json:"natural_key" db:"natural_key"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// DimensionVersion is one SCD2 row. EffectiveTo is nil while the version is open.
type DimensionVersion struct {
	VersionID     int64      `json:"version_id" db:"version_id"`
	SurrogateKey  int64      `json:"surrogate_key" db:"surrogate_key"`
	EntityType    EntityType `json:"entity_type" db:"entity_type"`
	NaturalKey    string     `json:"natural_key" db:"natural_key"`
	Attributes    Attributes `json:"attributes" db:"-"`
	RowHash       string     `json:"row_hash" db:"row_hash"`
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`
	CurrentFlag   bool       `json:"current_flag" db:"current_flag"`
	EndReason     EndReason  `json:"end_reason,omitempty" db:"end_reason"`
	BatchID       string     `json:"batch_id" db:"batch_id"`
}

// Contains reports whether t falls in the version's half-open interval [from, to)
func (v *DimensionVersion) Contains(t time.Time) bool {
	if t.Before(v.EffectiveFrom) {
		return false
	}
	return v.EffectiveTo == nil || t.Before(*v.EffectiveTo)
}

// IsOpen reports whether the version has no end
func (v *DimensionVersion) IsOpen() bool {
	return v.EffectiveTo == nil
}
