package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RejectError is implemented by errors that reject a single record, cluster or
// fact row without aborting the run.
type RejectError interface {
	error
	ReasonCode() ReasonCode
}

// AsRejectError unwraps err into a RejectError
func AsRejectError(err error) (RejectError, bool) {
	var rej RejectError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// ValidationError is returned when a record lacks required fields after normalization
type ValidationError struct {
	EntityType    EntityType
	RecordID      string
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s record %s is missing required fields: %s", e.EntityType, e.RecordID, strings.Join(e.MissingFields, ", "))
}

func (e *ValidationError) ReasonCode() ReasonCode { return ReasonValidationFailed }

// UnresolvableClusterError is returned when no contributor supplies a mandatory field
type UnresolvableClusterError struct {
	EntityType    EntityType
	ClusterKey    string
	RecordIDs     []string
	MissingFields []string
}

func (e *UnresolvableClusterError) Error() string {
	return fmt.Sprintf("%s cluster %s has no value for mandatory fields: %s", e.EntityType, e.ClusterKey, strings.Join(e.MissingFields, ", "))
}

func (e *UnresolvableClusterError) ReasonCode() ReasonCode { return ReasonUnresolvableCluster }

// OutOfOrderUpdateError is returned when an update is older than the version it would supersede
type OutOfOrderUpdateError struct {
	EntityType    EntityType
	SurrogateKey  int64
	AsOf          time.Time
	EffectiveFrom time.Time
}

func (e *OutOfOrderUpdateError) Error() string {
	return fmt.Sprintf("%s surrogate key %d: update as of %s precedes current version effective from %s",
		e.EntityType, e.SurrogateKey, e.AsOf.Format(time.RFC3339), e.EffectiveFrom.Format(time.RFC3339))
}

func (e *OutOfOrderUpdateError) ReasonCode() ReasonCode { return ReasonOutOfOrderUpdate }

// DanglingReferenceError is returned when a fact references no dimension version valid at its date
type DanglingReferenceError struct {
	EntityType   EntityType
	NaturalKey   string
	BusinessDate time.Time
	Reason       string
	Code         ReasonCode
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("%s %q has no version valid on %s: %s", e.EntityType, e.NaturalKey, e.BusinessDate.Format("2006-01-02"), e.Reason)
}

func (e *DanglingReferenceError) ReasonCode() ReasonCode {
	if e.Code != "" {
		return e.Code
	}
	return ReasonDanglingReference
}

// RegistryConflictError is returned when surrogate key allocation raced and the retry also failed
type RegistryConflictError struct {
	EntityType EntityType
	NaturalKey string
	Cause      error
}

func (e *RegistryConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("surrogate key allocation for %s %q conflicted: %v", e.EntityType, e.NaturalKey, e.Cause)
	}
	return fmt.Sprintf("surrogate key allocation for %s %q conflicted", e.EntityType, e.NaturalKey)
}

func (e *RegistryConflictError) ReasonCode() ReasonCode { return ReasonRegistryConflict }

func (e *RegistryConflictError) Unwrap() error { return e.Cause }

// FactImmutableError is returned when a later batch tries to rewrite a fact row
type FactImmutableError struct {
	OrderID       string
	LineID        string
	ExistingBatch string
}

func (e *FactImmutableError) Error() string {
	return fmt.Sprintf("fact %s/%s was written by batch %s and is immutable", e.OrderID, e.LineID, e.ExistingBatch)
}

func (e *FactImmutableError) ReasonCode() ReasonCode { return ReasonFactImmutable }

// ErrConflict is returned by stores when a unique constraint rejects a write
var ErrConflict = errors.New("conflict")
