package models

import (
	"sort"
	"time"
)

// EntityType identifies a master-data dimension
type EntityType string

const (
	EntityTypeCustomer EntityType = "customer"
	EntityTypeProduct  EntityType = "product"
	EntityTypeCountry  EntityType = "country"
)

// EntityTypes lists the dimensions in load order
var EntityTypes = []EntityType{EntityTypeCustomer, EntityTypeProduct, EntityTypeCountry}

// IsValid reports whether t is a known entity type
func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeCustomer, EntityTypeProduct, EntityTypeCountry:
		return true
	}
	return false
}

// ChangeType is the upstream change marker carried by a clean record
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "I"
	ChangeTypeUpdate ChangeType = "U"
	ChangeTypeDelete ChangeType = "D"
)

// Attributes maps attribute names to values. A missing key is a null.
type Attributes map[string]string

// Get returns the value for name and whether it is present and non-empty
func (a Attributes) Get(name string) (string, bool) {
	v, ok := a[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Clone returns a shallow copy
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RawEntityRecord is a clean (post-DQ) source record for one entity
type RawEntityRecord struct {
	RecordID        string     `json:"record_id" db:"record_id"`
	SourceSystem    string     `json:"source_system" db:"source_system"`
	EntityType      EntityType `json:"entity_type" db:"entity_type"`
	ChangeType      ChangeType `json:"change_type" db:"change_type"`
	Attributes      Attributes `json:"attributes" db:"-"`
	BatchID         string     `json:"batch_id" db:"batch_id"`
	SourceTimestamp time.Time  `json:"source_timestamp" db:"source_timestamp"`
}

// EntityCluster is a set of records believed to describe the same real-world entity
type EntityCluster struct {
	EntityType EntityType        `json:"entity_type"`
	ClusterKey string            `json:"cluster_key"`
	Records    []RawEntityRecord `json:"records"`
}

// RecordIDs returns the ids of the cluster's records
func (c *EntityCluster) RecordIDs() []string {
	ids := make([]string, len(c.Records))
	for i, r := range c.Records {
		ids[i] = r.RecordID
	}
	return ids
}
