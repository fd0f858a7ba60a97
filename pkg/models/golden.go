package models

import "time"

// GoldenRecord is the single authoritative attribute set resolved for a cluster.
// KeyCandidates holds the distinct natural keys the contributors carry on their
// own; the registry uses them to find a member registered by an earlier batch.
type GoldenRecord struct {
	EntityType      EntityType         `json:"entity_type"`
	NaturalKey      string             `json:"natural_key"`
	KeyCandidates   []string           `json:"key_candidates,omitempty"`
	Attributes      Attributes         `json:"attributes"`
	Confidence      map[string]float64 `json:"confidence"`
	SourceRecordIDs []string           `json:"source_record_ids"`
	SourceSystems   []string           `json:"source_systems"`
	GoldenScore     int                `json:"golden_score"`
	Retired         bool               `json:"retired"`
	AsOf            time.Time          `json:"as_of"`
	ResolvedAt      time.Time          `json:"resolved_at"`
	Conflicts       []MergeConflict    `json:"conflicts,omitempty"`
}

// MergeConflict represents contributors disagreeing on a field
type MergeConflict struct {
	Field         string   `json:"field"`
	Values        []string `json:"values"`
	Sources       []string `json:"sources"`
	Resolution    string   `json:"resolution"`
	ResolvedValue string   `json:"resolved_value"`
}
