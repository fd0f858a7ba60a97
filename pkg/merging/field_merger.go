package merging

import (
	"sort"
	"time"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Resolution names the rule that decided a contested field
const (
	ResolutionConfidence     = "confidence"
	ResolutionMostRecent     = "most_recent"
	ResolutionSourcePriority = "source_priority"
	ResolutionSourceID       = "source_id"
	ResolutionRecordID       = "record_id"
)

// FieldMerger handles field-level resolution across a cluster's contributors
type FieldMerger struct{}

// NewFieldMerger creates a new FieldMerger
func NewFieldMerger() *FieldMerger {
	return &FieldMerger{}
}

// MergedField is the outcome of resolving one field
type MergedField struct {
	Value      string
	Confidence float64
	Source     string
	Conflict   *models.MergeConflict
}

// MergeField resolves field across records. The highest-confidence non-null
// value wins; ties go to the most recent source timestamp, then the configured
// source priority, then the lexicographically smallest source id, then record id.
// ok is false when no record has a value.
func (m *FieldMerger) MergeField(field string, records []models.RawEntityRecord, rules *config.EntityRules) (MergedField, bool) {
	values := make([]fieldValue, 0, len(records))
	for _, record := range records {
		v, ok := record.Attributes.Get(field)
		if !ok {
			continue
		}
		values = append(values, fieldValue{
			Value:      v,
			Source:     record.SourceSystem,
			RecordID:   record.RecordID,
			UpdatedAt:  record.SourceTimestamp,
			Confidence: rules.ConfidenceFor(field, record.SourceSystem),
			Rank:       rules.SourceRank(field, record.SourceSystem),
		})
	}

	if len(values) == 0 {
		return MergedField{}, false
	}

	sort.SliceStable(values, func(i, j int) bool {
		return compareValues(values[i], values[j]) < 0
	})

	winner := values[0]
	result := MergedField{
		Value:      winner.Value,
		Confidence: winner.Confidence,
		Source:     winner.Source,
	}

	if conflict := m.detectConflict(field, values); conflict != nil {
		conflict.ResolvedValue = winner.Value
		conflict.Resolution = decidedBy(values[0], values[1])
		result.Conflict = conflict
	}

	return result, true
}

// detectConflict reports contributors that disagree on the value
func (m *FieldMerger) detectConflict(field string, values []fieldValue) *models.MergeConflict {
	if len(values) < 2 {
		return nil
	}

	allSame := true
	for i := 1; i < len(values); i++ {
		if values[i].Value != values[0].Value {
			allSame = false
			break
		}
	}
	if allSame {
		return nil
	}

	conflict := &models.MergeConflict{
		Field:   field,
		Values:  make([]string, len(values)),
		Sources: make([]string, len(values)),
	}
	for i, v := range values {
		conflict.Values[i] = v.Value
		conflict.Sources[i] = v.Source
	}
	return conflict
}

type fieldValue struct {
	Value      string
	Source     string
	RecordID   string
	UpdatedAt  time.Time
	Confidence float64
	Rank       int
}

// compareValues orders a before b when a should win
func compareValues(a, b fieldValue) int {
	switch {
	case a.Confidence != b.Confidence:
		if a.Confidence > b.Confidence {
			return -1
		}
		return 1
	case !a.UpdatedAt.Equal(b.UpdatedAt):
		if a.UpdatedAt.After(b.UpdatedAt) {
			return -1
		}
		return 1
	case a.Rank != b.Rank:
		if a.Rank < b.Rank {
			return -1
		}
		return 1
	case a.Source != b.Source:
		if a.Source < b.Source {
			return -1
		}
		return 1
	case a.RecordID != b.RecordID:
		if a.RecordID < b.RecordID {
			return -1
		}
		return 1
	}
	return 0
}

// decidedBy names the first rule separating the winner from the runner-up
func decidedBy(winner, runnerUp fieldValue) string {
	switch {
	case winner.Confidence != runnerUp.Confidence:
		return ResolutionConfidence
	case !winner.UpdatedAt.Equal(runnerUp.UpdatedAt):
		return ResolutionMostRecent
	case winner.Rank != runnerUp.Rank:
		return ResolutionSourcePriority
	case winner.Source != runnerUp.Source:
		return ResolutionSourceID
	default:
		return ResolutionRecordID
	}
}
