package normalizers

import (
	"fmt"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

// EntityNormalizer canonicalizes clean records using the configured chain per attribute
type EntityNormalizer struct {
	rules *config.Rules
}

// NewEntityNormalizer creates an EntityNormalizer and checks every configured normalizer exists
func NewEntityNormalizer(rules *config.Rules) (*EntityNormalizer, error) {
	for entityType, entityRules := range rules.Entities {
		for attribute, rule := range entityRules.Attributes {
			for _, name := range rule.Normalizers {
				if _, ok := Get(name); !ok {
					return nil, fmt.Errorf("%s attribute %q uses unknown normalizer %q", entityType, attribute, name)
				}
			}
		}
		for _, set := range entityRules.MatchSets {
			for field, chain := range set.Normalizers {
				for _, name := range chain {
					if _, ok := Get(name); !ok {
						return nil, fmt.Errorf("%s match field %q uses unknown normalizer %q", entityType, field, name)
					}
				}
			}
		}
	}

	return &EntityNormalizer{rules: rules}, nil
}

// Normalize returns the normalized attributes of a record. Only configured
// attributes are kept, and null sentinels are dropped. A record missing a
// required field fails with a ValidationError.
func (n *EntityNormalizer) Normalize(record models.RawEntityRecord) (models.Attributes, error) {
	entityRules, err := n.rules.For(record.EntityType)
	if err != nil {
		return nil, err
	}

	out := make(models.Attributes, len(entityRules.Attributes))
	for attribute, rule := range entityRules.Attributes {
		raw, ok := record.Attributes[attribute]
		if !ok || IsNullSentinel(raw) {
			continue
		}

		value := ApplyChain(raw, rule.Normalizers...)
		if IsNullSentinel(value) {
			continue
		}
		out[attribute] = value
	}

	var missing []string
	for _, field := range entityRules.Required {
		if _, ok := out.Get(field); !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &models.ValidationError{
			EntityType:    record.EntityType,
			RecordID:      record.RecordID,
			MissingFields: missing,
		}
	}

	return out, nil
}

// NormalizeRecord returns a copy of the record carrying normalized attributes
func (n *EntityNormalizer) NormalizeRecord(record models.RawEntityRecord) (models.RawEntityRecord, error) {
	attributes, err := n.Normalize(record)
	if err != nil {
		return models.RawEntityRecord{}, err
	}

	normalized := record
	normalized.Attributes = attributes
	if normalized.ChangeType == "" {
		normalized.ChangeType = models.ChangeTypeInsert
	}
	return normalized, nil
}
