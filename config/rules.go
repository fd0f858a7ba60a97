package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Rules holds the matching and scoring configuration for every entity type
type Rules struct {
	Entities map[models.EntityType]*EntityRules `yaml:"entities" validate:"required,min=1,dive,required"`
}

// EntityRules configures normalization, matching and golden record resolution for one entity type
type EntityRules struct {
	// Required fields must be present after normalization or the record is rejected.
	Required []string `yaml:"required"`
	// NaturalKey lists the resolved fields joined to form the natural key.
	NaturalKey []string `yaml:"natural_key" validate:"required,min=1"`
	// MatchSets are alternatives: two records match when every field of any one set is equal.
	MatchSets []MatchSet `yaml:"match_sets" validate:"required,min=1,dive"`
	// SourcePriority is the default source order for attributes that do not override it.
	SourcePriority []string                  `yaml:"source_priority"`
	Attributes     map[string]*AttributeRule `yaml:"attributes" validate:"required,min=1,dive,required"`
}

// MatchSet is a conjunction of attributes that identifies an entity
type MatchSet struct {
	Fields []string `yaml:"fields" validate:"required,min=1,dive,required"`
	// Normalizers applied to a field's normalized value before it is compared.
	Normalizers map[string][]string `yaml:"normalizers"`
}

// AttributeRule configures one attribute
type AttributeRule struct {
	Normalizers       []string           `yaml:"normalizers"`
	Mandatory         bool               `yaml:"mandatory"`
	Important         bool               `yaml:"important"`
	Type1             bool               `yaml:"type1"`
	Sources           []string           `yaml:"sources"`
	Confidence        map[string]float64 `yaml:"confidence" validate:"omitempty,dive,gte=0,lte=1"`
	DefaultConfidence float64            `yaml:"default_confidence" validate:"gte=0,lte=1"`
}

// SourceRank returns the position of source in the attribute's priority list,
// falling back to the entity default. Unlisted sources rank last.
func (r *EntityRules) SourceRank(attribute, source string) int {
	order := r.SourcePriority
	if rule, ok := r.Attributes[attribute]; ok && len(rule.Sources) > 0 {
		order = rule.Sources
	}
	for i, s := range order {
		if s == source {
			return i
		}
	}
	return len(order)
}

// ConfidenceFor returns the confidence weight of source for attribute
func (r *EntityRules) ConfidenceFor(attribute, source string) float64 {
	rule, ok := r.Attributes[attribute]
	if !ok {
		return 0
	}
	if c, ok := rule.Confidence[source]; ok {
		return c
	}
	return rule.DefaultConfidence
}

// AttributeNames returns the configured attribute names in sorted order
func (r *EntityRules) AttributeNames() []string {
	names := make([]string, 0, len(r.Attributes))
	for name := range r.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Type1Fields returns the attributes that are overwritten in place rather than versioned
func (r *EntityRules) Type1Fields() map[string]bool {
	fields := make(map[string]bool)
	for name, rule := range r.Attributes {
		if rule.Type1 {
			fields[name] = true
		}
	}
	return fields
}

// For returns the rules for an entity type
func (r *Rules) For(entityType models.EntityType) (*EntityRules, error) {
	rules, ok := r.Entities[entityType]
	if !ok {
		return nil, fmt.Errorf("no rules configured for entity type %s", entityType)
	}
	return rules, nil
}

// LoadRules reads and validates a rules file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules and validates them
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Validate checks struct constraints and cross-field references
func (r *Rules) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rules: %w", err)
	}

	for entityType, rules := range r.Entities {
		if !entityType.IsValid() {
			return fmt.Errorf("invalid rules: unknown entity type %q", entityType)
		}

		known := func(field string) bool {
			_, ok := rules.Attributes[field]
			return ok
		}

		for _, field := range rules.NaturalKey {
			if !known(field) {
				return fmt.Errorf("invalid rules: %s natural key field %q is not a configured attribute", entityType, field)
			}
		}
		for _, field := range rules.Required {
			if !known(field) {
				return fmt.Errorf("invalid rules: %s required field %q is not a configured attribute", entityType, field)
			}
		}
		for i, set := range rules.MatchSets {
			for _, field := range set.Fields {
				if !known(field) {
					return fmt.Errorf("invalid rules: %s match set %d references unknown attribute %q", entityType, i, field)
				}
			}
		}
		for name, rule := range rules.Attributes {
			for _, source := range rule.Sources {
				if _, ok := rule.Confidence[source]; !ok && rule.DefaultConfidence == 0 {
					return fmt.Errorf("invalid rules: %s attribute %q lists source %q without a confidence weight", entityType, name, source)
				}
			}
		}
	}

	return nil
}
