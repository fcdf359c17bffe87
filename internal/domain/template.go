package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldType enumerates the target types a mapped column can coerce to.
type FieldType string

const (
	FieldTypeString  FieldType = "STRING"
	FieldTypeInteger FieldType = "INTEGER"
	FieldTypeFloat   FieldType = "FLOAT"
	FieldTypeBoolean FieldType = "BOOLEAN"
	FieldTypeDate    FieldType = "DATE"
)

// DuplicatePolicy controls how repeated duplicate keys are treated.
type DuplicatePolicy string

const (
	DuplicatePolicyAllowAll       DuplicatePolicy = "ALLOW_ALL"
	DuplicatePolicySkipDuplicates DuplicatePolicy = "SKIP_DUPLICATES"
)

// ErrorPolicy controls whether a row-level failure aborts the whole run.
type ErrorPolicy string

const (
	ErrorPolicyContinue ErrorPolicy = "CONTINUE_ON_ERROR"
	ErrorPolicyStop     ErrorPolicy = "STOP_ON_ERROR"
)

// FieldMapping maps one source column onto one target field.
// SourceIndex is 1-based; when zero the column is located by SourceColumn
// against the file's header row.
type FieldMapping struct {
	SourceColumn    string    `json:"source_column,omitempty"`
	SourceIndex     int       `json:"source_index,omitempty"`
	TargetField     string    `json:"target_field"`
	Type            FieldType `json:"type"`
	Required        bool      `json:"required"`
	Unique          bool      `json:"unique"`
	DefaultValue    string    `json:"default_value,omitempty"`
	DateFormat      string    `json:"date_format,omitempty"`
	TransformRule   string    `json:"transform_rule,omitempty"`
	ValidationRegex string    `json:"validation_regex,omitempty"`
}

// Template is the reusable configuration that drives an import run.
// Mappings are treated as immutable once a session referencing the template
// has started.
type Template struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	EntityType      string          `json:"entity_type"`
	DuplicatePolicy DuplicatePolicy `json:"duplicate_policy"`
	ErrorPolicy     ErrorPolicy     `json:"error_policy"`
	Delimiter       string          `json:"delimiter,omitempty"`
	Encoding        string          `json:"encoding,omitempty"`
	SkipRows        int             `json:"skip_rows"`
	Mappings        []FieldMapping  `json:"mappings"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewTemplate creates a template with defaults applied.
func NewTemplate(name, entityType string, mappings []FieldMapping) Template {
	now := time.Now()
	return Template{
		ID:              uuid.New(),
		Name:            name,
		EntityType:      entityType,
		DuplicatePolicy: DuplicatePolicyAllowAll,
		ErrorPolicy:     ErrorPolicyContinue,
		Mappings:        append([]FieldMapping(nil), mappings...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Validate checks that a template is internally consistent before it is
// persisted or used to start a session.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(t.EntityType) == "" {
		return errors.New("entity type is required")
	}
	if len(t.Mappings) == 0 {
		return errors.New("at least one field mapping is required")
	}
	switch t.DuplicatePolicy {
	case DuplicatePolicyAllowAll, DuplicatePolicySkipDuplicates:
	default:
		return fmt.Errorf("unknown duplicate policy %q", t.DuplicatePolicy)
	}
	switch t.ErrorPolicy {
	case ErrorPolicyContinue, ErrorPolicyStop:
	default:
		return fmt.Errorf("unknown error policy %q", t.ErrorPolicy)
	}
	seen := make(map[string]struct{}, len(t.Mappings))
	for _, mapping := range t.Mappings {
		target := strings.TrimSpace(mapping.TargetField)
		if target == "" {
			return errors.New("field mapping is missing a target field")
		}
		if _, dup := seen[target]; dup {
			return fmt.Errorf("duplicate target field %q", target)
		}
		seen[target] = struct{}{}
		if mapping.SourceIndex < 0 {
			return fmt.Errorf("field %q: source index must be positive", target)
		}
		if mapping.SourceIndex == 0 && strings.TrimSpace(mapping.SourceColumn) == "" {
			return fmt.Errorf("field %q: source column or index is required", target)
		}
		switch mapping.Type {
		case FieldTypeString, FieldTypeInteger, FieldTypeFloat, FieldTypeBoolean, FieldTypeDate:
		default:
			return fmt.Errorf("field %q: unknown type %q", target, mapping.Type)
		}
		if mapping.ValidationRegex != "" {
			if _, err := regexp.Compile(mapping.ValidationRegex); err != nil {
				return fmt.Errorf("field %q: invalid validation regex: %w", target, err)
			}
		}
	}
	if t.DuplicatePolicy == DuplicatePolicySkipDuplicates && len(t.UniqueMappings()) == 0 {
		return errors.New("SKIP_DUPLICATES requires at least one unique field mapping")
	}
	return nil
}

// UniqueMappings returns the mappings whose values form the duplicate key,
// in declaration order.
func (t Template) UniqueMappings() []FieldMapping {
	var unique []FieldMapping
	for _, mapping := range t.Mappings {
		if mapping.Unique {
			unique = append(unique, mapping)
		}
	}
	return unique
}

// MappingsToJSON marshals the field mappings into the JSONB layout stored in
// Postgres.
func (t Template) MappingsToJSON() (json.RawMessage, error) {
	mappings := t.Mappings
	if mappings == nil {
		mappings = []FieldMapping{}
	}
	return json.Marshal(mappings)
}

// MappingsFromJSON unmarshals persisted mapping JSON.
func MappingsFromJSON(data []byte) ([]FieldMapping, error) {
	if len(data) == 0 {
		return []FieldMapping{}, nil
	}
	var mappings []FieldMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, err
	}
	if mappings == nil {
		mappings = []FieldMapping{}
	}
	return mappings, nil
}
