package importer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
)

var fallbackDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
}

// RowError is a typed validation or transformation failure for one cell.
type RowError struct {
	RowNumber int
	Column    string
	Kind      domain.ErrorKind
	Value     string
	Message   string
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d, column %s: %s", e.RowNumber, e.Column, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.RowNumber, e.Message)
}

// ImportError converts the failure into a persistable error record.
func (e *RowError) ImportError(sessionID uuid.UUID) domain.ImportError {
	entry := domain.ImportError{
		SessionID: sessionID,
		RowNumber: e.RowNumber,
		Kind:      e.Kind,
		Message:   e.Message,
	}
	if e.Column != "" {
		column := e.Column
		entry.Column = &column
	}
	if e.Value != "" {
		value := e.Value
		entry.RawValue = &value
	}
	return entry
}

// Transformer maps raw rows onto typed field maps using a template's field
// mappings. Compiled validation regexes are cached across rows.
type Transformer struct {
	regexes map[string]*regexp.Regexp
}

// NewTransformer creates a transformer for one run.
func NewTransformer() *Transformer {
	return &Transformer{regexes: make(map[string]*regexp.Regexp)}
}

// Transform converts one raw row into a field map. A row yields either a
// fully populated map or the first failure encountered, left to right in
// mapping order.
func (t *Transformer) Transform(row Row, header []string, template domain.Template) (map[string]any, *RowError) {
	fields := make(map[string]any, len(template.Mappings))

	for _, mapping := range template.Mappings {
		raw, found := locateCell(row.Cells, header, mapping)
		raw = strings.TrimSpace(raw)

		if !found || raw == "" {
			if mapping.DefaultValue != "" {
				raw = mapping.DefaultValue
			} else if mapping.Required {
				return nil, &RowError{
					RowNumber: row.Number,
					Column:    columnLabel(mapping),
					Kind:      domain.ErrorKindMissingRequiredField,
					Message:   fmt.Sprintf("required field %s has no value", mapping.TargetField),
				}
			} else {
				continue
			}
		}

		if mapping.ValidationRegex != "" {
			pattern, err := t.compiled(mapping.ValidationRegex)
			if err != nil {
				return nil, &RowError{
					RowNumber: row.Number,
					Column:    columnLabel(mapping),
					Kind:      domain.ErrorKindValidation,
					Value:     raw,
					Message:   fmt.Sprintf("invalid validation regex: %v", err),
				}
			}
			if !pattern.MatchString(raw) {
				return nil, &RowError{
					RowNumber: row.Number,
					Column:    columnLabel(mapping),
					Kind:      domain.ErrorKindValidation,
					Value:     raw,
					Message:   fmt.Sprintf("value %q does not match pattern %s", raw, mapping.ValidationRegex),
				}
			}
		}

		value, err := coerceValue(mapping, raw)
		if err != nil {
			return nil, &RowError{
				RowNumber: row.Number,
				Column:    columnLabel(mapping),
				Kind:      domain.ErrorKindTypeCoercion,
				Value:     raw,
				Message:   err.Error(),
			}
		}

		if mapping.TransformRule != "" {
			value, err = applyTransformRule(mapping.TransformRule, value)
			if err != nil {
				return nil, &RowError{
					RowNumber: row.Number,
					Column:    columnLabel(mapping),
					Kind:      domain.ErrorKindTransformation,
					Value:     raw,
					Message:   err.Error(),
				}
			}
		}

		fields[mapping.TargetField] = value
	}

	return fields, nil
}

func (t *Transformer) compiled(pattern string) (*regexp.Regexp, error) {
	if compiled, ok := t.regexes[pattern]; ok {
		return compiled, nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	t.regexes[pattern] = compiled
	return compiled, nil
}

// locateCell finds the raw cell for a mapping, by 1-based index when set,
// otherwise by case-insensitive header name.
func locateCell(cells, header []string, mapping domain.FieldMapping) (string, bool) {
	if mapping.SourceIndex > 0 {
		idx := mapping.SourceIndex - 1
		if idx >= len(cells) {
			return "", false
		}
		return cells[idx], true
	}
	want := strings.TrimSpace(mapping.SourceColumn)
	for i, name := range header {
		if strings.EqualFold(name, want) {
			if i >= len(cells) {
				return "", false
			}
			return cells[i], true
		}
	}
	return "", false
}

func columnLabel(mapping domain.FieldMapping) string {
	if mapping.SourceColumn != "" {
		return mapping.SourceColumn
	}
	if mapping.SourceIndex > 0 {
		return fmt.Sprintf("column_%d", mapping.SourceIndex)
	}
	return mapping.TargetField
}

func coerceValue(mapping domain.FieldMapping, raw string) (any, error) {
	switch mapping.Type {
	case domain.FieldTypeString:
		return raw, nil
	case domain.FieldTypeInteger:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(normalizeDecimal(raw), 64); err == nil && math.Mod(f, 1) == 0 {
			return int64(f), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.FieldTypeFloat:
		if f, err := strconv.ParseFloat(normalizeDecimal(raw), 64); err == nil {
			return f, nil
		}
		return nil, fmt.Errorf("unable to coerce %q to float", raw)
	case domain.FieldTypeBoolean:
		value := strings.ToLower(strings.TrimSpace(raw))
		switch value {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return boolVal, nil
	case domain.FieldTypeDate:
		return coerceDate(raw, mapping.DateFormat)
	default:
		return nil, fmt.Errorf("unknown field type %q", mapping.Type)
	}
}

func coerceDate(raw, layout string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if layout != "" {
		ts, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("unable to coerce %q to date with layout %s", raw, layout)
		}
		return ts, nil
	}
	for _, fallback := range fallbackDateLayouts {
		if ts, err := time.Parse(fallback, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to coerce %q to date", raw)
}

// normalizeDecimal accepts comma decimal separators common in exported data.
func normalizeDecimal(raw string) string {
	if strings.Count(raw, ",") == 1 && !strings.Contains(raw, ".") {
		return strings.Replace(raw, ",", ".", 1)
	}
	return raw
}

// applyTransformRule applies one declarative rule to a coerced value. Rules
// are a fixed set; this is deliberately not a scripting surface.
func applyTransformRule(rule string, value any) (any, error) {
	name, arg := rule, ""
	if idx := strings.Index(rule, ":"); idx >= 0 {
		name, arg = rule[:idx], rule[idx+1:]
	}
	name = strings.ToUpper(strings.TrimSpace(name))

	switch name {
	case "TRIM", "UPPERCASE", "LOWERCASE", "CAPITALIZE", "NORMALIZE_SPACE", "PREFIX", "SUFFIX", "REPLACE":
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("transform rule %s requires a string value", name)
		}
		return applyStringRule(name, arg, text)
	case "ROUND", "ABS":
		return applyNumericRule(name, value)
	default:
		return nil, fmt.Errorf("unknown transform rule %q", rule)
	}
}

func applyStringRule(name, arg, text string) (string, error) {
	switch name {
	case "TRIM":
		return strings.TrimSpace(text), nil
	case "UPPERCASE":
		return strings.ToUpper(text), nil
	case "LOWERCASE":
		return strings.ToLower(text), nil
	case "CAPITALIZE":
		if text == "" {
			return text, nil
		}
		return strings.ToUpper(text[:1]) + text[1:], nil
	case "NORMALIZE_SPACE":
		return strings.Join(strings.Fields(text), " "), nil
	case "PREFIX":
		return arg + text, nil
	case "SUFFIX":
		return text + arg, nil
	case "REPLACE":
		from, to, found := strings.Cut(arg, "=")
		if !found {
			return "", fmt.Errorf("REPLACE rule requires old=new argument")
		}
		return strings.ReplaceAll(text, from, to), nil
	}
	return "", fmt.Errorf("unknown string rule %q", name)
}

func applyNumericRule(name string, value any) (any, error) {
	switch v := value.(type) {
	case int64:
		if name == "ABS" && v < 0 {
			return -v, nil
		}
		return v, nil
	case float64:
		switch name {
		case "ROUND":
			return math.Round(v), nil
		case "ABS":
			return math.Abs(v), nil
		}
	}
	return nil, fmt.Errorf("transform rule %s requires a numeric value", name)
}
