package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"
)

// duplicateKeySeparator joins multiple unique field values into one stable
// key.
const duplicateKeySeparator = "||"

// KeyLookup is the subset of record storage the checker needs.
type KeyLookup interface {
	ExistingKeys(ctx context.Context, entityType string, keys []string) (map[string]struct{}, error)
}

// DuplicateChecker tracks duplicate keys for one run. It consults the in-run
// set first (covers intra-batch and intra-file repeats not yet committed),
// then the entity store. Not safe for concurrent use; one checker serves one
// session.
type DuplicateChecker struct {
	lookup KeyLookup
	seen   map[string]map[string]struct{}
}

// NewDuplicateChecker creates a checker scoped to one run.
func NewDuplicateChecker(lookup KeyLookup) *DuplicateChecker {
	return &DuplicateChecker{
		lookup: lookup,
		seen:   make(map[string]map[string]struct{}),
	}
}

// Key derives the deterministic duplicate key from the fields the template
// marks unique, in declaration order. Returns "" when the template defines no
// unique fields.
func (c *DuplicateChecker) Key(fields map[string]any, template domain.Template) string {
	unique := template.UniqueMappings()
	if len(unique) == 0 {
		return ""
	}
	parts := make([]string, len(unique))
	for i, mapping := range unique {
		parts[i] = formatKeyPart(fields[mapping.TargetField])
	}
	return strings.Join(parts, duplicateKeySeparator)
}

// CheckAndRegister reports whether the key is new. A miss in both the in-run
// set and the store registers the key and accepts the record; a hit in either
// rejects it without registering again.
func (c *DuplicateChecker) CheckAndRegister(ctx context.Context, entityType, key string) (bool, error) {
	if key == "" {
		return true, nil
	}

	keys := c.seen[entityType]
	if keys == nil {
		keys = make(map[string]struct{})
		c.seen[entityType] = keys
	}
	if _, dup := keys[key]; dup {
		return false, nil
	}

	existing, err := c.lookup.ExistingKeys(ctx, entityType, []string{key})
	if err != nil {
		return false, fmt.Errorf("check duplicate key: %w", err)
	}
	if _, dup := existing[key]; dup {
		return false, nil
	}

	keys[key] = struct{}{}
	return true, nil
}

func formatKeyPart(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
