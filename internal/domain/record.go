package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ImportRecord is one transformed row destined for the entity store.
type ImportRecord struct {
	ID           uuid.UUID      `json:"id"`
	SessionID    uuid.UUID      `json:"session_id"`
	EntityType   string         `json:"entity_type"`
	RowNumber    int            `json:"row_number"`
	DuplicateKey string         `json:"duplicate_key,omitempty"`
	Fields       map[string]any `json:"fields"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewImportRecord builds a record for a transformed row.
func NewImportRecord(sessionID uuid.UUID, entityType string, rowNumber int, fields map[string]any) ImportRecord {
	return ImportRecord{
		ID:         uuid.New(),
		SessionID:  sessionID,
		EntityType: entityType,
		RowNumber:  rowNumber,
		Fields:     fields,
		CreatedAt:  time.Now(),
	}
}

// FieldsToJSON marshals the record fields into the JSONB layout stored in
// Postgres.
func (r ImportRecord) FieldsToJSON() (json.RawMessage, error) {
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}

// FieldsFromJSON hydrates a stored fields payload.
func FieldsFromJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
