package domain

import (
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies a row or batch level import failure.
type ErrorKind string

const (
	ErrorKindMissingRequiredField ErrorKind = "MISSING_REQUIRED_FIELD"
	ErrorKindTypeCoercion         ErrorKind = "TYPE_COERCION_ERROR"
	ErrorKindValidation           ErrorKind = "VALIDATION_ERROR"
	ErrorKindTransformation       ErrorKind = "TRANSFORMATION_ERROR"
	ErrorKindDuplicate            ErrorKind = "DUPLICATE_ERROR"
	ErrorKindPersistence          ErrorKind = "PERSISTENCE_ERROR"
)

// ImportError captures one failed row within a session. Append-only.
type ImportError struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	RowNumber int       `json:"row_number"`
	Column    *string   `json:"column,omitempty"`
	RawValue  *string   `json:"raw_value,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
