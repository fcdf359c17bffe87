package repository

import (
	"context"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
)

// TemplateRepository defines the interface for import template operations.
type TemplateRepository interface {
	Create(ctx context.Context, template domain.Template) (domain.Template, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Template, error)
	List(ctx context.Context) ([]domain.Template, error)
	Update(ctx context.Context, template domain.Template) (domain.Template, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionRepository defines the interface for import session lifecycle
// operations. Status transitions are conditional; a transition attempted from
// a disallowed state returns ErrSessionStatusConflict.
type SessionRepository interface {
	Create(ctx context.Context, session domain.ImportSession) (domain.ImportSession, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ImportSession, error)
	List(ctx context.Context, statuses []domain.SessionStatus, limit, offset int) ([]domain.ImportSession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.SessionStatus) error
	SetTotalRows(ctx context.Context, id uuid.UUID, totalRows int) error
	UpdateCounters(ctx context.Context, session domain.ImportSession) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

// RecordRepository persists transformed rows and answers duplicate-key
// lookups against already committed data.
type RecordRepository interface {
	CreateBatch(ctx context.Context, records []domain.ImportRecord) (int, error)
	CreateOne(ctx context.Context, record domain.ImportRecord) error
	ExistingKeys(ctx context.Context, entityType string, keys []string) (map[string]struct{}, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// ImportErrorRepository stores row-level failures for observability.
type ImportErrorRepository interface {
	Record(ctx context.Context, entry domain.ImportError) error
	List(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.ImportError, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error)
}
