package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("import session not found")

	// ErrSessionStatusConflict indicates that a session cannot transition to
	// the requested state.
	ErrSessionStatusConflict = errors.New("import session status conflict")
)

type sessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository wires a repository backed by pgxpool.
func NewSessionRepository(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepository{pool: pool}
}

func (r *sessionRepository) Create(ctx context.Context, session domain.ImportSession) (domain.ImportSession, error) {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO import_sessions (id, template_id, file_name, status, validate_only, started_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		session.ID,
		session.TemplateID,
		session.FileName,
		string(session.Status),
		session.ValidateOnly,
	)
	if err != nil {
		return domain.ImportSession{}, fmt.Errorf("insert session: %w", err)
	}
	return r.GetByID(ctx, session.ID)
}

func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportSession, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT id, template_id, file_name, status, total_rows, processed_rows, success_rows,
		        error_rows, duplicate_rows, validate_only, is_cancelled, error_message,
		        started_at, completed_at, updated_at
		 FROM import_sessions WHERE id = $1`,
		id,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportSession{}, ErrSessionNotFound
		}
		return domain.ImportSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (r *sessionRepository) List(ctx context.Context, statuses []domain.SessionStatus, limit, offset int) ([]domain.ImportSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	statusValues := make([]string, len(statuses))
	for i, status := range statuses {
		statusValues[i] = string(status)
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, template_id, file_name, status, total_rows, processed_rows, success_rows,
		        error_rows, duplicate_rows, validate_only, is_cancelled, error_message,
		        started_at, completed_at, updated_at
		 FROM import_sessions
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		statusValues,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.ImportSession{}
	for rows.Next() {
		session, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan session: %w", scanErr)
		}
		sessions = append(sessions, session)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate sessions: %w", rowsErr)
	}
	return sessions, nil
}

func (r *sessionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.SessionStatus) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		id,
		string(from),
		string(to),
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionStatusConflict
	}
	return nil
}

func (r *sessionRepository) SetTotalRows(ctx context.Context, id uuid.UUID, totalRows int) error {
	if totalRows < 0 {
		totalRows = 0
	}
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions SET total_rows = $2, updated_at = NOW() WHERE id = $1`,
		id,
		totalRows,
	)
	if err != nil {
		return fmt.Errorf("set session total rows: %w", err)
	}
	return nil
}

// UpdateCounters flushes the session counters computed by the orchestrator.
// The batch checkpoint other readers observe is exactly this write.
func (r *sessionRepository) UpdateCounters(ctx context.Context, session domain.ImportSession) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions
		 SET processed_rows = $2, success_rows = $3, error_rows = $4, duplicate_rows = $5, updated_at = NOW()
		 WHERE id = $1`,
		session.ID,
		session.ProcessedRows,
		session.SuccessRows,
		session.ErrorRows,
		session.DuplicateRows,
	)
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}
	return nil
}

func (r *sessionRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions
		 SET status = $2, error_message = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`,
		id,
		string(domain.SessionStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return nil
}

func (r *sessionRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	msg := pgtype.Text{}
	if errorMessage != "" {
		msg = pgtype.Text{String: errorMessage, Valid: true}
	}
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions
		 SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`,
		id,
		string(domain.SessionStatusFailed),
		msg,
	)
	if err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	return nil
}

// MarkCancelled finalizes a cancelled session. Cancellation is not an error,
// so any previous error message is cleared.
func (r *sessionRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_sessions
		 SET status = $2, is_cancelled = TRUE, error_message = NULL, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`,
		id,
		string(domain.SessionStatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("mark session cancelled: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (domain.ImportSession, error) {
	var (
		session      domain.ImportSession
		status       string
		errorMessage pgtype.Text
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
		updatedAt    pgtype.Timestamptz
	)
	if err := row.Scan(
		&session.ID,
		&session.TemplateID,
		&session.FileName,
		&status,
		&session.TotalRows,
		&session.ProcessedRows,
		&session.SuccessRows,
		&session.ErrorRows,
		&session.DuplicateRows,
		&session.ValidateOnly,
		&session.IsCancelled,
		&errorMessage,
		&startedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		return domain.ImportSession{}, err
	}

	session.Status = domain.SessionStatus(status)
	if errorMessage.Valid {
		value := errorMessage.String
		session.ErrorMessage = &value
	}
	if startedAt.Valid {
		session.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		value := completedAt.Time
		session.CompletedAt = &value
	}
	if updatedAt.Valid {
		session.UpdatedAt = updatedAt.Time
	}
	return session, nil
}
