package repository

import (
	"context"
	"fmt"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type importErrorRepository struct {
	pool *pgxpool.Pool
}

// NewImportErrorRepository wires a repository backed by pgxpool.
func NewImportErrorRepository(pool *pgxpool.Pool) ImportErrorRepository {
	return &importErrorRepository{pool: pool}
}

func (r *importErrorRepository) Record(ctx context.Context, entry domain.ImportError) error {
	if r.pool == nil {
		return fmt.Errorf("import error repository not initialized")
	}

	column := pgtype.Text{}
	if entry.Column != nil && *entry.Column != "" {
		column = pgtype.Text{String: *entry.Column, Valid: true}
	}
	rawValue := pgtype.Text{}
	if entry.RawValue != nil {
		rawValue = pgtype.Text{String: *entry.RawValue, Valid: true}
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO import_errors (session_id, row_number, column_name, raw_value, kind, message)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.SessionID,
		entry.RowNumber,
		column,
		rawValue,
		string(entry.Kind),
		entry.Message,
	)
	if err != nil {
		return fmt.Errorf("record import error: %w", err)
	}
	return nil
}

func (r *importErrorRepository) List(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]domain.ImportError, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, session_id, row_number, column_name, raw_value, kind, message, created_at
		 FROM import_errors
		 WHERE session_id = $1
		 ORDER BY row_number ASC, created_at ASC
		 LIMIT $2 OFFSET $3`,
		sessionID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list import errors: %w", err)
	}
	defer rows.Close()

	entries := []domain.ImportError{}
	for rows.Next() {
		var (
			entry     domain.ImportError
			column    pgtype.Text
			rawValue  pgtype.Text
			kind      string
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.RowNumber,
			&column,
			&rawValue,
			&kind,
			&entry.Message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan import error: %w", scanErr)
		}

		if column.Valid {
			value := column.String
			entry.Column = &value
		}
		if rawValue.Valid {
			value := rawValue.String
			entry.RawValue = &value
		}
		entry.Kind = domain.ErrorKind(kind)
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate import errors: %w", rowsErr)
	}
	return entries, nil
}

func (r *importErrorRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM import_errors WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count import errors: %w", err)
	}
	return count, nil
}
