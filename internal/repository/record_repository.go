package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/dimon1976/zoomos-v4-sub001/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateKey indicates the store rejected an insert because of the
// uniqueness backstop on (entity_type, duplicate_key).
var ErrDuplicateKey = errors.New("duplicate key already persisted")

const uniqueViolationCode = "23505"

type recordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository wires a repository backed by pgxpool.
func NewRecordRepository(pool *pgxpool.Pool) RecordRepository {
	return &recordRepository{pool: pool}
}

const insertRecordSQL = `INSERT INTO import_records (id, session_id, entity_type, row_number, duplicate_key, fields)
 VALUES ($1, $2, $3, $4, $5, $6)`

// CreateBatch inserts all records inside one transaction. Either the whole
// batch commits or none of it does; a uniqueness violation surfaces as
// ErrDuplicateKey so the caller can fall back to per-row inserts.
func (r *recordRepository) CreateBatch(ctx context.Context, records []domain.ImportRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin batch insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, record := range records {
		fieldsJSON, marshalErr := record.FieldsToJSON()
		if marshalErr != nil {
			return 0, fmt.Errorf("marshal record fields: %w", marshalErr)
		}
		batch.Queue(insertRecordSQL,
			record.ID,
			record.SessionID,
			record.EntityType,
			record.RowNumber,
			duplicateKeyParam(record.DuplicateKey),
			fieldsJSON,
		)
	}

	results := tx.SendBatch(ctx, batch)
	var execErr error
	for range records {
		if _, err := results.Exec(); err != nil && execErr == nil {
			execErr = err
		}
	}
	if closeErr := results.Close(); closeErr != nil && execErr == nil {
		execErr = closeErr
	}
	if execErr != nil {
		if isUniqueViolation(execErr) {
			return 0, fmt.Errorf("%w: %v", ErrDuplicateKey, execErr)
		}
		return 0, fmt.Errorf("batch insert records: %w", execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit batch insert: %w", err)
	}
	return len(records), nil
}

// CreateOne inserts a single record, used for the per-row fallback after a
// bulk uniqueness failure.
func (r *recordRepository) CreateOne(ctx context.Context, record domain.ImportRecord) error {
	fieldsJSON, err := record.FieldsToJSON()
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	_, err = r.pool.Exec(ctx, insertRecordSQL,
		record.ID,
		record.SessionID,
		record.EntityType,
		record.RowNumber,
		duplicateKeyParam(record.DuplicateKey),
		fieldsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ExistingKeys returns the subset of keys already committed for the entity
// type.
func (r *recordRepository) ExistingKeys(ctx context.Context, entityType string, keys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(keys) == 0 {
		return existing, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT DISTINCT duplicate_key FROM import_records
		 WHERE entity_type = $1 AND duplicate_key = ANY($2)`,
		entityType,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("look up existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			return nil, fmt.Errorf("scan existing key: %w", scanErr)
		}
		existing[key] = struct{}{}
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate existing keys: %w", rowsErr)
	}
	return existing, nil
}

func (r *recordRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM import_records WHERE session_id = $1`,
		sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count session records: %w", err)
	}
	return count, nil
}

func duplicateKeyParam(key string) pgtype.Text {
	if key == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: key, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
