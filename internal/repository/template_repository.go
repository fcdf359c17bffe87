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

// ErrTemplateNotFound indicates the requested template does not exist.
var ErrTemplateNotFound = errors.New("import template not found")

type templateRepository struct {
	pool *pgxpool.Pool
}

// NewTemplateRepository wires a repository backed by pgxpool.
func NewTemplateRepository(pool *pgxpool.Pool) TemplateRepository {
	return &templateRepository{pool: pool}
}

func (r *templateRepository) Create(ctx context.Context, template domain.Template) (domain.Template, error) {
	if template.ID == uuid.Nil {
		template.ID = uuid.New()
	}
	mappingsJSON, err := template.MappingsToJSON()
	if err != nil {
		return domain.Template{}, fmt.Errorf("marshal field mappings: %w", err)
	}

	_, err = r.pool.Exec(
		ctx,
		`INSERT INTO import_templates (id, name, entity_type, duplicate_policy, error_policy, delimiter, encoding, skip_rows, mappings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		template.ID,
		template.Name,
		template.EntityType,
		string(template.DuplicatePolicy),
		string(template.ErrorPolicy),
		template.Delimiter,
		template.Encoding,
		template.SkipRows,
		mappingsJSON,
	)
	if err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}

	return r.GetByID(ctx, template.ID)
}

func (r *templateRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Template, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT id, name, entity_type, duplicate_policy, error_policy, delimiter, encoding, skip_rows, mappings, created_at, updated_at
		 FROM import_templates WHERE id = $1`,
		id,
	)
	template, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, ErrTemplateNotFound
		}
		return domain.Template{}, fmt.Errorf("get template: %w", err)
	}
	return template, nil
}

func (r *templateRepository) List(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT id, name, entity_type, duplicate_policy, error_policy, delimiter, encoding, skip_rows, mappings, created_at, updated_at
		 FROM import_templates ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	templates := []domain.Template{}
	for rows.Next() {
		template, scanErr := scanTemplate(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan template: %w", scanErr)
		}
		templates = append(templates, template)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate templates: %w", rowsErr)
	}
	return templates, nil
}

func (r *templateRepository) Update(ctx context.Context, template domain.Template) (domain.Template, error) {
	mappingsJSON, err := template.MappingsToJSON()
	if err != nil {
		return domain.Template{}, fmt.Errorf("marshal field mappings: %w", err)
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_templates
		 SET name = $2, entity_type = $3, duplicate_policy = $4, error_policy = $5,
		     delimiter = $6, encoding = $7, skip_rows = $8, mappings = $9, updated_at = NOW()
		 WHERE id = $1`,
		template.ID,
		template.Name,
		template.EntityType,
		string(template.DuplicatePolicy),
		string(template.ErrorPolicy),
		template.Delimiter,
		template.Encoding,
		template.SkipRows,
		mappingsJSON,
	)
	if err != nil {
		return domain.Template{}, fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Template{}, ErrTemplateNotFound
	}

	return r.GetByID(ctx, template.ID)
}

func (r *templateRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM import_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		template        domain.Template
		duplicatePolicy string
		errorPolicy     string
		mappingsJSON    []byte
		createdAt       pgtype.Timestamptz
		updatedAt       pgtype.Timestamptz
	)
	if err := row.Scan(
		&template.ID,
		&template.Name,
		&template.EntityType,
		&duplicatePolicy,
		&errorPolicy,
		&template.Delimiter,
		&template.Encoding,
		&template.SkipRows,
		&mappingsJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Template{}, err
	}

	mappings, err := domain.MappingsFromJSON(mappingsJSON)
	if err != nil {
		return domain.Template{}, fmt.Errorf("unmarshal field mappings: %w", err)
	}

	template.DuplicatePolicy = domain.DuplicatePolicy(duplicatePolicy)
	template.ErrorPolicy = domain.ErrorPolicy(errorPolicy)
	template.Mappings = mappings
	if createdAt.Valid {
		template.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		template.UpdatedAt = updatedAt.Time
	}
	return template, nil
}
