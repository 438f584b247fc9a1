package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"testforge/backend/pkg/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

// PostgresStore is a PostgreSQL implementation of Repository. Definitions and
// executions are stored as JSONB documents next to the columns used for
// filtering.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateWorkflow implements WorkflowRepository.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflows (id, name, definition, created_by, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		def.ID, def.Name, doc, def.CreatedBy, def.CreatedAt, def.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetWorkflow implements WorkflowRepository.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, "SELECT definition FROM workflows WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &def, nil
}

// ListWorkflows implements WorkflowRepository.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx, "SELECT definition FROM workflows ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := []*models.WorkflowDefinition{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var def models.WorkflowDefinition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// DeleteWorkflow implements WorkflowRepository.
func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution implements ExecutionRepository.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, project_id, status, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exec.ID, exec.WorkflowID, exec.ProjectID, string(exec.Status), doc, exec.CreatedAt, time.Now().UTC())
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetExecution implements ExecutionRepository.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, "SELECT document FROM workflow_executions WHERE id = $1", id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec models.WorkflowExecution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// UpdateExecution implements ExecutionRepository.
func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE workflow_executions SET status = $1, document = $2, updated_at = $3 WHERE id = $4",
		string(exec.Status), doc, time.Now().UTC(), exec.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions implements ExecutionRepository.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error) {
	filter = NormalizeFilter(filter)
	where, args := executionWhere(filter, pgPlaceholder)

	page := &models.ExecutionPage{Items: []*models.WorkflowExecution{}, Limit: filter.Limit, Offset: filter.Offset}
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM workflow_executions"+where, args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT document FROM workflow_executions%s ORDER BY created_at DESC, id LIMIT %s OFFSET %s",
		where, pgPlaceholder(len(args)+1), pgPlaceholder(len(args)+2))
	rows, err := s.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec models.WorkflowExecution
		if err := json.Unmarshal(doc, &exec); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		page.Items = append(page.Items, &exec)
	}
	return page, rows.Err()
}

// Ping implements Repository.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close implements Repository.
func (s *PostgresStore) Close() { s.db.Close() }
