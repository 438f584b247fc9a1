package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"testforge/backend/pkg/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// timestamps are stored as fixed-width UTC text so they sort lexically
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a Repository backed by a local SQLite file. It is meant for
// single-node development setups.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer at a time; concurrent executions otherwise hit SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func sqlitePlaceholder(int) string { return "?" }

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateWorkflow implements WorkflowRepository.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO workflows (id, name, definition, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		def.ID, def.Name, string(doc), def.CreatedBy, sqliteTime(def.CreatedAt), sqliteTime(def.UpdatedAt))
	if isSQLiteConstraint(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetWorkflow implements WorkflowRepository.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT definition FROM workflows WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var def models.WorkflowDefinition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &def, nil
}

// ListWorkflows implements WorkflowRepository.
func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT definition FROM workflows ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := []*models.WorkflowDefinition{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var def models.WorkflowDefinition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// DeleteWorkflow implements WorkflowRepository.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// CreateExecution implements ExecutionRepository.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, project_id, status, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.ProjectID, string(exec.Status), string(doc),
		sqliteTime(exec.CreatedAt), sqliteTime(time.Now()))
	if isSQLiteConstraint(err) {
		return ErrAlreadyExists
	}
	return err
}

// GetExecution implements ExecutionRepository.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, "SELECT document FROM workflow_executions WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec models.WorkflowExecution
	if err := json.Unmarshal([]byte(doc), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// UpdateExecution implements ExecutionRepository.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_executions SET status = ?, document = ?, updated_at = ? WHERE id = ?",
		string(exec.Status), string(doc), sqliteTime(time.Now()), exec.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ListExecutions implements ExecutionRepository.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error) {
	filter = NormalizeFilter(filter)
	where, args := executionWhere(filter, sqlitePlaceholder)

	page := &models.ExecutionPage{Items: []*models.WorkflowExecution{}, Limit: filter.Limit, Offset: filter.Offset}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_executions"+where, args...).Scan(&page.Total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT document FROM workflow_executions"+where+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec models.WorkflowExecution
		if err := json.Unmarshal([]byte(doc), &exec); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		page.Items = append(page.Items, &exec)
	}
	return page, rows.Err()
}

// Ping implements Repository.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements Repository.
func (s *SQLiteStore) Close() { _ = s.db.Close() }

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
