package repository

import (
	"context"
	"errors"

	"testforge/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// WorkflowRepository stores custom workflow definitions.
type WorkflowRepository interface {
	// CreateWorkflow saves a new definition.
	CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) error
	// GetWorkflow retrieves a definition by its ID.
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// ListWorkflows returns every stored definition, oldest first.
	ListWorkflows(ctx context.Context) ([]*models.WorkflowDefinition, error)
	// DeleteWorkflow removes a definition.
	DeleteWorkflow(ctx context.Context, id string) error
}

// ExecutionRepository stores workflow execution records.
type ExecutionRepository interface {
	// CreateExecution saves a new execution.
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	// GetExecution retrieves an execution by its ID.
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// UpdateExecution replaces an existing execution.
	UpdateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	// ListExecutions returns one page of executions, newest first.
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error)
}

// Repository is the full persistence surface used by the service layer.
type Repository interface {
	WorkflowRepository
	ExecutionRepository
	Ping(ctx context.Context) error
	Close()
}

// NormalizeFilter applies the default and maximum page size.
func NormalizeFilter(f models.ExecutionFilter) models.ExecutionFilter {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// executionWhere builds the WHERE clause shared by the SQL stores.
// placeholder renders the n-th (1-based) bind parameter.
func executionWhere(f models.ExecutionFilter, placeholder func(n int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, column+" = "+placeholder(len(args)))
	}
	if f.ProjectID != "" {
		add("project_id", f.ProjectID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.WorkflowID != "" {
		add("workflow_id", f.WorkflowID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}
