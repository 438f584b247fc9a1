package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/internal/workflows"
	"testforge/backend/pkg/models"
)

// Catalog is the workflow definition store: the fixed predefined workflows
// plus user-authored custom workflows kept in the repository.
type Catalog struct {
	agents     *agents.Registry
	repo       repository.WorkflowRepository
	logger     *logging.Logger
	predefined map[string]*models.WorkflowDefinition
	order      []string
	now        func() time.Time
}

// NewCatalog loads the predefined workflows and validates them against reg.
func NewCatalog(reg *agents.Registry, repo repository.WorkflowRepository, logger *logging.Logger) (*Catalog, error) {
	defs, err := workflows.Predefined()
	if err != nil {
		return nil, err
	}
	c := &Catalog{
		agents:     reg,
		repo:       repo,
		logger:     logger.WithModule("catalog"),
		predefined: make(map[string]*models.WorkflowDefinition, len(defs)),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, d := range defs {
		if _, err := workflows.Validate(d, reg); err != nil {
			return nil, fmt.Errorf("predefined workflow %s: %w", d.ID, err)
		}
		c.predefined[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	return c, nil
}

// Agents returns the capability table definitions are validated against.
func (c *Catalog) Agents() *agents.Registry { return c.agents }

func cloneDefinition(d *models.WorkflowDefinition) *models.WorkflowDefinition {
	cp := *d
	cp.Steps = append([]models.StepDefinition(nil), d.Steps...)
	cp.RequiredInputs = append([]string(nil), d.RequiredInputs...)
	return &cp
}

// IsPredefined reports whether id names a built-in workflow.
func (c *Catalog) IsPredefined(id string) bool {
	_, ok := c.predefined[id]
	return ok
}

// List returns the predefined and custom workflows.
func (c *Catalog) List(ctx context.Context) (*models.WorkflowList, error) {
	list := &models.WorkflowList{
		Predefined: make([]*models.WorkflowDefinition, 0, len(c.order)),
	}
	for _, id := range c.order {
		list.Predefined = append(list.Predefined, cloneDefinition(c.predefined[id]))
	}
	custom, err := c.repo.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom workflows: %w", err)
	}
	list.Custom = custom
	return list, nil
}

// Get looks up a predefined workflow first, then a custom one.
func (c *Catalog) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	if def, err := c.GetPredefined(id); err == nil {
		return def, nil
	}
	return c.GetCustom(ctx, id)
}

// GetPredefined returns a built-in workflow.
func (c *Catalog) GetPredefined(id string) (*models.WorkflowDefinition, error) {
	def, ok := c.predefined[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return cloneDefinition(def), nil
}

// GetCustom returns a user-authored workflow.
func (c *Catalog) GetCustom(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := c.repo.GetWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return def, nil
}

// Create validates and stores a custom workflow. The id is always generated.
func (c *Catalog) Create(ctx context.Context, def *models.WorkflowDefinition, createdBy string) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is required", ErrInvalidDefinition)
	}
	d := cloneDefinition(def)
	d.ID = uuid.New().String()
	d.IsPredefined = false
	if d.Version == 0 {
		d.Version = 1
	}
	d.CreatedBy = createdBy
	d.CreatedAt = c.now()
	d.UpdatedAt = d.CreatedAt

	if _, err := workflows.Validate(d, c.agents); err != nil {
		return nil, err
	}
	if err := c.repo.CreateWorkflow(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}
	c.logger.Info("Custom workflow created", "workflow_id", d.ID, "name", d.Name, "steps", len(d.Steps), "created_by", createdBy)
	return d, nil
}

// Delete removes a custom workflow. Predefined workflows cannot be deleted.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if c.IsPredefined(id) {
		return ErrPredefinedImmutable
	}
	err := c.repo.DeleteWorkflow(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	c.logger.Info("Custom workflow deleted", "workflow_id", id)
	return nil
}
