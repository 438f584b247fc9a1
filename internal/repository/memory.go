package repository

import (
	"context"
	"sort"
	"sync"

	"testforge/backend/pkg/models"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// "memory" storage driver.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*models.WorkflowDefinition
	executions map[string]*models.WorkflowExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string]*models.WorkflowDefinition),
		executions: make(map[string]*models.WorkflowExecution),
	}
}

func copyDefinition(def *models.WorkflowDefinition) *models.WorkflowDefinition {
	c := *def
	c.Steps = append([]models.StepDefinition(nil), def.Steps...)
	c.RequiredInputs = append([]string(nil), def.RequiredInputs...)
	return &c
}

// CreateWorkflow implements WorkflowRepository.
func (s *MemoryStore) CreateWorkflow(_ context.Context, def *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[def.ID]; ok {
		return ErrAlreadyExists
	}
	s.workflows[def.ID] = copyDefinition(def)
	return nil
}

// GetWorkflow implements WorkflowRepository.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDefinition(def), nil
}

// ListWorkflows implements WorkflowRepository.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowDefinition, 0, len(s.workflows))
	for _, def := range s.workflows {
		out = append(out, copyDefinition(def))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteWorkflow implements WorkflowRepository.
func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// CreateExecution implements ExecutionRepository.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return ErrAlreadyExists
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// GetExecution implements ExecutionRepository.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

// UpdateExecution implements ExecutionRepository.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// ListExecutions implements ExecutionRepository.
func (s *MemoryStore) ListExecutions(_ context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error) {
	filter = NormalizeFilter(filter)

	s.mu.RLock()
	var matched []*models.WorkflowExecution
	for _, e := range s.executions {
		if filter.ProjectID != "" && e.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		matched = append(matched, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &models.ExecutionPage{
		Items:  []*models.WorkflowExecution{},
		Total:  len(matched),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	if filter.Offset < len(matched) {
		end := min(filter.Offset+filter.Limit, len(matched))
		page.Items = matched[filter.Offset:end]
	}
	return page, nil
}

// Ping implements Repository.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Repository.
func (s *MemoryStore) Close() {}
