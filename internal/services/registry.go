package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/pkg/models"
)

const subscriberBuffer = 16

// entry is the live state of one execution. Every mutation happens under mu
// and is written through to the repository before mu is released, so the
// stored record never goes backwards.
type entry struct {
	mu   sync.Mutex
	exec *models.WorkflowExecution
	// plan lists every step of the definition, used to fill in step records
	// that were never created.
	plan []models.StepExecution

	cancelled chan struct{}
	settled   chan struct{}
	isSettled bool
	subs      map[int]chan *models.WorkflowExecution
	nextSub   int
}

func (en *entry) notifyLocked() {
	if en.isSettled {
		return
	}
	snap := en.exec.Clone()
	for _, ch := range en.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop the oldest snapshot
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// fillLocked creates skipped records for steps that never became eligible
// and skips steps still waiting to run.
func (en *entry) fillLocked() {
	for _, p := range en.plan {
		s := en.exec.Step(p.ID)
		if s == nil {
			en.exec.Steps = append(en.exec.Steps, models.StepExecution{
				ID: p.ID, Agent: p.Agent, Operation: p.Operation, Status: models.StepSkipped,
			})
			continue
		}
		if s.Status == models.StepPending {
			s.Status = models.StepSkipped
		}
	}
}

// Registry is the table of in-flight and recently finished executions. It is
// the only shared mutable state of the engine.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	repo    repository.ExecutionRepository
	logger  *logging.Logger
	now     func() time.Time
}

// NewRegistry creates a Registry that persists through repo.
func NewRegistry(repo repository.ExecutionRepository, logger *logging.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		repo:    repo,
		logger:  logger.WithModule("registry"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	en, ok := r.entries[id]
	return en, ok
}

// Add persists a new execution and starts tracking it.
func (r *Registry) Add(ctx context.Context, exec *models.WorkflowExecution, plan []models.StepExecution) error {
	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	en := &entry{
		exec:      exec.Clone(),
		plan:      plan,
		cancelled: make(chan struct{}),
		settled:   make(chan struct{}),
		subs:      make(map[int]chan *models.WorkflowExecution),
	}
	r.mu.Lock()
	r.entries[exec.ID] = en
	r.mu.Unlock()
	return nil
}

// Update applies fn to the live record. When fn reports a change the record
// is persisted and subscribers are notified. It returns whether fn changed
// anything.
func (r *Registry) Update(ctx context.Context, id string, fn func(exec *models.WorkflowExecution) bool) (bool, error) {
	en, ok := r.get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if !fn(en.exec) {
		return false, nil
	}
	r.persistLocked(ctx, en)
	return true, nil
}

func (r *Registry) persistLocked(ctx context.Context, en *entry) {
	if err := r.repo.UpdateExecution(ctx, en.exec); err != nil {
		r.logger.Error("Failed to persist execution", "execution_id", en.exec.ID, "error", err)
	}
	en.notifyLocked()
}

// Snapshot returns a copy of the execution, falling back to the repository
// for executions no longer tracked in memory.
func (r *Registry) Snapshot(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	if en, ok := r.get(id); ok {
		en.mu.Lock()
		defer en.mu.Unlock()
		return en.exec.Clone(), nil
	}
	exec, err := r.repo.GetExecution(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return exec, nil
}

// Cancel requests cooperative cancellation. The execution becomes cancelled
// immediately and steps that have not started are skipped; steps already
// running are left to finish.
func (r *Registry) Cancel(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	en, ok := r.get(id)
	if !ok {
		return r.cancelOrphan(ctx, id)
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot cancel execution with status %s", ErrInvalidState, en.exec.Status)
	}
	now := r.now()
	en.exec.Status = models.ExecutionCancelled
	en.exec.CompletedAt = &now
	en.exec.Error = ""
	en.fillLocked()
	close(en.cancelled)
	r.persistLocked(ctx, en)

	r.logger.Info("Execution cancelled", "execution_id", id)
	return en.exec.Clone(), nil
}

// cancelOrphan cancels a stored execution that has no live run, e.g. one
// left behind by a restart.
func (r *Registry) cancelOrphan(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	exec, err := r.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot cancel execution with status %s", ErrInvalidState, exec.Status)
	}
	now := r.now()
	exec.Status = models.ExecutionCancelled
	exec.CompletedAt = &now
	for i := range exec.Steps {
		if !exec.Steps[i].Status.IsTerminal() {
			exec.Steps[i].Status = models.StepSkipped
		}
	}
	if err := r.repo.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to cancel execution %s: %w", id, err)
	}
	return exec, nil
}

// Finish settles the execution: unstarted steps are filled in as skipped,
// then finalize sets the terminal status. finalize also runs for executions
// that are already cancelled and must leave their status alone. Subscribers
// are closed afterwards.
func (r *Registry) Finish(ctx context.Context, id string, finalize func(exec *models.WorkflowExecution)) (*models.WorkflowExecution, error) {
	en, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	en.fillLocked()
	finalize(en.exec)
	if en.exec.CompletedAt == nil {
		now := r.now()
		en.exec.CompletedAt = &now
	}
	r.persistLocked(ctx, en)

	en.isSettled = true
	for k, ch := range en.subs {
		close(ch)
		delete(en.subs, k)
	}
	close(en.settled)
	return en.exec.Clone(), nil
}

// Cancelled returns a channel closed when the execution is cancelled.
func (r *Registry) Cancelled(id string) <-chan struct{} {
	if en, ok := r.get(id); ok {
		return en.cancelled
	}
	return nil
}

// Done returns a channel closed once the execution has settled.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	en, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return en.settled, nil
}

// Subscribe streams snapshots of the execution. The first value is the
// current state; the channel is closed once the execution settles. The
// returned function releases the subscription.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan *models.WorkflowExecution, func(), error) {
	en, ok := r.get(id)
	if !ok {
		exec, err := r.Snapshot(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		ch := make(chan *models.WorkflowExecution, 1)
		ch <- exec
		close(ch)
		return ch, func() {}, nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	ch := make(chan *models.WorkflowExecution, subscriberBuffer)
	ch <- en.exec.Clone()
	if en.isSettled {
		close(ch)
		return ch, func() {}, nil
	}
	key := en.nextSub
	en.nextSub++
	en.subs[key] = ch

	unsubscribe := func() {
		en.mu.Lock()
		defer en.mu.Unlock()
		if c, ok := en.subs[key]; ok {
			delete(en.subs, key)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

// List returns one page of stored executions.
func (r *Registry) List(ctx context.Context, filter models.ExecutionFilter) (*models.ExecutionPage, error) {
	page, err := r.repo.ListExecutions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return page, nil
}

// Evict drops settled executions that completed before cutoff from memory.
// They stay readable through the repository.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, en := range r.entries {
		en.mu.Lock()
		evict := en.isSettled && en.exec.CompletedAt != nil && en.exec.CompletedAt.Before(cutoff)
		en.mu.Unlock()
		if evict {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of executions tracked in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// FailOrphans marks stored executions that are pending or running but have
// no live run as failed. It is called once at start-up.
func (r *Registry) FailOrphans(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning} {
		for {
			page, err := r.repo.ListExecutions(ctx, models.ExecutionFilter{Status: status, Limit: 100})
			if err != nil {
				return n, fmt.Errorf("failed to list %s executions: %w", status, err)
			}
			failed := 0
			for _, exec := range page.Items {
				if _, live := r.get(exec.ID); live {
					continue
				}
				now := r.now()
				exec.Status = models.ExecutionFailed
				exec.Error = "execution interrupted by service restart"
				exec.CompletedAt = &now
				for i := range exec.Steps {
					switch exec.Steps[i].Status {
					case models.StepRunning:
						exec.Steps[i].Status = models.StepFailed
						exec.Steps[i].Error = exec.Error
					case models.StepPending:
						exec.Steps[i].Status = models.StepSkipped
					}
				}
				if err := r.repo.UpdateExecution(ctx, exec); err != nil {
					return n, fmt.Errorf("failed to update execution %s: %w", exec.ID, err)
				}
				failed++
			}
			n += failed
			if failed == 0 || page.Total <= len(page.Items) {
				break
			}
		}
	}
	if n > 0 {
		r.logger.Warn("Marked orphaned executions as failed", "count", n)
	}
	return n, nil
}
