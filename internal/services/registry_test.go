package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/pkg/models"
)

func pendingExecution() (*models.WorkflowExecution, []models.StepExecution) {
	exec := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: "full-test-suite",
		Status:     models.ExecutionPending,
		Input:      map[string]any{},
		Steps:      []models.StepExecution{},
		Output:     map[string]any{},
		TotalSteps: 2,
		CreatedAt:  time.Now().UTC(),
	}
	plan := []models.StepExecution{
		{ID: "a", Agent: "test-case-generator", Operation: "generate", Status: models.StepPending},
		{ID: "b", Agent: "script-generator", Operation: "generate", Status: models.StepPending},
	}
	return exec, plan
}

func TestRegistry_UpdateWritesThrough(t *testing.T) {
	store := repository.NewMemoryStore()
	reg := NewRegistry(store, logging.Discard())
	ctx := context.Background()
	exec, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, exec, plan))

	changed, err := reg.Update(ctx, exec.ID, func(x *models.WorkflowExecution) bool {
		x.Status = models.ExecutionRunning
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, stored.Status)

	changed, err = reg.Update(ctx, exec.ID, func(*models.WorkflowExecution) bool { return false })
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = reg.Update(ctx, "missing", func(*models.WorkflowExecution) bool { return true })
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	// snapshots are detached from the live record
	snap, err := reg.Snapshot(ctx, exec.ID)
	require.NoError(t, err)
	snap.Status = models.ExecutionFailed
	again, err := reg.Snapshot(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, again.Status)
}

func TestRegistry_FinishFillsSteps(t *testing.T) {
	reg := NewRegistry(repository.NewMemoryStore(), logging.Discard())
	ctx := context.Background()
	exec, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, exec, plan))

	_, err := reg.Update(ctx, exec.ID, func(x *models.WorkflowExecution) bool {
		x.Status = models.ExecutionRunning
		x.Steps = append(x.Steps, models.StepExecution{ID: "a", Status: models.StepFailed})
		return true
	})
	require.NoError(t, err)

	done, err := reg.Done(exec.ID)
	require.NoError(t, err)

	final, err := reg.Finish(ctx, exec.ID, func(x *models.WorkflowExecution) {
		x.Status = models.ExecutionFailed
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.NotNil(t, final.CompletedAt)
	require.Len(t, final.Steps, 2)
	assert.Equal(t, models.StepSkipped, final.Step("b").Status)
	assert.Equal(t, "script-generator", final.Step("b").Agent)

	select {
	case <-done:
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	reg := NewRegistry(repository.NewMemoryStore(), logging.Discard())
	ctx := context.Background()
	exec, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, exec, plan))

	updates, unsubscribe, err := reg.Subscribe(ctx, exec.ID)
	require.NoError(t, err)
	defer unsubscribe()

	first := <-updates
	assert.Equal(t, models.ExecutionPending, first.Status)

	_, err = reg.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	snap := <-updates
	assert.Equal(t, models.ExecutionCancelled, snap.Status)

	select {
	case <-reg.Cancelled(exec.ID):
	default:
		t.Fatal("cancelled channel not closed")
	}

	_, err = reg.Finish(ctx, exec.ID, func(*models.WorkflowExecution) {})
	require.NoError(t, err)
	for range updates {
	}

	// late subscribers get the final state and a closed channel
	late, _, err := reg.Subscribe(ctx, exec.ID)
	require.NoError(t, err)
	final, ok := <-late
	require.True(t, ok)
	assert.Equal(t, models.ExecutionCancelled, final.Status)
	_, ok = <-late
	assert.False(t, ok)
}

func TestRegistry_EvictFallsBackToStore(t *testing.T) {
	reg := NewRegistry(repository.NewMemoryStore(), logging.Discard())
	ctx := context.Background()

	settled, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, settled, plan))
	_, err := reg.Finish(ctx, settled.ID, func(x *models.WorkflowExecution) {
		x.Status = models.ExecutionCompleted
	})
	require.NoError(t, err)

	live, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, live, plan))

	assert.Equal(t, 0, reg.Evict(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, reg.Evict(time.Now().Add(time.Minute)))
	assert.Equal(t, 1, reg.Len())

	snap, err := reg.Snapshot(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, snap.Status)

	_, err = reg.Cancel(ctx, settled.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistry_FailOrphans(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()

	orphan, _ := pendingExecution()
	orphan.Status = models.ExecutionRunning
	orphan.Steps = []models.StepExecution{
		{ID: "a", Status: models.StepRunning},
		{ID: "b", Status: models.StepPending},
	}
	require.NoError(t, store.CreateExecution(ctx, orphan))
	waiting, _ := pendingExecution()
	require.NoError(t, store.CreateExecution(ctx, waiting))

	reg := NewRegistry(store, logging.Discard())
	live, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, live, plan))

	n, err := reg.FailOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, models.StepFailed, got.Step("a").Status)
	assert.Equal(t, models.StepSkipped, got.Step("b").Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = store.GetExecution(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, got.Status)
}

func TestRegistry_CancelOrphan(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	orphan, _ := pendingExecution()
	orphan.Steps = []models.StepExecution{{ID: "a", Status: models.StepPending}}
	require.NoError(t, store.CreateExecution(ctx, orphan))

	reg := NewRegistry(store, logging.Discard())
	cancelled, err := reg.Cancel(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	assert.Equal(t, models.StepSkipped, cancelled.Step("a").Status)

	stored, err := store.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, stored.Status)
}

func TestSweeper(t *testing.T) {
	reg := NewRegistry(repository.NewMemoryStore(), logging.Discard())
	ctx := context.Background()

	_, err := NewSweeper(reg, "every now and then", time.Hour, logging.Discard())
	assert.Error(t, err)

	sweeper, err := NewSweeper(reg, "@every 1m", time.Hour, logging.Discard())
	require.NoError(t, err)

	exec, plan := pendingExecution()
	require.NoError(t, reg.Add(ctx, exec, plan))
	_, err = reg.Finish(ctx, exec.ID, func(x *models.WorkflowExecution) {
		x.Status = models.ExecutionCompleted
	})
	require.NoError(t, err)

	assert.Equal(t, 0, sweeper.Sweep())
	sweeper.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	assert.Equal(t, 1, sweeper.Sweep())
	assert.Equal(t, 0, reg.Len())

	sweeper.Start()
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	sweeper.Stop(stopCtx)
}
