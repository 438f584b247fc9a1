package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/backend/internal/agents"
	"testforge/backend/pkg/models"
)

func TestEngine_FullTestSuite(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return env.agents.canned("test-case-generator", "generate"), nil
	})

	exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.Error)
	assert.Contains(t, exec.Output, "gen")
	assert.Contains(t, exec.Output, "script")
	assert.Contains(t, exec.Output, "unit")
	assert.Greater(t, exec.TotalCostUSD, 0.0)
	assert.Equal(t, testProjectID, exec.ProjectID)
	assert.Equal(t, "alice", exec.CreatedBy)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)

	t.Run("Steps run in dependency order", func(t *testing.T) {
		calls := env.agents.recorded()
		require.Len(t, calls, 3)
		assert.Equal(t, "test-case-generator", calls[0].agent)
		assert.Equal(t, "script-generator", calls[1].agent)
		assert.Equal(t, "unit-test-generator", calls[2].agent)

		gen, script, unit := stepByID(t, exec, "gen"), stepByID(t, exec, "script"), stepByID(t, exec, "unit")
		assert.False(t, script.StartedAt.Before(*gen.CompletedAt))
		assert.False(t, unit.StartedAt.Before(*script.CompletedAt))
	})

	t.Run("Agents never see placeholders", func(t *testing.T) {
		for _, c := range env.agents.recorded() {
			raw, err := json.Marshal(c.input)
			require.NoError(t, err)
			assert.NotContains(t, string(raw), "${", "agent %s", c.agent)
		}
		script := env.agents.recorded()[1]
		assert.IsType(t, []any{}, script.input["testCases"])
		assert.Equal(t, "playwright", script.input["framework"])
	})

	t.Run("Cost is the sum of completed steps", func(t *testing.T) {
		sum := 0.0
		tokens := models.TokenCount{}
		for _, s := range exec.Steps {
			assert.Equal(t, models.StepCompleted, s.Status)
			assert.Equal(t, 1, s.Attempts)
			require.NotNil(t, s.Usage)
			sum += s.Usage.CostUSD
			tokens.Input += s.Usage.InputTokens
			tokens.Output += s.Usage.OutputTokens
		}
		assert.InDelta(t, sum, exec.TotalCostUSD, 1e-9)
		assert.Equal(t, tokens, exec.Tokens)
	})

	t.Run("Final record is persisted", func(t *testing.T) {
		stored, err := env.store.GetExecution(context.Background(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, stored.Status)
		assert.Len(t, stored.Steps, 3)
	})

	t.Run("Status reports progress", func(t *testing.T) {
		view, err := env.engine.Status(context.Background(), exec.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, view.CompletedSteps)
		assert.Equal(t, 3, view.TotalSteps)
		assert.GreaterOrEqual(t, view.ElapsedMs, int64(20))
	})
}

func TestEngine_FailFastSkipsDownstream(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	env.agents.handle("test-case-generator", failWith("model overloaded"))

	exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "step gen failed")
	assert.Contains(t, exec.Error, "model overloaded")
	assert.Equal(t, models.StepFailed, stepByID(t, exec, "gen").Status)
	assert.Equal(t, models.StepSkipped, stepByID(t, exec, "script").Status)
	assert.Equal(t, models.StepSkipped, stepByID(t, exec, "unit").Status)
	assert.Zero(t, exec.TotalCostUSD)
	assert.Equal(t, 0, env.agents.callsTo("script-generator"))
}

func TestEngine_ContinueOnErrorSkipsOnlyDescendants(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	def, err := env.catalog.Create(context.Background(), &models.WorkflowDefinition{
		Name: "two branches",
		Steps: []models.StepDefinition{
			{ID: "a", Type: models.StepTypeAgent, Agent: "requirements-analyzer", Operation: "analyze",
				Input: map[string]any{"requirements": "${input.requirements}"}},
			{ID: "b", Type: models.StepTypeAgent, Agent: "code-quality-analyzer", Operation: "analyze",
				Input: map[string]any{"code": "${input.code}"}},
			{ID: "c", Type: models.StepTypeAgent, Agent: "test-case-generator", Operation: "generate",
				DependsOn: []string{"a"}, Input: map[string]any{"specification": "${steps.a}"}},
			{ID: "d", Type: models.StepTypeAgent, Agent: "bug-analyzer", Operation: "summarize",
				DependsOn: []string{"b"}, Input: map[string]any{"findings": "${steps.b}"}},
		},
	}, "alice")
	require.NoError(t, err)
	env.agents.handle("requirements-analyzer", failWith("bad requirements"))
	input := map[string]any{"requirements": "login", "code": "func main() {}"}

	t.Run("continueOnError", func(t *testing.T) {
		exec, err := env.engine.ExecuteCustom(context.Background(), def.ID, input, models.ExecutionOptions{ContinueOnError: true}, "alice")
		require.NoError(t, err)

		assert.Equal(t, models.ExecutionFailed, exec.Status)
		assert.Equal(t, models.StepFailed, stepByID(t, exec, "a").Status)
		assert.Equal(t, models.StepCompleted, stepByID(t, exec, "b").Status)
		assert.Equal(t, models.StepSkipped, stepByID(t, exec, "c").Status)
		assert.Equal(t, models.StepCompleted, stepByID(t, exec, "d").Status)
		assert.InDelta(t, 0.02, exec.TotalCostUSD, 1e-9)
		assert.Contains(t, exec.Output, "d")
	})

	t.Run("fail fast", func(t *testing.T) {
		exec, err := env.engine.ExecuteCustom(context.Background(), def.ID, input, models.ExecutionOptions{}, "alice")
		require.NoError(t, err)

		assert.Equal(t, models.ExecutionFailed, exec.Status)
		assert.Equal(t, models.StepSkipped, stepByID(t, exec, "c").Status)
		// b may or may not have started before a failed, d never does
		assert.NotEqual(t, models.StepCompleted, stepByID(t, exec, "d").Status)
		for _, s := range exec.Steps {
			assert.True(t, s.Status.IsTerminal(), "step %s is %s", s.ID, s.Status)
		}
	})
}

func TestEngine_Retries(t *testing.T) {
	transient := errors.New("connection reset")

	t.Run("transient errors are retried", func(t *testing.T) {
		env := newTestEnv(t, testEngineConfig())
		var n atomic.Int32
		env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
			if n.Add(1) <= 2 {
				return nil, transient
			}
			return env.agents.canned("test-case-generator", "generate"), nil
		})

		exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"),
			models.ExecutionOptions{MaxRetries: intPtr(2)}, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
		assert.Equal(t, 3, stepByID(t, exec, "gen").Attempts)
	})

	t.Run("retries are bounded", func(t *testing.T) {
		env := newTestEnv(t, testEngineConfig())
		env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
			return nil, transient
		})

		exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"),
			models.ExecutionOptions{MaxRetries: intPtr(1)}, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionFailed, exec.Status)
		gen := stepByID(t, exec, "gen")
		assert.Equal(t, 2, gen.Attempts)
		assert.Contains(t, gen.Error, "failed after 2 attempt(s)")
		assert.Contains(t, gen.Error, "connection reset")
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		env := newTestEnv(t, testEngineConfig())
		env.agents.handle("test-case-generator", failWith("invalid request"))

		exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"),
			models.ExecutionOptions{MaxRetries: intPtr(3)}, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, stepByID(t, exec, "gen").Attempts)
		assert.Equal(t, 1, env.agents.callsTo("test-case-generator"))
	})

	t.Run("configured default applies", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.DefaultMaxRetries = 2
		env := newTestEnv(t, cfg)
		env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
			return nil, transient
		})

		exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
		require.NoError(t, err)
		assert.Equal(t, 3, stepByID(t, exec, "gen").Attempts)
	})
}

func TestEngine_FanOut(t *testing.T) {
	input := map[string]any{"code": "func main() {}", "language": "go"}

	t.Run("independent steps run concurrently", func(t *testing.T) {
		env := newTestEnv(t, testEngineConfig())
		var entered sync.WaitGroup
		entered.Add(2)
		both := make(chan struct{})
		go func() {
			entered.Wait()
			close(both)
		}()
		env.agents.handle("code-quality-analyzer", func(context.Context, map[string]any) (*agents.Result, error) {
			entered.Done()
			select {
			case <-both:
				return env.agents.canned("code-quality-analyzer", "analyze"), nil
			case <-time.After(2 * time.Second):
				return nil, agents.Permanent(errors.New("sibling never started"))
			}
		})

		exec, err := env.engine.Execute(context.Background(), "code-review", input, models.ExecutionOptions{}, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)

		summary := env.agents.recorded()[2]
		assert.Equal(t, "bug-analyzer", summary.agent)
		findings := summary.input["findings"].(map[string]any)
		assert.Equal(t, exec.Output["quality"], findings["quality"])
		assert.Equal(t, exec.Output["security"], findings["security"])
	})

	t.Run("parallelism is bounded", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.MaxParallelSteps = 1
		env := newTestEnv(t, cfg)
		var current, peak atomic.Int32
		env.agents.handle("code-quality-analyzer", func(context.Context, map[string]any) (*agents.Result, error) {
			n := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return env.agents.canned("code-quality-analyzer", "analyze"), nil
		})

		exec, err := env.engine.Execute(context.Background(), "code-review", input, models.ExecutionOptions{}, "alice")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, exec.Status)
		assert.Equal(t, int32(1), peak.Load())
	})
}

func TestEngine_Timeout(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	env.agents.handle("test-case-generator", func(ctx context.Context, _ map[string]any) (*agents.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	exec, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{Timeout: 1}, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Equal(t, "workflow timed out after 1ms", exec.Error)
	require.Len(t, exec.Steps, 3)
	for _, s := range exec.Steps {
		assert.NotEqual(t, models.StepRunning, s.Status, "step %s", s.ID)
		assert.NotEqual(t, models.StepPending, s.Status, "step %s", s.ID)
	}
	assert.Equal(t, models.StepSkipped, stepByID(t, exec, "unit").Status)

	// late step results never reopen the record
	require.NoError(t, env.engine.Shutdown(context.Background()))
	after, err := env.engine.Status(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, after.Status)
	assert.Equal(t, exec.Steps, after.Steps)
}

func TestEngine_CancelPending(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()
	def, err := env.catalog.GetPredefined("full-test-suite")
	require.NoError(t, err)

	run, pending, err := env.engine.prepare(ctx, def, suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, pending.Status)
	assert.Empty(t, pending.Steps)

	cancelled, err := env.engine.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	require.Len(t, cancelled.Steps, 3)
	for _, s := range cancelled.Steps {
		assert.Equal(t, models.StepSkipped, s.Status)
	}
	assert.Zero(t, cancelled.TotalCostUSD)

	final := env.engine.run(run)
	require.NotNil(t, final)
	assert.Equal(t, models.ExecutionCancelled, final.Status)
	assert.Nil(t, final.StartedAt)
	assert.Empty(t, env.agents.recorded())
}

func TestEngine_CancelRunning(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		return env.agents.canned("test-case-generator", "generate"), nil
	})

	pending, err := env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{Async: true}, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, pending.Status)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("gen step never started")
	}

	cancelled, err := env.engine.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)
	assert.Equal(t, models.StepRunning, stepByID(t, cancelled, "gen").Status)

	_, err = env.engine.Cancel(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := env.engine.Wait(waitCtx, pending.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCancelled, final.Status)
	assert.Equal(t, models.StepCompleted, stepByID(t, final, "gen").Status)
	assert.Equal(t, models.StepSkipped, stepByID(t, final, "script").Status)
	assert.Equal(t, models.StepSkipped, stepByID(t, final, "unit").Status)
	assert.InDelta(t, 0.01, final.TotalCostUSD, 1e-9)
	assert.Equal(t, 0, env.agents.callsTo("script-generator"))
}

func TestEngine_UnresolvedReferenceFailsStep(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	def, err := env.catalog.Create(context.Background(), &models.WorkflowDefinition{
		Name: "bad path",
		Steps: []models.StepDefinition{
			{ID: "a", Type: models.StepTypeAgent, Agent: "test-case-generator", Operation: "generate",
				Input: map[string]any{"specification": "${input.specification}"}},
			{ID: "b", Type: models.StepTypeAgent, Agent: "script-generator", Operation: "generate",
				DependsOn: []string{"a"}, Input: map[string]any{"testCases": "${steps.a.missing}"}},
		},
	}, "alice")
	require.NoError(t, err)

	exec, err := env.engine.Submit(context.Background(), def.ID, map[string]any{"specification": "spec"}, models.ExecutionOptions{}, "alice")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	b := stepByID(t, exec, "b")
	assert.Equal(t, models.StepFailed, b.Status)
	assert.Contains(t, b.Error, "unresolved variable ${steps.a.missing}")
	assert.Equal(t, 0, env.agents.callsTo("script-generator"))
}

func TestEngine_Validation(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()

	t.Run("missing required input", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, "full-test-suite", map[string]any{"specification": "spec"}, models.ExecutionOptions{}, "alice")
		require.ErrorIs(t, err, ErrMissingInput)
		assert.EqualError(t, err, "projectId is required for full-test-suite workflow")

		_, err = env.engine.Execute(ctx, "full-test-suite", map[string]any{"projectId": testProjectID}, models.ExecutionOptions{}, "alice")
		assert.EqualError(t, err, "specification is required for full-test-suite workflow")
	})

	t.Run("malformed project id", func(t *testing.T) {
		input := suiteInput("User can log in")
		input["projectId"] = "not-a-uuid"
		_, err := env.engine.Execute(ctx, "full-test-suite", input, models.ExecutionOptions{}, "alice")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("negative options", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{Timeout: -1}, "alice")
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{MaxRetries: intPtr(-1)}, "alice")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		_, err := env.engine.Execute(ctx, "nope", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
		_, err = env.engine.ExecuteCustom(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("nothing is recorded for rejected runs", func(t *testing.T) {
		page, err := env.engine.ListExecutions(ctx, models.ExecutionFilter{})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
	})
}

func TestEngine_AsyncWatch(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()
	release := make(chan struct{})
	env.agents.handle("test-case-generator", func(context.Context, map[string]any) (*agents.Result, error) {
		<-release
		return env.agents.canned("test-case-generator", "generate"), nil
	})

	pending, err := env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{Async: true}, "alice")
	require.NoError(t, err)

	updates, unsubscribe, err := env.registry.Subscribe(ctx, pending.ID)
	require.NoError(t, err)
	defer unsubscribe()
	close(release)

	var last *models.WorkflowExecution
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case snap, ok := <-updates:
			if !ok {
				done = true
				break
			}
			last = snap
		case <-timeout:
			t.Fatal("watch never closed")
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, models.ExecutionCompleted, last.Status)
	assert.Equal(t, 3, last.CompletedSteps())
}

func TestEngine_ListExecutions(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()
	for range 2 {
		_, err := env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
		require.NoError(t, err)
	}
	_, err := env.engine.Execute(ctx, "code-review", map[string]any{"code": "x", "language": "go"}, models.ExecutionOptions{}, "alice")
	require.NoError(t, err)

	page, err := env.engine.ListExecutions(ctx, models.ExecutionFilter{WorkflowID: "full-test-suite"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = env.engine.ListExecutions(ctx, models.ExecutionFilter{ProjectID: testProjectID, Status: models.ExecutionCompleted, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	_, err = env.engine.ListExecutions(ctx, models.ExecutionFilter{Status: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngine_CancelErrors(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	ctx := context.Background()

	_, err := env.engine.Cancel(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	exec, err := env.engine.Execute(ctx, "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
	require.NoError(t, err)
	_, err = env.engine.Cancel(ctx, exec.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "cannot cancel execution with status completed")
}

func TestEngine_Shutdown(t *testing.T) {
	env := newTestEnv(t, testEngineConfig())
	require.NoError(t, env.engine.Shutdown(context.Background()))

	_, err := env.engine.Execute(context.Background(), "full-test-suite", suiteInput("User can log in"), models.ExecutionOptions{}, "alice")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Empty(t, env.agents.recorded())
}
