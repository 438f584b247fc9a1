package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/pkg/models"
)

const testProjectID = "6f1c2d3e-4b5a-4c6d-8e9f-0a1b2c3d4e5f"

// call is one recorded agent invocation.
type call struct {
	agent     string
	operation string
	input     map[string]any
	at        time.Time
}

// fakeAgents answers every agent with a canned payload and a fixed cost.
// Behaviour per agent can be overridden with handle.
type fakeAgents struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]func(ctx context.Context, input map[string]any) (*agents.Result, error)
	costUSD  float64
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		handlers: map[string]func(context.Context, map[string]any) (*agents.Result, error){},
		costUSD:  0.01,
	}
}

func (f *fakeAgents) handle(agent string, fn func(ctx context.Context, input map[string]any) (*agents.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[agent] = fn
}

func (f *fakeAgents) Invoke(ctx context.Context, agent, operation string, input map[string]any) (*agents.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{agent: agent, operation: operation, input: input, at: time.Now()})
	fn := f.handlers[agent]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, input)
	}
	return f.canned(agent, operation), nil
}

func (f *fakeAgents) canned(agent, operation string) *agents.Result {
	var data any
	switch agent {
	case "test-case-generator":
		data = map[string]any{"testCases": []any{
			map[string]any{"title": "valid login"},
			map[string]any{"title": "wrong password"},
		}}
	case "script-generator":
		data = map[string]any{"script": "test('login', async () => {})"}
	default:
		data = map[string]any{"agent": agent, "operation": operation}
	}
	return &agents.Result{
		Data:  data,
		Usage: models.Usage{InputTokens: 100, OutputTokens: 200, CostUSD: f.costUSD, Model: "claude-3.5-sonnet"},
	}
}

func (f *fakeAgents) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeAgents) callsTo(agent string) int {
	n := 0
	for _, c := range f.recorded() {
		if c.agent == agent {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *repository.MemoryStore
	catalog  *Catalog
	registry *Registry
	engine   *Engine
	agents   *fakeAgents
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultMaxRetries:    0,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T, cfg EngineConfig) *testEnv {
	t.Helper()
	logger := logging.Discard()
	store := repository.NewMemoryStore()
	catalog, err := NewCatalog(agents.DefaultRegistry(), store, logger)
	require.NoError(t, err)
	registry := NewRegistry(store, logger)
	fake := newFakeAgents()
	engine := NewEngine(catalog, registry, fake, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &testEnv{store: store, catalog: catalog, registry: registry, engine: engine, agents: fake}
}

func suiteInput(specification string) map[string]any {
	return map[string]any{"specification": specification, "projectId": testProjectID}
}

func stepByID(t *testing.T, exec *models.WorkflowExecution, id string) models.StepExecution {
	t.Helper()
	s := exec.Step(id)
	require.NotNil(t, s, "step %s has no record", id)
	return *s
}

func failWith(msg string) func(context.Context, map[string]any) (*agents.Result, error) {
	return func(context.Context, map[string]any) (*agents.Result, error) {
		return nil, agents.Permanent(fmt.Errorf("%s", msg))
	}
}

func intPtr(n int) *int { return &n }
