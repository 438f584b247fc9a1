package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/backend/internal/agents"
	"testforge/backend/internal/auth"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/repository"
	"testforge/backend/internal/services"
	"testforge/backend/pkg/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.Discard()
	store := repository.NewMemoryStore()
	catalog, err := services.NewCatalog(agents.DefaultRegistry(), store, logger)
	require.NoError(t, err)
	invoker := agents.InvokerFunc(func(ctx context.Context, agent, operation string, input map[string]any) (*agents.Result, error) {
		return &agents.Result{
			Data:  map[string]any{"testCases": []any{"a"}, "script": "test()"},
			Usage: models.Usage{CostUSD: 0.001},
		}, nil
	})
	engine := services.NewEngine(catalog, services.NewRegistry(store, logger), invoker, services.EngineConfig{}, logger)
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })
	return NewServer(catalog, engine, services.NewEstimator(catalog, agents.DefaultPricing(), nil))
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	ctx := auth.WithPrincipal(context.Background(), &auth.Principal{Subject: "bot", Email: "bot@example.com"})
	res, err := handler(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestTools_WorkflowLifecycle(t *testing.T) {
	s := newTestServer(t)

	out, isErr := call(t, s.handleListWorkflows, nil)
	require.False(t, isErr, out)
	var list models.WorkflowList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Len(t, list.Predefined, 3)

	out, isErr = call(t, s.handleGetWorkflow, map[string]any{"id": "code-review"})
	require.False(t, isErr, out)
	assert.Contains(t, out, `"name":"Code Review"`)

	input := `{"specification":"User can log in","projectId":"6f1c2d3e-4b5a-4c6d-8e9f-0a1b2c3d4e5f"}`
	out, isErr = call(t, s.handleExecuteWorkflow, map[string]any{
		"workflow_id": "full-test-suite",
		"input_json":  input,
		"max_retries": float64(1),
	})
	require.False(t, isErr, out)
	var exec models.WorkflowExecution
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, "bot@example.com", exec.CreatedBy)
	require.NotNil(t, exec.Options.MaxRetries)
	assert.Equal(t, 1, *exec.Options.MaxRetries)

	out, isErr = call(t, s.handleGetExecutionStatus, map[string]any{"id": exec.ID})
	require.False(t, isErr, out)
	assert.Contains(t, out, `"completedSteps":3`)

	out, isErr = call(t, s.handleCancelExecution, map[string]any{"id": exec.ID})
	assert.True(t, isErr)
	assert.Contains(t, out, "cannot cancel execution with status completed")

	out, isErr = call(t, s.handleEstimateCost, map[string]any{"workflow_id": "full-test-suite", "input_json": input})
	require.False(t, isErr, out)
	var est models.CostEstimate
	require.NoError(t, json.Unmarshal([]byte(out), &est))
	assert.Len(t, est.Breakdown, 3)
}

func TestTools_Errors(t *testing.T) {
	s := newTestServer(t)

	out, isErr := call(t, s.handleGetWorkflow, map[string]any{})
	assert.True(t, isErr)
	assert.Equal(t, "Missing required parameter: id", out)

	out, isErr = call(t, s.handleExecuteWorkflow, map[string]any{"workflow_id": "full-test-suite", "input_json": "[1,2"})
	assert.True(t, isErr)
	assert.Contains(t, out, "input_json must be a JSON object")

	out, isErr = call(t, s.handleExecuteWorkflow, map[string]any{"workflow_id": "full-test-suite", "input_json": `{"specification":"x"}`})
	assert.True(t, isErr)
	assert.Contains(t, out, "projectId is required for full-test-suite workflow")

	out, isErr = call(t, s.handleEstimateCost, map[string]any{"workflow_id": "nope"})
	assert.True(t, isErr)
	assert.Contains(t, out, "workflow not found")
}
