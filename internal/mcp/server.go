package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"testforge/backend/internal/auth"
	"testforge/backend/internal/services"
	"testforge/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	catalog   *services.Catalog
	engine    *services.Engine
	estimator *services.Estimator
}

func NewServer(catalog *services.Catalog, engine *services.Engine, estimator *services.Estimator) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"TestForge Orchestrator",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		catalog:   catalog,
		engine:    engine,
		estimator: estimator,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List the predefined and custom workflows"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow",
			mcp.WithDescription("Get a workflow definition"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Predefined workflow slug or custom workflow ID")),
		),
		s.handleGetWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"execute_workflow",
			mcp.WithDescription("Run a workflow and return the execution record"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow to run")),
			mcp.WithString("input_json", mcp.Description("Workflow input as a JSON object")),
			mcp.WithBoolean("continue_on_error", mcp.Description("Keep independent branches running after a step fails")),
			mcp.WithNumber("timeout_ms", mcp.Description("Timeout for the whole execution in milliseconds")),
			mcp.WithNumber("max_retries", mcp.Description("Retries per step for transient agent failures")),
			mcp.WithBoolean("async", mcp.Description("Return immediately with the pending execution")),
		),
		s.handleExecuteWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_status",
			mcp.WithDescription("Get the status and progress of an execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleGetExecutionStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"cancel_execution",
			mcp.WithDescription("Cancel a pending or running execution"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleCancelExecution,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"estimate_cost",
			mcp.WithDescription("Estimate tokens and cost of a run without executing it"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow to estimate")),
			mcp.WithString("input_json", mcp.Description("Workflow input as a JSON object")),
		),
		s.handleEstimateCost,
	)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, *mcp.CallToolResult) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}
	return args, nil
}

func requiredString(args map[string]interface{}, name string) (string, *mcp.CallToolResult) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return v, nil
}

func parseInput(args map[string]interface{}) (map[string]any, *mcp.CallToolResult) {
	raw, _ := args["input_json"].(string)
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("input_json must be a JSON object: %v", err))
	}
	return input, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func caller(ctx context.Context) string {
	if p, ok := auth.FromContext(ctx); ok {
		return p.Name()
	}
	return "mcp"
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.catalog.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}
	return jsonResult(list)
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, res := arguments(request)
	if res != nil {
		return res, nil
	}
	id, res := requiredString(args, "id")
	if res != nil {
		return res, nil
	}

	def, err := s.catalog.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow: %v", err)), nil
	}
	return jsonResult(def)
}

func (s *Server) handleExecuteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, res := arguments(request)
	if res != nil {
		return res, nil
	}
	workflowID, res := requiredString(args, "workflow_id")
	if res != nil {
		return res, nil
	}
	input, res := parseInput(args)
	if res != nil {
		return res, nil
	}

	var opts models.ExecutionOptions
	opts.ContinueOnError, _ = args["continue_on_error"].(bool)
	opts.Async, _ = args["async"].(bool)
	if v, ok := args["timeout_ms"].(float64); ok {
		opts.Timeout = int64(v)
	}
	if v, ok := args["max_retries"].(float64); ok {
		n := int(v)
		opts.MaxRetries = &n
	}

	exec, err := s.engine.Submit(ctx, workflowID, input, opts, caller(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to execute workflow: %v", err)), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleGetExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, res := arguments(request)
	if res != nil {
		return res, nil
	}
	id, res := requiredString(args, "id")
	if res != nil {
		return res, nil
	}

	view, err := s.engine.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution status: %v", err)), nil
	}
	return jsonResult(view)
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, res := arguments(request)
	if res != nil {
		return res, nil
	}
	id, res := requiredString(args, "id")
	if res != nil {
		return res, nil
	}

	exec, err := s.engine.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel execution: %v", err)), nil
	}
	return jsonResult(exec)
}

func (s *Server) handleEstimateCost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, res := arguments(request)
	if res != nil {
		return res, nil
	}
	workflowID, res := requiredString(args, "workflow_id")
	if res != nil {
		return res, nil
	}
	input, res := parseInput(args)
	if res != nil {
		return res, nil
	}

	est, err := s.estimator.Estimate(ctx, workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to estimate cost: %v", err)), nil
	}
	return jsonResult(est)
}

// MountHTTPHandlers serves the MCP SSE transport under /mcp.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		// tool handlers see the authenticated principal of the message request
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p, ok := auth.FromContext(r.Context()); ok {
				return auth.WithPrincipal(ctx, p)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
