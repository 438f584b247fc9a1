// Package api contains the HTTP handlers for the workflow orchestrator
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"testforge/backend/internal/auth"
	"testforge/backend/internal/logging"
	"testforge/backend/internal/services"
	"testforge/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Catalog   *services.Catalog
	Engine    *services.Engine
	Registry  *services.Registry
	Estimator *services.Estimator
	Logger    *logging.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a new Server.
func NewServer(catalog *services.Catalog, engine *services.Engine, registry *services.Registry, estimator *services.Estimator, logger *logging.Logger) *Server {
	return &Server{
		Catalog:   catalog,
		Engine:    engine,
		Registry:  registry,
		Estimator: estimator,
		Logger:    logger.WithModule("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes mounts the orchestrator API on g. Authentication is applied
// by the caller; mutations of the catalogue additionally need workflow:write.
func RegisterRoutes(g *echo.Group, s *Server) {
	write := auth.RequireScope(auth.ScopeWorkflowWrite)

	g.GET("/workflows", s.ListWorkflows)
	g.POST("/workflows", s.CreateWorkflow, write)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.DELETE("/workflows/:id", s.DeleteWorkflow, write)

	g.POST("/executions", s.CreateExecution)
	g.GET("/executions", s.ListExecutions)
	g.POST("/executions/estimate", s.EstimateCost)
	g.GET("/executions/:id", s.GetExecution)
	g.POST("/executions/:id/cancel", s.CancelExecution)
	g.GET("/executions/:id/watch", s.WatchExecution)
}

func principalName(c echo.Context) string {
	if p, ok := auth.FromContext(c.Request().Context()); ok {
		return p.Name()
	}
	return ""
}

// workflowID reads the :id path parameter. Predefined workflows use slugs,
// custom workflows UUIDs; anything else is malformed.
func (s *Server) workflowID(c echo.Context) (string, error) {
	id := c.Param("id")
	if s.Catalog.IsPredefined(id) {
		return id, nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed workflow id: "+id)
	}
	return id, nil
}

// ListWorkflows returns the predefined and custom workflows
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	list, err := s.Catalog.List(c.Request().Context())
	if err != nil {
		return err
	}
	if list.Custom == nil {
		list.Custom = []*models.WorkflowDefinition{}
	}
	return c.JSON(http.StatusOK, list)
}

// GetWorkflow returns one workflow definition
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	id, err := s.workflowID(c)
	if err != nil {
		return err
	}
	def, err := s.Catalog.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// CreateWorkflow stores a custom workflow
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var def models.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	created, err := s.Catalog.Create(c.Request().Context(), &def, principalName(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// DeleteWorkflow removes a custom workflow
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	id, err := s.workflowID(c)
	if err != nil {
		return err
	}
	if err := s.Catalog.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
