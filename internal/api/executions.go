package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"testforge/backend/pkg/models"
)

// ExecutionRequest is the body of POST /executions and POST /executions/estimate.
type ExecutionRequest struct {
	WorkflowID string                  `json:"workflowId"`
	Input      map[string]any          `json:"input"`
	Options    models.ExecutionOptions `json:"options"`
}

func bindExecutionRequest(c echo.Context) (*ExecutionRequest, error) {
	var req ExecutionRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.WorkflowID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "workflowId is required")
	}
	return &req, nil
}

func executionID(c echo.Context) (string, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed execution id: "+id)
	}
	return id, nil
}

// CreateExecution runs a workflow. Synchronous runs answer with the settled
// record, asynchronous ones with the pending record.
// (POST /api/v1/executions)
func (s *Server) CreateExecution(c echo.Context) error {
	req, err := bindExecutionRequest(c)
	if err != nil {
		return err
	}
	exec, err := s.Engine.Submit(c.Request().Context(), req.WorkflowID, req.Input, req.Options, principalName(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, exec)
}

// EstimateCost projects the cost of a run without executing it
// (POST /api/v1/executions/estimate)
func (s *Server) EstimateCost(c echo.Context) error {
	req, err := bindExecutionRequest(c)
	if err != nil {
		return err
	}
	est, err := s.Estimator.Estimate(c.Request().Context(), req.WorkflowID, req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, est)
}

// ListExecutionsParams are the query parameters of GET /executions.
type ListExecutionsParams struct {
	ProjectID  *string `form:"projectId"`
	Status     *string `form:"status"`
	WorkflowID *string `form:"workflowId"`
	Limit      *int    `form:"limit"`
	Offset     *int    `form:"offset"`
}

func bindListParams(c echo.Context) (models.ExecutionFilter, error) {
	var p ListExecutionsParams
	q := c.QueryParams()
	for name, dest := range map[string]any{
		"projectId":  &p.ProjectID,
		"status":     &p.Status,
		"workflowId": &p.WorkflowID,
		"limit":      &p.Limit,
		"offset":     &p.Offset,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			return models.ExecutionFilter{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid format for parameter "+name+": "+err.Error())
		}
	}

	var f models.ExecutionFilter
	if p.ProjectID != nil {
		if _, err := uuid.Parse(*p.ProjectID); err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "malformed projectId: "+*p.ProjectID)
		}
		f.ProjectID = *p.ProjectID
	}
	if p.Status != nil {
		f.Status = models.ExecutionStatus(*p.Status)
	}
	if p.WorkflowID != nil {
		f.WorkflowID = *p.WorkflowID
	}
	if p.Limit != nil {
		if *p.Limit < 0 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "limit must not be negative")
		}
		f.Limit = *p.Limit
	}
	if p.Offset != nil {
		if *p.Offset < 0 {
			return f, echo.NewHTTPError(http.StatusBadRequest, "offset must not be negative")
		}
		f.Offset = *p.Offset
	}
	return f, nil
}

// ListExecutions returns one page of executions
// (GET /api/v1/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	filter, err := bindListParams(c)
	if err != nil {
		return err
	}
	page, err := s.Engine.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if page.Items == nil {
		page.Items = []*models.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, page)
}

// GetExecution returns an execution with progress counters
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	id, err := executionID(c)
	if err != nil {
		return err
	}
	view, err := s.Engine.Status(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// CancelExecution requests cancellation
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	id, err := executionID(c)
	if err != nil {
		return err
	}
	exec, err := s.Engine.Cancel(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

const (
	watchWriteWait  = 10 * time.Second
	watchPingPeriod = 30 * time.Second
)

// WatchExecution streams status snapshots over a websocket until the
// execution settles, then closes the connection normally
// (GET /api/v1/executions/:id/watch)
func (s *Server) WatchExecution(c echo.Context) error {
	id, err := executionID(c)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	updates, unsubscribe, err := s.Registry.Subscribe(ctx, id)
	if err != nil {
		return err
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already answered the client
		s.Logger.Debug("Websocket upgrade failed", "execution_id", id, "error", err)
		return nil
	}
	defer conn.Close()

	// The client only ever closes; reading surfaces that.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case exec, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution settled"))
				return nil
			}
			if err := conn.WriteJSON(models.NewStatusView(exec, time.Now().UTC())); err != nil {
				s.Logger.Debug("Websocket write failed", "execution_id", id, "error", err)
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
