package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/workflow"
)

const (
	tenantKey = "tenant_id"
	userKey   = "user_id"
)

// requireTenant rejects requests without a tenant header.
func requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID := strings.TrimSpace(c.Request().Header.Get(HeaderTenantID))
		if tenantID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+HeaderTenantID+" header")
		}
		c.Set(tenantKey, tenantID)
		c.Set(userKey, strings.TrimSpace(c.Request().Header.Get(HeaderUserID)))
		return next(c)
	}
}

func tenant(c echo.Context) string {
	v, _ := c.Get(tenantKey).(string)
	return v
}

func user(c echo.Context) string {
	v, _ := c.Get(userKey).(string)
	return v
}

// Schema returns the workflow JSON Schema
// (GET /api/workflows/schema)
func (s *Server) Schema(c echo.Context) error {
	return c.Blob(http.StatusOK, "application/schema+json", []byte(schema.Document))
}

// ParseRequest is the body of POST /api/workflows/parse.
type ParseRequest struct {
	Prompt string `json:"prompt"`
}

// Parse turns a natural-language prompt into a workflow
// (POST /api/workflows/parse)
func (s *Server) Parse(c echo.Context) error {
	var req ParseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	res, err := s.workflows.Generate(c.Request().Context(), generator.Request{
		Prompt:   req.Prompt,
		TenantID: tenant(c),
		UserID:   user(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// CreateWorkflow stores a workflow document as a draft
// (POST /api/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	rec, err := s.workflows.Create(c.Request().Context(), tenant(c), user(c), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// ListWorkflows returns the tenant's workflows
// (GET /api/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	recs, err := s.workflows.List(c.Request().Context(), tenant(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recs)
}

// GetWorkflow returns one workflow
// (GET /api/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	rec, err := s.workflows.Get(c.Request().Context(), tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// UpdateWorkflow replaces a workflow definition
// (PUT /api/workflows/:id)
func (s *Server) UpdateWorkflow(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	rec, err := s.workflows.Update(c.Request().Context(), tenant(c), c.Param("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// ValidateWorkflow enqueues a validate job
// (POST /api/workflows/:id/validate)
func (s *Server) ValidateWorkflow(c echo.Context) error {
	handle, err := s.workflows.Validate(c.Request().Context(), tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, handle)
}

// DeployWorkflow requests a deploy
// (POST /api/workflows/:id/execute, POST /api/workflows/:id/deploy)
func (s *Server) DeployWorkflow(c echo.Context) error {
	resp, err := s.workflows.Deploy(c.Request().Context(), tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	code := http.StatusOK
	if resp.Status == workflow.DeployQueued {
		code = http.StatusAccepted
	}
	return c.JSON(code, resp)
}

// WorkflowLogs returns log rows. Query: runId, since (RFC 3339), limit.
// (GET /api/workflows/:id/logs)
func (s *Server) WorkflowLogs(c echo.Context) error {
	filter := storage.LogFilter{RunID: c.QueryParam("runId")}
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	filter.Limit = limit

	logs, err := s.workflows.Logs(c.Request().Context(), tenant(c), c.Param("id"), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, logs)
}

// WorkflowAnalytics summarizes the log. Query: days (default 30).
// (GET /api/workflows/:id/analytics)
func (s *Server) WorkflowAnalytics(c echo.Context) error {
	days, err := intParam(c, "days")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, err := s.workflows.Get(ctx, tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	summary, err := s.analytics.Summary(ctx, rec.ID, days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

// AskRequest is the body of POST /api/workflows/:id/ask.
type AskRequest struct {
	Question string `json:"question"`
	Days     int    `json:"days,omitempty"`
}

// AskWorkflow answers a question about a workflow's executions
// (POST /api/workflows/:id/ask)
func (s *Server) AskWorkflow(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	ctx := c.Request().Context()
	rec, err := s.workflows.Get(ctx, tenant(c), c.Param("id"))
	if err != nil {
		return err
	}
	answer, err := s.analytics.Ask(ctx, rec, req.Question, req.Days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, answer)
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
