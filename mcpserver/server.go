// Package mcpserver exposes workflow generation, static checks and
// analytics as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/songzhibin97/autoflow/analytics"
	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/types"
	"github.com/songzhibin97/autoflow/workflow"
)

// BasePath is where the SSE transport is mounted.
const BasePath = "/mcp"

// Workflows looks up tenant-scoped workflow rows.
type Workflows interface {
	Get(ctx context.Context, tenantID, id string) (types.Record, error)
}

// Summaries aggregates a workflow's log.
type Summaries interface {
	Summary(ctx context.Context, workflowID string, days int) (analytics.Summary, error)
}

// Server owns the MCP tool registry.
type Server struct {
	mcpServer *server.MCPServer
	gen       generator.Generator
	workflows Workflows
	summaries Summaries
	logger    *slog.Logger
}

// New registers the tools on a fresh MCP server.
func New(gen generator.Generator, workflows Workflows, summaries Summaries, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"autoflow",
			version,
			server.WithToolCapabilities(true),
		),
		gen:       gen,
		workflows: workflows,
		summaries: summaries,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler serves the SSE transport under BasePath.
func (s *Server) Handler() http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(BasePath))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"generate_workflow",
			mcp.WithDescription("Generate an automation workflow from a natural-language description"),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("What the automation should do")),
		),
		s.handleGenerate,
	)
	s.mcpServer.AddTool(
		mcp.NewTool(
			"check_workflow",
			mcp.WithDescription("Run static analysis on a workflow document and return per-node annotations"),
			mcp.WithString("workflow", mcp.Required(), mcp.Description("The workflow as a JSON document")),
		),
		s.handleCheck,
	)
	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_analytics",
			mcp.WithDescription("Summarize the execution history of a stored workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow ID")),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The tenant owning the workflow")),
			mcp.WithNumber("days", mcp.Description("Window size in days, 30 when omitted")),
		),
		s.handleAnalytics,
	)
}

func (s *Server) handleGenerate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := request.RequireString("prompt")
	if err != nil || prompt == "" {
		return mcp.NewToolResultError("Missing required parameter: prompt"), nil
	}
	res, err := s.gen.Generate(ctx, generator.Request{Prompt: prompt})
	if err != nil {
		s.logger.Error("mcp generate failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to generate: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleCheck(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := request.RequireString("workflow")
	if err != nil || doc == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow"), nil
	}
	return jsonResult(workflow.Check([]byte(doc)))
}

func (s *Server) handleAnalytics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("workflow_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}
	tenant, err := request.RequireString("tenant_id")
	if err != nil || tenant == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}
	days := request.GetInt("days", 0)

	if _, err := s.workflows.Get(ctx, tenant, id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("Workflow not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load workflow: %v", err)), nil
	}
	summary, err := s.summaries.Summary(ctx, id, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to summarize: %v", err)), nil
	}
	return jsonResult(summary)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
