package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/analytics"
	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
	"github.com/songzhibin97/autoflow/workflow"
)

type fakeWorkflows map[string]types.Record

func (f fakeWorkflows) Get(_ context.Context, tenantID, id string) (types.Record, error) {
	rec, ok := f[id]
	if !ok || rec.TenantID != tenantID {
		return types.Record{}, fmt.Errorf("%w: id=%s", workflow.ErrNotFound, id)
	}
	return rec, nil
}

func newServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStorage(nil)
	_, err := store.AppendLog(context.Background(), types.LogEntry{
		WorkflowID: "wf-1", RunID: "run-1", Status: types.LogSuccess,
		StepName: types.StepDeploymentComplete, ExecutedAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	workflows := fakeWorkflows{"wf-1": {ID: "wf-1", TenantID: "t1", Name: "Leads"}}
	return New(generator.New(nil), workflows, analytics.NewService(store, nil, logger), "test", logger)
}

func call(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestGenerateWorkflow(t *testing.T) {
	s := newServer(t)

	res, err := s.handleGenerate(context.Background(), call(map[string]interface{}{
		"prompt": "email me when someone fills out my contact form",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out generator.Result
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	assert.True(t, out.Success)
	assert.Equal(t, generator.ProvenanceTemplate, out.Provenance)
	require.NotNil(t, out.Workflow)
	assert.Len(t, out.Workflow.Nodes, 4)

	res, err = s.handleGenerate(context.Background(), call(map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCheckWorkflow(t *testing.T) {
	s := newServer(t)

	wf := generator.Templates[0].Build("contact form")
	wf.Nodes[2].AuthRef = ""
	doc, err := json.Marshal(wf)
	require.NoError(t, err)

	res, err := s.handleCheck(context.Background(), call(map[string]interface{}{"workflow": string(doc)}))
	require.NoError(t, err)

	var report workflow.Report
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &report))
	assert.False(t, report.Success)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], wf.Nodes[2].ID)

	res, err = s.handleCheck(context.Background(), call(map[string]interface{}{"workflow": `{"nodes": 1}`}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &report))
	assert.False(t, report.Success)
}

func TestWorkflowAnalytics(t *testing.T) {
	s := newServer(t)

	res, err := s.handleAnalytics(context.Background(), call(map[string]interface{}{
		"workflow_id": "wf-1", "tenant_id": "t1", "days": float64(7),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, text(t, res))

	var summary analytics.Summary
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &summary))
	assert.Equal(t, 1, summary.TotalExecutions)
	assert.InDelta(t, 1.0, summary.SuccessRate, 1e-9)

	t.Run("OtherTenant", func(t *testing.T) {
		res, err := s.handleAnalytics(context.Background(), call(map[string]interface{}{
			"workflow_id": "wf-1", "tenant_id": "t2",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, text(t, res), "not found")
	})

	t.Run("MissingTenant", func(t *testing.T) {
		res, err := s.handleAnalytics(context.Background(), call(map[string]interface{}{"workflow_id": "wf-1"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestHandler(t *testing.T) {
	s := newServer(t)
	assert.NotNil(t, s.Handler())
	assert.NotNil(t, s.MCPServer())
}
