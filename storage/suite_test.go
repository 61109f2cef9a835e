package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/types"
)

// Helper function to create a sample workflow row
func newRecord(id, tenant string, createdAt time.Time) types.Record {
	return types.Record{
		ID:       id,
		TenantID: tenant,
		UserID:   "user-1",
		Name:     "Test Workflow " + id,
		Definition: types.Workflow{
			Name: "Test Workflow " + id,
			Nodes: []types.Node{
				{ID: "trigger", Type: types.NodeWebhook, Action: "receive"},
				{ID: "notify", Type: types.NodeSlack, Action: "post", AuthRef: "slack"},
			},
			Edges: []types.Edge{{FromNodeID: "trigger", ToNodeID: "notify"}},
			Triggers: []types.Trigger{
				{Type: types.TriggerWebhook, Config: map[string]interface{}{"path": "/in", "method": "POST"}},
			},
		},
		Status:    types.StatusDraft,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// runStorageSuite exercises the Storage contract shared by every backend.
func runStorageSuite(t *testing.T, store Storage) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGetWorkflow", func(t *testing.T) {
		rec := newRecord("wf-1", "tenant-a", base)
		require.NoError(t, store.CreateWorkflow(ctx, rec))

		got, err := store.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.TenantID, got.TenantID)
		assert.Equal(t, types.StatusDraft, got.Status)
		assert.Equal(t, rec.Definition.Nodes, got.Definition.Nodes)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		err = store.CreateWorkflow(ctx, rec)
		assert.ErrorIs(t, err, ErrWorkflowExists)

		_, err = store.GetWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("UpdateWorkflowKeepsStatus", func(t *testing.T) {
		rec := newRecord("wf-2", "tenant-a", base.Add(time.Second))
		require.NoError(t, store.CreateWorkflow(ctx, rec))
		require.NoError(t, store.Transition(ctx, "wf-2", types.StatusLive, "https://builder/run/1", types.LogEntry{
			RunID: "run-0", Status: types.LogSuccess, StepName: types.StepDeploymentComplete,
		}))

		rec.Name = "Renamed"
		rec.Definition.Name = "Renamed"
		rec.UpdatedAt = base.Add(2 * time.Second)
		require.NoError(t, store.UpdateWorkflow(ctx, rec))

		got, err := store.GetWorkflow(ctx, "wf-2")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, "Renamed", got.Definition.Name)
		assert.Equal(t, types.StatusLive, got.Status)
		assert.Equal(t, "https://builder/run/1", got.LastRunURL)

		missing := newRecord("nope", "tenant-a", base)
		assert.ErrorIs(t, store.UpdateWorkflow(ctx, missing), ErrWorkflowNotFound)
	})

	t.Run("ListWorkflowsByTenant", func(t *testing.T) {
		require.NoError(t, store.CreateWorkflow(ctx, newRecord("wf-3", "tenant-b", base)))

		list, err := store.ListWorkflows(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "wf-2", list[0].ID, "newest first")

		list, err = store.ListWorkflows(ctx, "tenant-b")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("TransitionWritesStatusAndLog", func(t *testing.T) {
		require.NoError(t, store.Transition(ctx, "wf-1", types.StatusDeploying, "", types.LogEntry{
			RunID: "run-1", Status: types.LogRunning, StepName: types.StepDeploymentStart,
		}))
		require.NoError(t, store.Transition(ctx, "wf-1", types.StatusError, "", types.LogEntry{
			RunID: "run-1", Status: types.LogError, StepName: types.StepDeploymentFailed, Error: "boom",
			Output: map[string]interface{}{"attempt": float64(1)},
		}))

		got, err := store.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusError, got.Status)
		assert.Empty(t, got.LastRunURL)

		logs, err := store.ListLogs(ctx, LogFilter{WorkflowID: "wf-1", RunID: "run-1"})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, types.StepDeploymentStart, logs[0].StepName)
		assert.Equal(t, types.LogError, logs[1].Status)
		assert.Equal(t, "boom", logs[1].Error)
		assert.Equal(t, float64(1), logs[1].Output["attempt"])
		assert.NotZero(t, logs[1].ID)

		err = store.Transition(ctx, "missing", types.StatusLive, "", types.LogEntry{RunID: "x"})
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("AppendAndFilterLogs", func(t *testing.T) {
		old := base.Add(-48 * time.Hour)
		for i := 0; i < 3; i++ {
			_, err := store.AppendLog(ctx, types.LogEntry{
				WorkflowID: "wf-3",
				RunID:      fmt.Sprintf("run-%d", i),
				Status:     types.LogSuccess,
				StepName:   types.StepValidationComplete,
				ExecutedAt: old.Add(time.Duration(i) * 24 * time.Hour),
			})
			require.NoError(t, err)
		}

		all, err := store.ListLogs(ctx, LogFilter{WorkflowID: "wf-3"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		recent, err := store.ListLogs(ctx, LogFilter{WorkflowID: "wf-3", Since: base.Add(-25 * time.Hour)})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		limited, err := store.ListLogs(ctx, LogFilter{WorkflowID: "wf-3", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}
