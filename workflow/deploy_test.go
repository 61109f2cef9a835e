package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/autoflow/builder"
	"github.com/songzhibin97/autoflow/idempotency"
	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func builderReturning(res *builder.Result, err error) builder.Client {
	return builder.ClientFunc(func(ctx context.Context, wf types.Workflow, tenantID string) (*builder.Result, error) {
		return res, err
	})
}

// failingStore fails the operations whose error is set.
type failingStore struct {
	*storage.MemoryStorage
	transitionErr error
	appendErr     error
}

func (s *failingStore) Transition(ctx context.Context, id string, status types.Status, lastRunURL string, entry types.LogEntry) error {
	if s.transitionErr != nil {
		return s.transitionErr
	}
	return s.MemoryStorage.Transition(ctx, id, status, lastRunURL, entry)
}

func (s *failingStore) AppendLog(ctx context.Context, entry types.LogEntry) (types.LogEntry, error) {
	if s.appendErr != nil {
		return types.LogEntry{}, s.appendErr
	}
	return s.MemoryStorage.AppendLog(ctx, entry)
}

type deployFixture struct {
	store *storage.MemoryStorage
	keyer *idempotency.Keyer
	job   queue.Job
}

func newDeployFixture(t *testing.T) *deployFixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStorage(nil)
	wf := contactWorkflow()
	require.NoError(t, store.CreateWorkflow(ctx, types.Record{
		ID:         "wf-1",
		TenantID:   "t1",
		Name:       wf.Name,
		Definition: wf,
		Status:     types.StatusDraft,
		CreatedAt:  time.Now(),
	}))
	data, err := json.Marshal(wf)
	require.NoError(t, err)

	keyer := idempotency.NewKeyer(storage.NewMemoryKV(), idempotency.WithLogger(quietLogger()))
	key := idempotency.Key("t1", data)
	require.True(t, keyer.MarkStarted(ctx, key))

	return &deployFixture{
		store: store,
		keyer: keyer,
		job: queue.Job{
			ID:   "job-1",
			Kind: queue.KindDeploy,
			Payload: types.JobPayload{
				WorkflowID:     "wf-1",
				TenantID:       "t1",
				WorkflowJSON:   data,
				RequestID:      "run-1",
				IdempotencyKey: key,
			},
			Attempt:     1,
			MaxAttempts: 3,
		},
	}
}

func (f *deployFixture) logs(t *testing.T) []types.LogEntry {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), storage.LogFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	return logs
}

func (f *deployFixture) record(t *testing.T) types.Record {
	t.Helper()
	rec, err := f.store.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	return rec
}

func TestDeployWorker(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(&builder.Result{Success: true, ScenarioID: "s1", ViewURL: "Y"}, nil), f.keyer, quietLogger())

		require.NoError(t, w.Handle(ctx, f.job))

		rec := f.record(t)
		assert.Equal(t, types.StatusLive, rec.Status)
		assert.Equal(t, "Y", rec.LastRunURL)

		logs := f.logs(t)
		require.Len(t, logs, 2)
		assert.Equal(t, types.LogRunning, logs[0].Status)
		assert.Equal(t, types.StepDeploymentStart, logs[0].StepName)
		assert.Equal(t, types.LogSuccess, logs[1].Status)
		assert.Equal(t, types.StepDeploymentComplete, logs[1].StepName)
		assert.Equal(t, "run-1", logs[1].RunID)
		assert.Equal(t, "s1", logs[1].Output["scenarioId"])
		assert.Equal(t, "Y", logs[1].Output["viewUrl"])

		prev, ok := f.keyer.GetResult(ctx, f.job.Payload.IdempotencyKey)
		require.True(t, ok)
		assert.Equal(t, idempotency.StateCompleted, prev.State)
		assert.JSONEq(t, `{"success":true,"scenarioId":"s1","viewUrl":"Y"}`, string(prev.Result))
	})

	t.Run("RejectedByBuilder", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(&builder.Result{Success: false, Error: "X"}, nil), f.keyer, quietLogger())

		err := w.Handle(ctx, f.job)
		assert.ErrorIs(t, err, ErrDeploymentFailed)
		assert.False(t, queue.IsPermanent(err))

		rec := f.record(t)
		assert.Equal(t, types.StatusError, rec.Status)
		assert.Empty(t, rec.LastRunURL)

		logs := f.logs(t)
		require.Len(t, logs, 2)
		assert.Equal(t, types.LogError, logs[1].Status)
		assert.Equal(t, types.StepDeploymentFailed, logs[1].StepName)
		assert.Equal(t, "X", logs[1].Error)

		assert.True(t, f.keyer.IsDuplicate(ctx, f.job.Payload.IdempotencyKey), "retries remain, key is kept")
	})

	t.Run("TransportError", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(nil, builder.ErrTimeout), f.keyer, quietLogger())

		err := w.Handle(ctx, f.job)
		assert.ErrorIs(t, err, builder.ErrTimeout)

		assert.Equal(t, types.StatusError, f.record(t).Status)
		logs := f.logs(t)
		require.Len(t, logs, 2)
		assert.Equal(t, types.StepDeploymentError, logs[1].StepName)
		assert.Contains(t, logs[1].Error, "timed out")
	})

	t.Run("FinalAttemptReleasesKey", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(nil, errors.New("connection refused")), f.keyer, quietLogger())

		job := f.job
		job.Attempt = 3
		assert.Error(t, w.Handle(ctx, job))
		assert.False(t, f.keyer.IsDuplicate(ctx, job.Payload.IdempotencyKey))
	})

	t.Run("TransitionFailureOnFinalAttemptReleasesKey", func(t *testing.T) {
		f := newDeployFixture(t)
		calls := 0
		client := builder.ClientFunc(func(ctx context.Context, wf types.Workflow, tenantID string) (*builder.Result, error) {
			calls++
			return &builder.Result{Success: true}, nil
		})
		store := &failingStore{MemoryStorage: f.store, transitionErr: errors.New("database is locked")}
		w := NewDeployWorker(store, client, f.keyer, quietLogger())

		job := f.job
		require.Error(t, w.Handle(ctx, job))
		assert.True(t, f.keyer.IsDuplicate(ctx, job.Payload.IdempotencyKey), "retries remain, key is kept")

		job.Attempt = job.MaxAttempts
		require.Error(t, w.Handle(ctx, job))
		assert.False(t, f.keyer.IsDuplicate(ctx, job.Payload.IdempotencyKey))
		assert.Zero(t, calls)
		assert.Equal(t, types.StatusDraft, f.record(t).Status)
	})

	t.Run("InvalidPayload", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(&builder.Result{Success: true}, nil), f.keyer, quietLogger())

		job := f.job
		job.Payload.WorkflowJSON = json.RawMessage(`{"name":"broken"}`)
		err := w.Handle(ctx, job)
		assert.True(t, queue.IsPermanent(err))
		assert.ErrorIs(t, err, schema.ErrInvalid)
		assert.Equal(t, types.StatusError, f.record(t).Status)
		assert.False(t, f.keyer.IsDuplicate(ctx, job.Payload.IdempotencyKey))
	})

	t.Run("PanicLeavesErrorStatus", func(t *testing.T) {
		f := newDeployFixture(t)
		panicking := builder.ClientFunc(func(ctx context.Context, wf types.Workflow, tenantID string) (*builder.Result, error) {
			panic("nil map")
		})
		w := NewDeployWorker(f.store, panicking, f.keyer, quietLogger())

		var err error
		assert.NotPanics(t, func() { err = w.Handle(ctx, f.job) })
		assert.True(t, queue.IsPermanent(err))
		assert.Equal(t, types.StatusError, f.record(t).Status)

		logs := f.logs(t)
		require.Len(t, logs, 2)
		assert.Equal(t, types.StepDeploymentError, logs[1].StepName)
		assert.Contains(t, logs[1].Error, "nil map")
	})

	t.Run("UnknownWorkflow", func(t *testing.T) {
		f := newDeployFixture(t)
		w := NewDeployWorker(f.store, builderReturning(&builder.Result{Success: true}, nil), f.keyer, quietLogger())

		job := f.job
		job.Payload.WorkflowID = "missing"
		err := w.Handle(ctx, job)
		assert.ErrorIs(t, err, storage.ErrWorkflowNotFound)
	})
}
