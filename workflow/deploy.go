package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/autoflow/builder"
	"github.com/songzhibin97/autoflow/idempotency"
	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

// DeployWorker consumes deploy jobs and moves the workflow through
// deploying to live or error. Every status change is written together with
// the log row explaining it.
type DeployWorker struct {
	store   storage.Storage
	builder builder.Client
	keyer   *idempotency.Keyer
	logger  *slog.Logger
}

// NewDeployWorker creates a DeployWorker. Wrap client with
// builder.WithTimeout to bound the external call.
func NewDeployWorker(store storage.Storage, client builder.Client, keyer *idempotency.Keyer, logger *slog.Logger) *DeployWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeployWorker{store: store, builder: client, keyer: keyer, logger: logger}
}

// Handle implements queue.Handler. Builder failures are returned so the
// queue can retry them.
func (w *DeployWorker) Handle(ctx context.Context, job queue.Job) (err error) {
	p := job.Payload
	run := runID(p.RequestID)
	logger := w.logger.With("workflow_id", p.WorkflowID, "run_id", run, "job_id", job.ID, "attempt", job.Attempt)

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("deploy panicked: %v", r)
			w.transition(ctx, logger, p.WorkflowID, types.StatusError, "", types.LogEntry{
				RunID:    run,
				Status:   types.LogError,
				StepName: types.StepDeploymentError,
				Error:    perr.Error(),
			})
			w.settle(ctx, job)
			err = queue.Permanent(perr)
		}
	}()

	wf, perr := schema.Parse(p.WorkflowJSON)
	if perr != nil {
		w.transition(ctx, logger, p.WorkflowID, types.StatusError, "", types.LogEntry{
			RunID:    run,
			Status:   types.LogError,
			StepName: types.StepDeploymentError,
			Error:    perr.Error(),
		})
		w.release(ctx, p)
		return queue.Permanent(perr)
	}

	if err := w.transition(ctx, logger, p.WorkflowID, types.StatusDeploying, "", types.LogEntry{
		RunID:    run,
		Status:   types.LogRunning,
		StepName: types.StepDeploymentStart,
		Output:   map[string]interface{}{"attempt": job.Attempt, "maxAttempts": job.MaxAttempts},
	}); err != nil {
		w.settle(ctx, job)
		return err
	}

	res, derr := w.builder.Deploy(ctx, wf, p.TenantID)
	if derr != nil {
		w.transition(ctx, logger, p.WorkflowID, types.StatusError, "", types.LogEntry{
			RunID:    run,
			Status:   types.LogError,
			StepName: types.StepDeploymentError,
			Error:    derr.Error(),
		})
		w.settle(ctx, job)
		return derr
	}
	if !res.Success {
		w.transition(ctx, logger, p.WorkflowID, types.StatusError, "", types.LogEntry{
			RunID:    run,
			Status:   types.LogError,
			StepName: types.StepDeploymentFailed,
			Error:    res.Error,
		})
		w.settle(ctx, job)
		return fmt.Errorf("%w: %s", ErrDeploymentFailed, res.Error)
	}

	if err := w.transition(ctx, logger, p.WorkflowID, types.StatusLive, res.ViewURL, types.LogEntry{
		RunID:    run,
		Status:   types.LogSuccess,
		StepName: types.StepDeploymentComplete,
		Output:   map[string]interface{}{"scenarioId": res.ScenarioID, "viewUrl": res.ViewURL},
	}); err != nil {
		return err
	}
	if w.keyer != nil && p.IdempotencyKey != "" {
		w.keyer.MarkCompleted(ctx, p.IdempotencyKey, res)
	}
	logger.Info("workflow deployed", "scenario_id", res.ScenarioID, "view_url", res.ViewURL)
	return nil
}

func (w *DeployWorker) transition(ctx context.Context, logger *slog.Logger, id string, status types.Status, lastRunURL string, entry types.LogEntry) error {
	entry.WorkflowID = id
	if err := w.store.Transition(ctx, id, status, lastRunURL, entry); err != nil {
		logger.Error("failed to record deploy transition", "status", status, "step", entry.StepName, "error", err)
		return fmt.Errorf("transition %s to %s: %w", id, status, err)
	}
	return nil
}

// settle releases the idempotency key once no retry is left, so the user
// can trigger the deploy again.
func (w *DeployWorker) settle(ctx context.Context, job queue.Job) {
	if job.Final() {
		w.release(ctx, job.Payload)
	}
}

func (w *DeployWorker) release(ctx context.Context, p types.JobPayload) {
	if w.keyer != nil && p.IdempotencyKey != "" {
		w.keyer.Release(ctx, p.IdempotencyKey)
	}
}
