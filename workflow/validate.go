package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/autoflow/idempotency"
	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/rules"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

// ValidationWorker consumes validate jobs. When the payload asks for a
// deploy, a clean report enqueues the deploy job.
type ValidationWorker struct {
	store   storage.Storage
	queue   queue.Queue
	keyer   *idempotency.Keyer
	checker rules.Checker
	logger  *slog.Logger
	bucket  time.Duration
	now     func() time.Time
}

// NewValidationWorker creates a ValidationWorker.
func NewValidationWorker(store storage.Storage, q queue.Queue, keyer *idempotency.Keyer, checker rules.Checker, logger *slog.Logger) *ValidationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationWorker{
		store:   store,
		queue:   q,
		keyer:   keyer,
		checker: checker,
		logger:  logger,
		bucket:  time.Minute,
		now:     time.Now,
	}
}

// Handle implements queue.Handler. Issues are a normal outcome: the job
// completes and the report is written to the log. Only an unparsable
// document or a storage failure fails the job. A deploy request that fails
// for good gives its idempotency key back.
func (w *ValidationWorker) Handle(ctx context.Context, job queue.Job) (err error) {
	p := job.Payload
	run := runID(p.RequestID)
	logger := w.logger.With("workflow_id", p.WorkflowID, "run_id", run, "job_id", job.ID)

	defer func() {
		if err != nil && (job.Final() || queue.IsPermanent(err)) {
			w.release(ctx, p)
		}
	}()

	if err := appendLog(ctx, w.store, logger, types.LogEntry{
		WorkflowID: p.WorkflowID,
		RunID:      run,
		Status:     types.LogRunning,
		StepName:   types.StepValidationStart,
		Output:     map[string]interface{}{"attempt": job.Attempt, "deploy": p.Deploy},
	}); err != nil {
		return err
	}

	wf, err := schema.Parse(p.WorkflowJSON)
	if err != nil {
		_ = appendLog(ctx, w.store, logger, types.LogEntry{
			WorkflowID: p.WorkflowID,
			RunID:      run,
			Status:     types.LogError,
			StepName:   types.StepValidationError,
			Error:      err.Error(),
		})
		return queue.Permanent(err)
	}

	report := Analyze(wf, w.checker)
	entry := types.LogEntry{
		WorkflowID: p.WorkflowID,
		RunID:      run,
		Status:     types.LogSuccess,
		StepName:   types.StepValidationComplete,
		Output:     toOutput(report),
	}
	if !report.Success {
		entry.Status = types.LogError
		entry.Error = strings.Join(report.Issues, "; ")
	}
	if err := appendLog(ctx, w.store, logger, entry); err != nil {
		return err
	}
	logger.Info("workflow validated", "success", report.Success, "issues", len(report.Issues))

	if !p.Deploy {
		return nil
	}
	if !report.Success {
		logger.Warn("deploy skipped, validation reported issues", "issues", report.Issues)
		w.release(ctx, p)
		return nil
	}
	return w.enqueueDeploy(ctx, p)
}

func (w *ValidationWorker) enqueueDeploy(ctx context.Context, p types.JobPayload) error {
	next := p
	next.Deploy = false
	jobID := deployJobID(queue.KindDeploy, p, w.now(), w.bucket)
	handle, err := w.queue.Enqueue(ctx, queue.KindDeploy, next, queue.EnqueueOptions{JobID: jobID})
	if err != nil {
		return fmt.Errorf("enqueue deploy for %s: %w", p.WorkflowID, err)
	}
	w.logger.Info("deploy enqueued",
		"workflow_id", p.WorkflowID,
		"job_id", handle.ID,
		"durable", handle.Durable,
		"duplicate", handle.Duplicate,
	)
	return nil
}

func (w *ValidationWorker) release(ctx context.Context, p types.JobPayload) {
	if p.Deploy && p.IdempotencyKey != "" && w.keyer != nil {
		w.keyer.Release(ctx, p.IdempotencyKey)
	}
}

// Check is the synchronous form used by the CLI and the MCP tool.
func Check(data []byte) Report {
	return AnalyzeJSON(data, rules.NewExprChecker())
}

// marshalDefinition serializes a stored definition the way deploy keys and
// job payloads expect.
func marshalDefinition(wf types.Workflow) (json.RawMessage, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return data, nil
}
