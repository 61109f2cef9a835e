// Package workflow is the pipeline core: the service behind the API, the
// static analysis of workflow graphs, and the validate and deploy workers.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/songzhibin97/autoflow/generator"
	"github.com/songzhibin97/autoflow/idempotency"
	"github.com/songzhibin97/autoflow/queue"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

// Deploy request states.
const (
	DeployQueued     = "queued"
	DeployInProgress = "in_progress"
	DeployCompleted  = "completed"
)

// DeployResponse is returned by Service.Deploy. A duplicate request gets the
// stored outcome instead of a new job.
type DeployResponse struct {
	Status         string          `json:"status"`
	WorkflowID     string          `json:"workflowId"`
	RequestID      string          `json:"requestId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Job            *queue.Handle   `json:"job,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// Service is the entry point used by the HTTP API, the MCP tools and the CLI.
type Service struct {
	store     storage.Storage
	queue     queue.Queue
	keyer     *idempotency.Keyer
	generator generator.Generator
	logger    *slog.Logger
	bucket    time.Duration
	now       func() time.Time
}

// NewService creates a Service.
func NewService(store storage.Storage, q queue.Queue, keyer *idempotency.Keyer, gen generator.Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		queue:     q,
		keyer:     keyer,
		generator: gen,
		logger:    logger,
		bucket:    time.Minute,
		now:       time.Now,
	}
}

// Generate turns a prompt into a workflow. Nothing is persisted.
func (s *Service) Generate(ctx context.Context, req generator.Request) (generator.Result, error) {
	res, err := s.generator.Generate(ctx, req)
	if err != nil {
		return res, err
	}
	s.logger.Info("workflow generated",
		"tenant_id", req.TenantID,
		"provenance", res.Provenance,
		"tokens", res.TokensUsed,
		"latency_ms", res.LatencyMs,
	)
	return res, nil
}

// Create validates data and stores it as a draft.
func (s *Service) Create(ctx context.Context, tenantID, userID string, data []byte) (types.Record, error) {
	if tenantID == "" {
		return types.Record{}, ErrTenantRequired
	}
	wf, err := schema.Parse(data)
	if err != nil {
		return types.Record{}, err
	}
	now := s.now().UTC()
	rec := types.Record{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      userID,
		Name:        wf.Name,
		Description: wf.Description,
		Definition:  wf,
		Status:      types.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWorkflow(ctx, rec); err != nil {
		return types.Record{}, fmt.Errorf("failed to create workflow: %w", err)
	}
	return rec, nil
}

// Update replaces the definition of a tenant's workflow.
func (s *Service) Update(ctx context.Context, tenantID, id string, data []byte) (types.Record, error) {
	rec, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return types.Record{}, err
	}
	wf, err := schema.Parse(data)
	if err != nil {
		return types.Record{}, err
	}
	rec.Name = wf.Name
	rec.Description = wf.Description
	rec.Definition = wf
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateWorkflow(ctx, rec); err != nil {
		return types.Record{}, fmt.Errorf("failed to update workflow: %w", err)
	}
	return rec, nil
}

// Get returns a workflow of tenantID. Rows of other tenants are reported as
// not found.
func (s *Service) Get(ctx context.Context, tenantID, id string) (types.Record, error) {
	if tenantID == "" {
		return types.Record{}, ErrTenantRequired
	}
	rec, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return types.Record{}, err
	}
	if rec.TenantID != tenantID {
		return types.Record{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns the tenant's workflows, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]types.Record, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return s.store.ListWorkflows(ctx, tenantID)
}

// Validate enqueues a validate job for the stored definition.
func (s *Service) Validate(ctx context.Context, tenantID, id string) (queue.Handle, error) {
	rec, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return queue.Handle{}, err
	}
	data, err := marshalDefinition(rec.Definition)
	if err != nil {
		return queue.Handle{}, err
	}
	payload := types.JobPayload{
		WorkflowID:   id,
		TenantID:     tenantID,
		WorkflowJSON: data,
		RequestID:    newRequestID(),
	}
	jobID := queue.JobID(queue.KindValidate, tenantID, id, idempotency.Hash(data), s.now(), s.bucket)
	return s.queue.Enqueue(ctx, queue.KindValidate, payload, queue.EnqueueOptions{JobID: jobID})
}

// Deploy validates and then deploys the stored definition. Byte-identical
// content of one tenant is deployed once per idempotency window; repeats get
// the in-progress marker or the completed result.
func (s *Service) Deploy(ctx context.Context, tenantID, id string) (DeployResponse, error) {
	rec, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return DeployResponse{}, err
	}
	if err := schema.Validate(rec.Definition); err != nil {
		return DeployResponse{}, err
	}
	data, err := marshalDefinition(rec.Definition)
	if err != nil {
		return DeployResponse{}, err
	}

	key := s.keyer.Key(tenantID, data)
	resp := DeployResponse{WorkflowID: id, IdempotencyKey: key}

	if s.keyer.IsDuplicate(ctx, key) {
		if prev, ok := s.keyer.GetResult(ctx, key); ok && prev.State == idempotency.StateCompleted {
			resp.Status = DeployCompleted
			resp.Result = prev.Result
			return resp, nil
		}
		resp.Status = DeployInProgress
		return resp, nil
	}
	if !s.keyer.MarkStarted(ctx, key) {
		resp.Status = DeployInProgress
		return resp, nil
	}

	resp.RequestID = newRequestID()
	payload := types.JobPayload{
		WorkflowID:     id,
		TenantID:       tenantID,
		WorkflowJSON:   data,
		RequestID:      resp.RequestID,
		IdempotencyKey: key,
		Deploy:         true,
	}
	jobID := deployJobID(queue.KindValidate, payload, s.now(), s.bucket)
	handle, err := s.queue.Enqueue(ctx, queue.KindValidate, payload, queue.EnqueueOptions{JobID: jobID})
	if err != nil {
		s.keyer.Release(ctx, key)
		return DeployResponse{}, fmt.Errorf("failed to enqueue deploy: %w", err)
	}
	if handle.Duplicate {
		s.keyer.Release(ctx, key)
		s.logger.Warn("deploy job already queued", "workflow_id", id, "job_id", handle.ID)
		resp.Status = DeployInProgress
		resp.RequestID = ""
		return resp, nil
	}
	s.logger.Info("deploy requested",
		"workflow_id", id,
		"tenant_id", tenantID,
		"request_id", resp.RequestID,
		"job_id", handle.ID,
		"durable", handle.Durable,
	)
	resp.Status = DeployQueued
	resp.Job = &handle
	return resp, nil
}

// deployJobID names the jobs of one deploy request. The request id keeps a
// re-deploy of unchanged content apart from the attempt that failed before it.
func deployJobID(kind string, p types.JobPayload, t time.Time, bucket time.Duration) string {
	return queue.JobID(kind, p.TenantID, p.WorkflowID, idempotency.Hash(p.WorkflowJSON)+"-"+p.RequestID, t, bucket)
}

// Logs returns the workflow's log rows in execution order.
func (s *Service) Logs(ctx context.Context, tenantID, id string, filter storage.LogFilter) ([]types.LogEntry, error) {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	filter.WorkflowID = id
	return s.store.ListLogs(ctx, filter)
}

func newRequestID() string {
	return strings.ToLower(ulid.Make().String())
}
