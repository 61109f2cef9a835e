// Package queue dispatches validate and deploy jobs to their workers.
//
// Two implementations share the Queue interface: RedisQueue persists jobs and
// retries them with backoff, InlineQueue runs each job on the enqueuing
// goroutine with a single attempt. New picks one at startup.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/songzhibin97/autoflow/events"
	"github.com/songzhibin97/autoflow/types"
)

// Queue names.
const (
	KindValidate = "validate"
	KindDeploy   = "deploy"
)

const tracerName = "github.com/songzhibin97/autoflow/queue"

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue is closed")
	// ErrNoHandler is returned when a job kind has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job kind")
)

// Job is one queued unit of work.
type Job struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	Payload     types.JobPayload `json:"payload"`
	Attempt     int              `json:"attempt"`
	MaxAttempts int              `json:"maxAttempts"`
	EnqueuedAt  time.Time        `json:"enqueuedAt"`
}

// Final reports whether a failure of this attempt is terminal.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handle identifies an enqueued job. A handle from a non-durable queue does
// not imply the job was persisted or will be retried.
type Handle struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Durable   bool   `json:"durable"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	// JobID deduplicates re-enqueues of the same logical operation. Empty
	// means a generated id.
	JobID string
}

// Handler processes jobs of one kind.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Queue is the dispatch contract used by the pipeline.
type Queue interface {
	// Register binds a handler to a job kind. Call before Start.
	Register(kind string, handler Handler)
	Enqueue(ctx context.Context, kind string, payload types.JobPayload, opts EnqueueOptions) (Handle, error)
	Start(ctx context.Context) error
	Close() error
	// Durable reports whether jobs survive restarts and are retried.
	Durable() bool
	OnComplete(fn func(ctx context.Context, event events.Event) error)
	OnFailed(fn func(ctx context.Context, event events.Event) error)
	OnRetrying(fn func(ctx context.Context, event events.Event) error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// JobID derives the queue-level id of a job. Calls for the same tenant,
// workflow and content within one bucket of t return the same id.
func JobID(kind, tenantID, workflowID, contentHash string, t time.Time, bucket time.Duration) string {
	var stamp int64
	if bucket > 0 {
		stamp = t.Truncate(bucket).Unix()
	} else {
		stamp = t.UnixMilli()
	}
	return fmt.Sprintf("%s_%s_%s_%s_%d", kind, tenantID, workflowID, contentHash, stamp)
}

// Option configures a queue.
type Option func(*core)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPolicy overrides the retry policy of kind.
func WithPolicy(kind string, policy RetryPolicy) Option {
	return func(c *core) {
		c.policies[kind] = policy
	}
}

// WithJobTimeout bounds a single attempt.
func WithJobTimeout(d time.Duration) Option {
	return func(c *core) {
		if d > 0 {
			c.jobTimeout = d
		}
	}
}

// WithConcurrency sets the number of consumers per kind of a durable queue.
func WithConcurrency(n int) Option {
	return func(c *core) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// core holds what both implementations share: handlers, policies and the
// lifecycle event bus.
type core struct {
	handlers    map[string]Handler
	policies    map[string]RetryPolicy
	bus         *events.EventBus
	logger      *slog.Logger
	jobTimeout  time.Duration
	concurrency int
	mu          sync.RWMutex
}

func newCore(opts []Option) *core {
	c := &core{
		handlers:    make(map[string]Handler),
		policies:    DefaultPolicies(),
		logger:      slog.Default(),
		jobTimeout:  time.Minute,
		concurrency: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus = events.NewEventBus(events.WithErrorHandler(events.LogErrors(c.logger)))
	return c
}

// Register binds handler to kind.
func (c *core) Register(kind string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = handler
}

func (c *core) handler(kind string) (Handler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	return h, nil
}

func (c *core) kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		out = append(out, k)
	}
	return out
}

func (c *core) policy(kind string) RetryPolicy {
	if p, ok := c.policies[kind]; ok {
		return p
	}
	return RetryPolicy{MaxAttempts: 1}
}

// OnComplete subscribes fn to job.completed.
func (c *core) OnComplete(fn func(ctx context.Context, event events.Event) error) {
	c.bus.SubscribeFunc(events.JobCompleted, fn)
}

// OnFailed subscribes fn to job.failed.
func (c *core) OnFailed(fn func(ctx context.Context, event events.Event) error) {
	c.bus.SubscribeFunc(events.JobFailed, fn)
}

// OnRetrying subscribes fn to job.retrying.
func (c *core) OnRetrying(fn func(ctx context.Context, event events.Event) error) {
	c.bus.SubscribeFunc(events.JobRetrying, fn)
}

// run executes one attempt under the job timeout. A panic becomes an error.
func (c *core) run(ctx context.Context, h Handler, job Job) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "job."+job.Kind)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("workflow.id", job.Payload.WorkflowID),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job panicked", "job_id", job.ID, "kind", job.Kind, "panic", r, "stack", string(debug.Stack()))
			err = Permanent(fmt.Errorf("job %s panicked: %v", job.ID, r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return h.Handle(ctx, job)
}

// emit publishes a lifecycle event. Inline queues deliver synchronously so
// subscribers have run when Enqueue returns.
func (c *core) emit(ctx context.Context, wait bool, eventType string, job Job, jobErr error) {
	data := map[string]interface{}{
		"workflow_id":  job.Payload.WorkflowID,
		"tenant_id":    job.Payload.TenantID,
		"request_id":   job.Payload.RequestID,
		"attempt":      strconv.Itoa(job.Attempt),
		"max_attempts": strconv.Itoa(job.MaxAttempts),
	}
	if jobErr != nil {
		data["error"] = jobErr.Error()
	}
	event := events.Event{Type: eventType, JobID: job.ID, Kind: job.Kind, Data: data}

	if wait {
		for _, err := range c.bus.PublishSync(ctx, event) {
			if !errors.Is(err, events.ErrNoHandler) {
				c.logger.Warn("job event handler failed", "event", eventType, "job_id", job.ID, "error", err)
			}
		}
		return
	}
	if err := c.bus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		c.logger.Warn("failed to publish job event", "event", eventType, "job_id", job.ID, "error", err)
	}
}
