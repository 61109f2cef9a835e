package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/autoflow/events"
	"github.com/songzhibin97/autoflow/types"
)

// dedupWindow is how long an inline job id is remembered.
const dedupWindow = 10 * time.Minute

// InlineQueue runs the handler on the enqueuing goroutine, once. It is the
// degraded mode used when the durable store is unreachable.
type InlineQueue struct {
	*core
	ids    generator.Generator
	seen   map[string]time.Time
	closed bool
	mu     sync.Mutex
}

// NewInlineQueue creates an InlineQueue.
func NewInlineQueue(opts ...Option) *InlineQueue {
	return &InlineQueue{
		core: newCore(opts),
		ids:  generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		seen: make(map[string]time.Time),
	}
}

// Enqueue runs the job before returning. Handler failures are reported through
// OnFailed, not as an error, so callers observe the same contract as with a
// durable queue.
func (q *InlineQueue) Enqueue(ctx context.Context, kind string, payload types.JobPayload, opts EnqueueOptions) (Handle, error) {
	h, err := q.handler(kind)
	if err != nil {
		return Handle{}, err
	}

	id, dup, err := q.claim(opts.JobID)
	if err != nil {
		return Handle{}, err
	}
	handle := Handle{ID: id, Kind: kind}
	if dup {
		handle.Duplicate = true
		return handle, nil
	}

	job := Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Attempt:     1,
		MaxAttempts: 1,
		EnqueuedAt:  time.Now().UTC(),
	}

	// The job outlives a canceled request, as it would on a worker.
	runCtx := context.WithoutCancel(ctx)
	if err := q.run(runCtx, h, job); err != nil {
		q.logger.Error("inline job failed", "job_id", id, "kind", kind, "workflow_id", payload.WorkflowID, "error", err)
		q.emit(runCtx, true, events.JobFailed, job, err)
		return handle, nil
	}
	q.emit(runCtx, true, events.JobCompleted, job, nil)
	return handle, nil
}

// claim fabricates an id when none is given and records it for dedup.
func (q *InlineQueue) claim(jobID string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", false, ErrClosed
	}

	if jobID == "" {
		n, err := q.ids.NextID()
		if err != nil {
			return "", false, fmt.Errorf("failed to generate job id: %w", err)
		}
		return fmt.Sprintf("inline-%d", n), false, nil
	}

	now := time.Now()
	for id, at := range q.seen {
		if now.Sub(at) > dedupWindow {
			delete(q.seen, id)
		}
	}
	if _, ok := q.seen[jobID]; ok {
		return jobID, true, nil
	}
	q.seen[jobID] = now
	return jobID, false, nil
}

// Start is a no-op; inline jobs run in Enqueue.
func (q *InlineQueue) Start(context.Context) error { return nil }

// Close rejects further jobs and stops the event bus.
func (q *InlineQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.bus.Stop()
	return nil
}

// Durable is always false.
func (q *InlineQueue) Durable() bool { return false }
