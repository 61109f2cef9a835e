package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/autoflow/types"
)

// Errors
var (
	ErrNotFound         = errors.New("resource not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
)

// LogFilter selects workflow log rows. Zero values mean "any".
type LogFilter struct {
	WorkflowID string
	RunID      string
	Since      time.Time
	Limit      int
}

// Storage persists workflow rows and their append-only log.
type Storage interface {
	// CreateWorkflow inserts a new workflow row.
	CreateWorkflow(ctx context.Context, rec types.Record) error

	// UpdateWorkflow replaces the owner-mutable fields (name, description,
	// definition). Status and ownership are left untouched.
	UpdateWorkflow(ctx context.Context, rec types.Record) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.Record, error)

	// ListWorkflows returns a tenant's workflows, newest first.
	ListWorkflows(ctx context.Context, tenantID string) ([]types.Record, error)

	// Transition sets the workflow status and appends entry in one atomic
	// unit. An empty lastRunURL keeps the stored value.
	Transition(ctx context.Context, id string, status types.Status, lastRunURL string, entry types.LogEntry) error

	// AppendLog appends a log row and returns it with its assigned ID.
	AppendLog(ctx context.Context, entry types.LogEntry) (types.LogEntry, error)

	// ListLogs returns log rows in execution order.
	ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error)
}

// KeyValueStore is the shared store behind idempotency records.
type KeyValueStore interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value with a TTL; zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func matches(entry types.LogEntry, filter LogFilter) bool {
	if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.RunID != "" && entry.RunID != filter.RunID {
		return false
	}
	if !filter.Since.IsZero() && entry.ExecutedAt.Before(filter.Since) {
		return false
	}
	return true
}
