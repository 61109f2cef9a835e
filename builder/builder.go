// Package builder deploys workflows to the external automation builder.
package builder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/autoflow/types"
)

var (
	// ErrTimeout is returned when a deploy call exceeds its deadline.
	ErrTimeout = errors.New("builder: deploy timed out")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("builder: service unavailable")
)

// Result is the builder's answer. Success false is a business outcome, a
// transport failure is an error.
type Result struct {
	Success    bool   `json:"success"`
	ScenarioID string `json:"scenarioId,omitempty"`
	ViewURL    string `json:"viewUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Client deploys a workflow for a tenant.
type Client interface {
	Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error)
}

// ClientFunc is a function adapter for Client.
type ClientFunc func(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error)

// Deploy implements the Client interface.
func (f ClientFunc) Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	return f(ctx, wf, tenantID)
}

type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout bounds every call to inner. An exceeded deadline surfaces as
// ErrTimeout.
func WithTimeout(inner Client, timeout time.Duration) Client {
	if timeout <= 0 {
		return inner
	}
	return &timeoutClient{inner: inner, timeout: timeout}
}

func (c *timeoutClient) Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.inner.Deploy(ctx, wf, tenantID)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return res, err
}
