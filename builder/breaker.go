package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/songzhibin97/autoflow/types"
)

// BreakerClient fails fast while the builder keeps erroring at the transport
// level. Results with Success false do not count as failures.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[*Result]
}

// NewBreakerClient opens after maxFailures consecutive errors and probes
// again after openFor.
func NewBreakerClient(inner Client, maxFailures uint32, openFor time.Duration, logger *slog.Logger) *BreakerClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxFailures == 0 {
		maxFailures = 5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "builder",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerClient{inner: inner, breaker: cb}
}

// Deploy implements the Client interface.
func (b *BreakerClient) Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	res, err := b.breaker.Execute(func() (*Result, error) {
		return b.inner.Deploy(ctx, wf, tenantID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

// State returns the current breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}
