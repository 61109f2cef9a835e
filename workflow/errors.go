package workflow

import (
	"errors"

	"github.com/songzhibin97/autoflow/storage"
)

// Standard error definitions
var (
	// ErrNotFound is returned for unknown ids and for workflows of another tenant.
	ErrNotFound = storage.ErrWorkflowNotFound
	// ErrDeploymentFailed wraps a builder result with success false.
	ErrDeploymentFailed = errors.New("deployment failed")
	// ErrTenantRequired is returned when a call carries no tenant id.
	ErrTenantRequired = errors.New("tenant id is required")
)
