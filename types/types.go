package types

import (
	"encoding/json"
	"time"
)

// Workflow defines the structure of an automation graph.
type Workflow struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Nodes       []Node            `json:"nodes"`
	Edges       []Edge            `json:"edges"`
	Triggers    []Trigger         `json:"triggers"`
	Env         map[string]string `json:"env,omitempty"`
}

// NodeType is the kind of step a node performs.
type NodeType string

const (
	NodeWebhook   NodeType = "webhook"
	NodeSchedule  NodeType = "schedule"
	NodeTransform NodeType = "transform"
	NodeEmail     NodeType = "email"
	NodeSlack     NodeType = "slack"
	NodeHTTP      NodeType = "http"
	NodeAI        NodeType = "ai"
)

// IsTrigger reports whether nodes of this type start a run on their own.
func (t NodeType) IsTrigger() bool {
	return t == NodeWebhook || t == NodeSchedule
}

// Node represents a step in the workflow.
type Node struct {
	ID      string                 `json:"id"`
	Type    NodeType               `json:"type"`
	Action  string                 `json:"action"`
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
	Outputs []string               `json:"outputs,omitempty"`
	AuthRef string                 `json:"authRef,omitempty"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	FromNodeID string `json:"fromNodeId"`
	FromPort   string `json:"fromPort,omitempty"`
	ToNodeID   string `json:"toNodeId"`
	ToPort     string `json:"toPort,omitempty"`
}

// TriggerType is the event source of a workflow.
type TriggerType string

const (
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// Trigger activates a workflow. NodeID optionally names the node that
// receives the trigger event.
type Trigger struct {
	Type   TriggerType            `json:"type"`
	Config map[string]interface{} `json:"config"`
	NodeID string                 `json:"nodeId,omitempty"`
}

// Status is the deployment state of a stored workflow.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusDeploying Status = "deploying"
	StatusLive      Status = "live"
	StatusError     Status = "error"
)

// Record is a persisted workflow row.
type Record struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Definition  Workflow  `json:"workflow"`
	Status      Status    `json:"status"`
	LastRunURL  string    `json:"lastRunUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LogStatus is the outcome recorded by a log row.
type LogStatus string

const (
	LogRunning LogStatus = "running"
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

// Step names written by the workers.
const (
	StepValidationStart    = "validation_start"
	StepValidationComplete = "validation_complete"
	StepValidationError    = "validation_error"
	StepDeploymentStart    = "deployment_start"
	StepDeploymentComplete = "deployment_complete"
	StepDeploymentFailed   = "deployment_failed"
	StepDeploymentError    = "deployment_error"
)

// LogEntry is one append-only row of the workflow audit trail.
type LogEntry struct {
	ID         int64                  `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	RunID      string                 `json:"runId"`
	Status     LogStatus              `json:"status"`
	StepName   string                 `json:"stepName"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ExecutedAt time.Time              `json:"executedAt"`
}

// Severity grades a node annotation.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// NodeAnnotation is a per-node diagnostic produced by static analysis.
type NodeAnnotation struct {
	NodeID   string   `json:"nodeId"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// JobPayload is carried by validate and deploy jobs.
type JobPayload struct {
	WorkflowID     string          `json:"workflowId"`
	TenantID       string          `json:"tenantId,omitempty"`
	WorkflowJSON   json.RawMessage `json:"workflowJson"`
	RequestID      string          `json:"requestId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	// Deploy asks the validation worker to enqueue a deploy job on success.
	Deploy bool `json:"deploy,omitempty"`
}
