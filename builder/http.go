package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/songzhibin97/autoflow/types"
)

const (
	tracerName      = "github.com/songzhibin97/autoflow/builder"
	maxResponseBody = 1 << 20
)

// HTTPClient calls a builder service over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient. Deadlines come from the caller's
// context, see WithTimeout.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

type deployRequest struct {
	TenantID string         `json:"tenantId"`
	Workflow types.Workflow `json:"workflow"`
}

// Deploy posts the workflow to {baseURL}/scenarios. A 2xx or 422 response
// carries a Result; other statuses are transport errors.
func (c *HTTPClient) Deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "builder.deploy")
	span.SetAttributes(attribute.String("tenant.id", tenantID))
	defer span.End()

	res, err := c.deploy(ctx, wf, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("builder.success", res.Success))
	return res, nil
}

func (c *HTTPClient) deploy(ctx context.Context, wf types.Workflow, tenantID string) (*Result, error) {
	body, err := json.Marshal(deployRequest{TenantID: tenantID, Workflow: wf})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scenarios", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok && resp.StatusCode != http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("builder error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !ok {
		res.Success = false
	}
	return &res, nil
}
