// Package generator turns a natural-language prompt into a workflow.
//
// LLMGenerator asks a language model and falls back to a keyword-selected
// template when the model is rate limited, fails, or returns a document that
// does not validate. TemplateGenerator only uses templates and is selected
// when no model is configured.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/songzhibin97/autoflow/llm"
	"github.com/songzhibin97/autoflow/schema"
	"github.com/songzhibin97/autoflow/types"
)

var (
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrTemplateInvalid means a built-in template failed validation.
	ErrTemplateInvalid = errors.New("fallback template is invalid")
)

// Provenance tells where a generated workflow came from.
type Provenance string

const (
	ProvenanceAI       Provenance = "ai"
	ProvenanceTemplate Provenance = "template"
)

// SystemPrompt constrains the model to the workflow document shape.
const SystemPrompt = `You convert automation requests into workflow JSON.
Reply with a single JSON object and nothing else. The object has:
- "name": short title
- "description": one sentence
- "nodes": array of {"id","type","action","inputs","outputs","authRef"} where type is one of webhook, schedule, transform, email, slack, http, ai
- "edges": array of {"fromNodeId","fromPort","toNodeId","toPort"} referencing node ids
- "triggers": array of {"type","config","nodeId"}; webhook config needs "path" and "method", schedule config needs "cron"
Nodes of type email, slack and http need an "authRef". email nodes need inputs.to, slack nodes inputs.channel, http nodes inputs.url, ai nodes inputs.prompt.
Reference upstream data with {{trigger.body.field}}, {{env.NAME}} or {{nodeId.port}}.`

// Request is a generation request.
type Request struct {
	Prompt   string `json:"prompt"`
	TenantID string `json:"tenantId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// Result is the outcome of a generation. A template fallback is a success
// that differs only by Provenance and FallbackReason.
type Result struct {
	Success        bool            `json:"success"`
	Workflow       *types.Workflow `json:"workflow,omitempty"`
	Provenance     Provenance      `json:"provenance,omitempty"`
	Template       string          `json:"template,omitempty"`
	TokensUsed     int             `json:"tokensUsed"`
	LatencyMs      int64           `json:"latencyMs"`
	FallbackReason string          `json:"fallbackReason,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Generator produces workflows from prompts.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// New returns an LLMGenerator over completer, or a TemplateGenerator when
// completer is nil.
func New(completer llm.Completer, opts ...Option) Generator {
	if completer == nil {
		return &TemplateGenerator{}
	}
	return NewLLMGenerator(completer, opts...)
}

// TemplateGenerator selects a template by keyword.
type TemplateGenerator struct{}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}
	start := time.Now()
	res, err := fromTemplate(req.Prompt)
	res.LatencyMs = time.Since(start).Milliseconds()
	return res, err
}

// fromTemplate builds the selected template and runs it through the same
// validation path as model output.
func fromTemplate(prompt string) (Result, error) {
	tpl := Select(prompt)
	data, err := json.Marshal(tpl.Build(prompt))
	if err != nil {
		return Result{Success: false, Error: err.Error()}, fmt.Errorf("%w: %s: %v", ErrTemplateInvalid, tpl.Name, err)
	}
	wf, err := schema.Parse(data)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, fmt.Errorf("%w: %s: %v", ErrTemplateInvalid, tpl.Name, err)
	}
	return Result{
		Success:    true,
		Workflow:   &wf,
		Provenance: ProvenanceTemplate,
		Template:   tpl.Name,
	}, nil
}

// Option configures an LLMGenerator.
type Option func(*LLMGenerator)

// WithRateLimit allows rpm completions per minute with the given burst.
// Requests over the limit use the template fallback.
func WithRateLimit(rpm, burst int) Option {
	return func(g *LLMGenerator) {
		if rpm <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *LLMGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// LLMGenerator asks a language model first.
type LLMGenerator struct {
	completer llm.Completer
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewLLMGenerator creates an LLMGenerator.
func NewLLMGenerator(completer llm.Completer, opts ...Option) *LLMGenerator {
	g := &LLMGenerator{completer: completer, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}
	start := time.Now()

	wf, tokens, err := g.ask(ctx, req)
	if err == nil {
		return Result{
			Success:    true,
			Workflow:   &wf,
			Provenance: ProvenanceAI,
			TokensUsed: tokens,
			LatencyMs:  time.Since(start).Milliseconds(),
		}, nil
	}

	g.logger.Warn("workflow generation fell back to template",
		"tenant_id", req.TenantID,
		"user_id", req.UserID,
		"error", err,
	)
	res, terr := fromTemplate(req.Prompt)
	res.TokensUsed = tokens
	res.LatencyMs = time.Since(start).Milliseconds()
	res.FallbackReason = err.Error()
	return res, terr
}

func (g *LLMGenerator) ask(ctx context.Context, req Request) (types.Workflow, int, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return types.Workflow{}, 0, llm.ErrRateLimited
	}

	resp, err := g.completer.Complete(ctx, llm.Request{
		System:     SystemPrompt,
		User:       req.Prompt,
		Schema:     json.RawMessage(schema.Document),
		SchemaName: "workflow",
	})
	if err != nil {
		return types.Workflow{}, 0, err
	}

	text := []byte(llm.StripCodeFences(resp.Text))
	if err := schema.CheckDocument(text); err != nil {
		return types.Workflow{}, resp.TokensUsed, err
	}
	wf, err := schema.Parse(text)
	if err != nil {
		return types.Workflow{}, resp.TokensUsed, err
	}
	return wf, resp.TokensUsed, nil
}
