package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/autoflow/llm"
	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

const askSystemPrompt = `You answer questions about one automation workflow.
You get its definition and aggregated execution statistics as JSON.
Answer in a few plain sentences using only that data. Rates are fractions between 0 and 1.`

// Answer is the reply to a natural-language question.
type Answer struct {
	Answer     string  `json:"answer"`
	Provenance string  `json:"provenance"`
	Summary    Summary `json:"summary"`
}

// Service reads logs and answers questions about them.
type Service struct {
	store     storage.Storage
	completer llm.Completer
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. A nil completer answers from the summary
// alone.
func NewService(store storage.Storage, completer llm.Completer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, completer: completer, logger: logger, now: time.Now}
}

// Summary aggregates the last days of a workflow's log.
func (s *Service) Summary(ctx context.Context, workflowID string, days int) (Summary, error) {
	window := DefaultWindow
	if days > 0 {
		window = time.Duration(days) * 24 * time.Hour
	}
	now := s.now().UTC()
	logs, err := s.store.ListLogs(ctx, storage.LogFilter{WorkflowID: workflowID, Since: now.Add(-window)})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read logs: %w", err)
	}
	return Summarize(workflowID, logs, now, window, defaultTopN), nil
}

// Ask answers question about rec using the model when one is configured.
func (s *Service) Ask(ctx context.Context, rec types.Record, question string, days int) (Answer, error) {
	summary, err := s.Summary(ctx, rec.ID, days)
	if err != nil {
		return Answer{}, err
	}
	if s.completer == nil {
		return Answer{Answer: Describe(rec.Name, summary), Provenance: "summary", Summary: summary}, nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"workflow":   rec.Definition,
		"status":     rec.Status,
		"statistics": summary,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("encode context: %w", err)
	}
	resp, err := s.completer.Complete(ctx, llm.Request{
		System: askSystemPrompt,
		User:   fmt.Sprintf("Context:\n%s\n\nQuestion: %s", payload, question),
	})
	if err != nil {
		s.logger.Warn("analytics question answered without model", "workflow_id", rec.ID, "error", err)
		return Answer{Answer: Describe(rec.Name, summary), Provenance: "summary", Summary: summary}, nil
	}
	return Answer{Answer: strings.TrimSpace(resp.Text), Provenance: "ai", Summary: summary}, nil
}

// Describe renders summary as prose.
func Describe(name string, s Summary) string {
	if s.TotalExecutions == 0 {
		return fmt.Sprintf("%s has no executions between %s and %s.", name, s.From.Format("2006-01-02"), s.To.Format("2006-01-02"))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s ran %d times: %.0f%% succeeded, %.0f%% failed", name, s.TotalExecutions, s.SuccessRate*100, s.ErrorRate*100)
	if s.InProgress > 0 {
		fmt.Fprintf(&b, ", %d still running", s.InProgress)
	}
	fmt.Fprintf(&b, ". Average execution time was %.0f ms.", s.AvgTimeMs)
	if len(s.TopErrors) > 0 {
		top := s.TopErrors[0]
		fmt.Fprintf(&b, " Most frequent error: %q (%d times, last seen %s).", top.Message, top.Count, top.LastSeen.Format(time.RFC3339))
	}
	return b.String()
}
