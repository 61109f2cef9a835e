package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/songzhibin97/autoflow/storage"
	"github.com/songzhibin97/autoflow/types"
)

// runID returns the request id carried by a job, or a fresh ULID.
func runID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return strings.ToLower(ulid.Make().String())
}

// toOutput converts v into the generic map stored in log rows.
func toOutput(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"encodeError": err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"encodeError": err.Error()}
	}
	return out
}

// appendLog writes a log row. A failed write is logged and returned.
func appendLog(ctx context.Context, store storage.Storage, logger *slog.Logger, entry types.LogEntry) error {
	if _, err := store.AppendLog(ctx, entry); err != nil {
		logger.Error("failed to append workflow log",
			"workflow_id", entry.WorkflowID,
			"run_id", entry.RunID,
			"step", entry.StepName,
			"error", err,
		)
		return err
	}
	return nil
}
