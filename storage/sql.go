package storage

import (
	"encoding/json"
	"fmt"

	"github.com/songzhibin97/autoflow/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	workflow_json JSONB NOT NULL,
	status        TEXT NOT NULL,
	last_run_url  TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_tenant_idx ON workflows (tenant_id, created_at DESC);
CREATE TABLE IF NOT EXISTS workflow_logs (
	id          BIGSERIAL PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	step_name   TEXT NOT NULL,
	output_json JSONB,
	error       TEXT NOT NULL DEFAULT '',
	executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_logs_workflow_idx ON workflow_logs (workflow_id, executed_at);
`

// Timestamps are stored as UTC unix nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	workflow_json TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_run_url  TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS workflows_tenant_idx ON workflows (tenant_id, created_at);
CREATE TABLE IF NOT EXISTS workflow_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	status      TEXT NOT NULL,
	step_name   TEXT NOT NULL,
	output_json TEXT,
	error       TEXT NOT NULL DEFAULT '',
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_logs_workflow_idx ON workflow_logs (workflow_id, executed_at);
`

func encodeDefinition(wf types.Workflow) ([]byte, error) {
	data, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow definition: %w", err)
	}
	return data, nil
}

func decodeDefinition(data []byte) (types.Workflow, error) {
	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	return wf, nil
}

func encodeOutput(output map[string]interface{}) ([]byte, error) {
	if output == nil {
		return nil, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log output: %w", err)
	}
	return data, nil
}

func decodeOutput(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal log output: %w", err)
	}
	return out, nil
}
