package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/autoflow/types"
)

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgresStorage.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate creates the tables used by the pipeline.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

const workflowColumns = "id, tenant_id, user_id, name, description, workflow_json, status, last_run_url, created_at, updated_at"

// CreateWorkflow inserts a workflow row.
func (s *PostgresStorage) CreateWorkflow(ctx context.Context, rec types.Record) error {
	def, err := encodeDefinition(rec.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		rec.ID, rec.TenantID, rec.UserID, rec.Name, rec.Description, def, string(rec.Status), rec.LastRunURL, rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: id=%s", ErrWorkflowExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateWorkflow replaces name, description and definition.
func (s *PostgresStorage) UpdateWorkflow(ctx context.Context, rec types.Record) error {
	def, err := encodeDefinition(rec.Definition)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		"UPDATE workflows SET name = $2, description = $3, workflow_json = $4, updated_at = $5 WHERE id = $1",
		rec.ID, rec.Name, rec.Description, def, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, rec.ID)
	}
	return nil
}

// GetWorkflow retrieves a workflow by its ID.
func (s *PostgresStorage) GetWorkflow(ctx context.Context, id string) (types.Record, error) {
	row := s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Record{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}
	return rec, err
}

// ListWorkflows returns the tenant's workflows, newest first.
func (s *PostgresStorage) ListWorkflows(ctx context.Context, tenantID string) ([]types.Record, error) {
	rows, err := s.db.Query(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = $1 ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transition updates the status and appends the log row in one transaction.
func (s *PostgresStorage) Transition(ctx context.Context, id string, status types.Status, lastRunURL string, entry types.LogEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	tag, err := tx.Exec(ctx,
		"UPDATE workflows SET status = $2, last_run_url = COALESCE(NULLIF($3, ''), last_run_url), updated_at = $4 WHERE id = $1",
		id, string(status), lastRunURL, entry.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}

	entry.WorkflowID = id
	if _, err := insertLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// AppendLog appends a log row.
func (s *PostgresStorage) AppendLog(ctx context.Context, entry types.LogEntry) (types.LogEntry, error) {
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	id, err := insertLog(ctx, s.db, entry)
	if err != nil {
		return types.LogEntry{}, err
	}
	entry.ID = id
	return entry, nil
}

// ListLogs returns matching rows in execution order.
func (s *PostgresStorage) ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if filter.RunID != "" {
		add("run_id = $%d", filter.RunID)
	}
	if !filter.Since.IsZero() {
		add("executed_at >= $%d", filter.Since)
	}

	query := "SELECT id, workflow_id, run_id, status, step_name, output_json, error, executed_at FROM workflow_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY executed_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var (
			entry  types.LogEntry
			status string
			output []byte
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &entry.RunID, &status, &entry.StepName, &output, &entry.Error, &entry.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entry.Status = types.LogStatus(status)
		if entry.Output, err = decodeOutput(output); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertLog(ctx context.Context, q querier, entry types.LogEntry) (int64, error) {
	output, err := encodeOutput(entry.Output)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.QueryRow(ctx,
		"INSERT INTO workflow_logs (workflow_id, run_id, status, step_name, output_json, error, executed_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		entry.WorkflowID, entry.RunID, string(entry.Status), entry.StepName, output, entry.Error, entry.ExecutedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert log row: %w", err)
	}
	return id, nil
}

func scanRecord(row pgx.Row) (types.Record, error) {
	var (
		rec    types.Record
		def    []byte
		status string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.Name, &rec.Description, &def, &status, &rec.LastRunURL, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return types.Record{}, err
	}
	rec.Status = types.Status(status)
	wf, err := decodeDefinition(def)
	if err != nil {
		return types.Record{}, err
	}
	rec.Definition = wf
	return rec, nil
}
