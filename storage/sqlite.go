package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/autoflow/types"
)

// SQLiteStorage is an embedded implementation of the Storage interface for
// single-node deployments and tests.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// Writers serialize on the file lock anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}
	return &SQLiteStorage{db: db}, nil
}

// Migrate creates the tables used by the pipeline.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) CreateWorkflow(ctx context.Context, rec types.Record) error {
	def, err := encodeDefinition(rec.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.TenantID, rec.UserID, rec.Name, rec.Description, string(def), string(rec.Status), rec.LastRunURL,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: id=%s", ErrWorkflowExists, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert workflow %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpdateWorkflow(ctx context.Context, rec types.Record) error {
	def, err := encodeDefinition(rec.Definition)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflows SET name = ?, description = ?, workflow_json = ?, updated_at = ? WHERE id = ?",
		rec.Name, rec.Description, string(def), rec.UpdatedAt.UnixNano(), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow %s: %w", rec.ID, err)
	}
	return requireAffected(res, rec.ID)
}

func (s *SQLiteStorage) GetWorkflow(ctx context.Context, id string) (types.Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}
	return rec, err
}

func (s *SQLiteStorage) ListWorkflows(ctx context.Context, tenantID string) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE tenant_id = ? ORDER BY created_at DESC", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Transition(ctx context.Context, id string, status types.Status, lastRunURL string, entry types.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE workflows SET status = ?, last_run_url = CASE WHEN ? = '' THEN last_run_url ELSE ? END, updated_at = ? WHERE id = ?",
		string(status), lastRunURL, lastRunURL, entry.ExecutedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", id, err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	entry.WorkflowID = id
	if _, err := insertSQLiteLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AppendLog(ctx context.Context, entry types.LogEntry) (types.LogEntry, error) {
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	id, err := insertSQLiteLog(ctx, s.db, entry)
	if err != nil {
		return types.LogEntry{}, err
	}
	entry.ID = id
	return entry, nil
}

func (s *SQLiteStorage) ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "executed_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := "SELECT id, workflow_id, run_id, status, step_name, output_json, error, executed_at FROM workflow_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY executed_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []types.LogEntry
	for rows.Next() {
		var (
			entry      types.LogEntry
			status     string
			output     sql.NullString
			executedAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.WorkflowID, &entry.RunID, &status, &entry.StepName, &output, &entry.Error, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		entry.Status = types.LogStatus(status)
		entry.ExecutedAt = time.Unix(0, executedAt).UTC()
		if entry.Output, err = decodeOutput([]byte(output.String)); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteLog(ctx context.Context, e sqlExecer, entry types.LogEntry) (int64, error) {
	output, err := encodeOutput(entry.Output)
	if err != nil {
		return 0, err
	}
	var outputArg interface{}
	if output != nil {
		outputArg = string(output)
	}
	res, err := e.ExecContext(ctx,
		"INSERT INTO workflow_logs (workflow_id, run_id, status, step_name, output_json, error, executed_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		entry.WorkflowID, entry.RunID, string(entry.Status), entry.StepName, outputArg, entry.Error, entry.ExecutedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to insert log row: %w", err)
	}
	return res.LastInsertId()
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
	}
	return nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row sqlRow) (types.Record, error) {
	var (
		rec                  types.Record
		def, status          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.Name, &rec.Description, &def, &status, &rec.LastRunURL, &createdAt, &updatedAt); err != nil {
		return types.Record{}, err
	}
	rec.Status = types.Status(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	wf, err := decodeDefinition([]byte(def))
	if err != nil {
		return types.Record{}, err
	}
	rec.Definition = wf
	return rec, nil
}
