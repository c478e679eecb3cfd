package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow catalog ---

// SaveWorkflow inserts a new version of the workflow. If wf.Version is
// zero the next version number is assigned inside the transaction.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if wf.Version == 0 {
		var next int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE id = ?`, wf.ID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("next workflow version: %w", err)
		}
		wf.Version = next
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, description, definition, input_schema, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Version, nullStr(wf.Name), nullStr(wf.Description),
		string(def), nullRaw(wf.InputSchema), timeOrNow(wf.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return tx.Commit()
}

// GetWorkflow returns the given version, or the latest if version is zero.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*Workflow, error) {
	query := `SELECT id, version, name, description, definition, input_schema, created_at
	          FROM workflows WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	wf := &Workflow{}
	var name, desc, inputSchema sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&wf.ID, &wf.Version, &name, &desc, &defJSON, &inputSchema, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	wf.InputSchema = rawOrNil(inputSchema)
	return wf, nil
}

// ListWorkflows returns the latest version of each workflow.
func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT w.id, w.version, w.name, w.description, w.definition, w.input_schema, w.created_at
	          FROM workflows w
	          JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
	            ON w.id = latest.id AND w.version = latest.version`
	var args []any
	if filter.Name != "" {
		query += " WHERE w.name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY w.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var name, desc, inputSchema sql.NullString
		var defJSON string
		if err := rows.Scan(&wf.ID, &wf.Version, &name, &desc, &defJSON, &inputSchema, &wf.CreatedAt); err != nil {
			return nil, err
		}
		wf.Name = name.String
		wf.Description = desc.String
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		wf.InputSchema = rawOrNil(inputSchema)
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes all versions of a workflow.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_version, strategy, status, input, config, output, error, metrics, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, nullStr(ex.WorkflowID), ex.WorkflowVersion, string(ex.Strategy), string(ex.Status),
		nullRaw(ex.Input), nullRaw(ex.Config), nullRaw(ex.Output), nullRaw(ex.Error), nullRaw(ex.Metrics),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		executionSelect+` WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions, err := scanExecutions(rows)
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, storeNotFound("execution", id)
	}
	return executions[0], nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Metrics != nil {
		sets = append(sets, "metrics = ?")
		args = append(args, string(update.Metrics))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := executionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

const executionSelect = `SELECT id, workflow_id, workflow_version, strategy, status, input, config, output, error, metrics, created_at, started_at, completed_at, updated_at FROM executions`

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var executions []*Execution
	for rows.Next() {
		ex := &Execution{}
		var (
			workflowID                              sql.NullString
			strategy, status                        string
			input, config, output, errJSON, metrics sql.NullString
			startedAt, completedAt                  sql.NullTime
		)
		if err := rows.Scan(&ex.ID, &workflowID, &ex.WorkflowVersion, &strategy, &status,
			&input, &config, &output, &errJSON, &metrics,
			&ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt); err != nil {
			return nil, err
		}
		ex.WorkflowID = workflowID.String
		ex.Strategy = schema.Strategy(strategy)
		ex.Status = schema.ExecutionStatus(status)
		ex.Input = rawOrNil(input)
		ex.Config = rawOrNil(config)
		ex.Output = rawOrNil(output)
		ex.Error = rawOrNil(errJSON)
		ex.Metrics = rawOrNil(metrics)
		if startedAt.Valid {
			ex.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ex.CompletedAt = &completedAt.Time
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// --- Step executions ---

func (s *LibSQLStore) UpsertStepExecution(ctx context.Context, se *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (execution_id, step_id, agent_ref, status, attempt, input, output, error, cost_usd, input_tokens, output_tokens, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   agent_ref=excluded.agent_ref, status=excluded.status, attempt=excluded.attempt,
		   input=excluded.input, output=excluded.output, error=excluded.error,
		   cost_usd=excluded.cost_usd, input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		se.ExecutionID, se.StepID, se.AgentRef, string(se.Status), se.Attempt,
		nullRaw(se.Input), nullRaw(se.Output), nullRaw(se.Error),
		se.CostUSD, se.InTokens, se.OutTokens,
		nullTime(se.StartedAt), nullTime(se.CompletedAt), se.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepExecution(ctx context.Context, executionID, stepID string) (*StepExecution, error) {
	se := &StepExecution{}
	var status string
	var input, output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, step_id, agent_ref, status, attempt, input, output, error, cost_usd, input_tokens, output_tokens, started_at, completed_at, duration_ms
		 FROM step_executions WHERE execution_id = ? AND step_id = ?`, executionID, stepID,
	).Scan(&se.ExecutionID, &se.StepID, &se.AgentRef, &status, &se.Attempt,
		&input, &output, &errJSON, &se.CostUSD, &se.InTokens, &se.OutTokens,
		&startedAt, &completedAt, &se.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", executionID+"/"+stepID)
	}
	if err != nil {
		return nil, err
	}
	se.Status = schema.StepStatus(status)
	se.Input = rawOrNil(input)
	se.Output = rawOrNil(output)
	se.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		se.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		se.CompletedAt = &completedAt.Time
	}
	return se, nil
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, agent_ref, status, attempt, input, output, error, cost_usd, input_tokens, output_tokens, started_at, completed_at, duration_ms
		 FROM step_executions WHERE execution_id = ?`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		se := &StepExecution{}
		var status string
		var input, output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&se.ExecutionID, &se.StepID, &se.AgentRef, &status, &se.Attempt,
			&input, &output, &errJSON, &se.CostUSD, &se.InTokens, &se.OutTokens,
			&startedAt, &completedAt, &se.DurationMs); err != nil {
			return nil, err
		}
		se.Status = schema.StepStatus(status)
		se.Input = rawOrNil(input)
		se.Output = rawOrNil(output)
		se.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			se.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			se.CompletedAt = &completedAt.Time
		}
		steps = append(steps, se)
	}
	return steps, rows.Err()
}

// --- Events ---

// AppendEvent inserts an audit event with a monotonically increasing
// per-execution sequence, assigned inside the transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Execution logs ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, step_id, level, message, fields, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, nullStr(entry.StepID), string(entry.Level), entry.Message,
		nullRaw(entry.Fields), timeOrNow(entry.Timestamp),
	)
	return err
}

func (s *LibSQLStore) GetLogs(ctx context.Context, executionID string, limit int) ([]*LogEntry, error) {
	query := `SELECT id, execution_id, step_id, level, message, fields, timestamp
	          FROM execution_logs WHERE execution_id = ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		entry := &LogEntry{}
		var stepID, fields sql.NullString
		var level string
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &stepID, &level, &entry.Message, &fields, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.StepID = stepID.String
		entry.Level = schema.LogLevel(level)
		entry.Fields = rawOrNil(fields)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, workflow_version, cron_expression, input, config, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowVersion, run.CronExpression,
		nullRaw(run.Input), nullRaw(run.Config), run.Enabled,
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus),
		timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var input, config, lastStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, cron_expression, input, config, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.CronExpression,
		&input, &config, &run.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Input = rawOrNil(input)
	run.Config = rawOrNil(config)
	run.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		run.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		run.NextRunAt = &nextRunAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT id, workflow_id, workflow_version, cron_expression, input, config, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var input, config, lastStatus sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.WorkflowVersion, &run.CronExpression,
			&input, &config, &run.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Input = rawOrNil(input)
		run.Config = rawOrNil(config)
		run.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			run.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			run.NextRunAt = &nextRunAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
