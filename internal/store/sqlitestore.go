// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/discoveryhq/discovery/internal/domain"
	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// SQLiteStore is a modernc.org/sqlite-backed Gateway for durable, single-node
// deployments. The visit-cap claim in AppendStepExecution and the
// read-modify-write in UpdateExecutionContext each run in one transaction;
// with a single open connection, transactions from this process run one at
// a time (see withImmediateTx).
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig is the connection configuration for SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// NewSQLiteStore opens (creating if necessary) the database at cfg.Path and
// runs migrations.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, &discoveryerr.StorageError{Op: "open", Message: "failed to open sqlite database", Cause: err}
	}

	// sqlite serializes writes; a single connection avoids SQLITE_BUSY
	// races against modernc.org/sqlite's own locking.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &discoveryerr.StorageError{Op: "ping", Message: "failed to connect to sqlite database", Cause: err}
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return &discoveryerr.StorageError{Op: "configure_pragmas", Message: p, Cause: err}
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			max_visits INTEGER NOT NULL,
			handler_name TEXT NOT NULL,
			is_terminal INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			current_step_id TEXT,
			context TEXT,
			additional_data TEXT,
			custom_status TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			input_payload TEXT,
			output_payload TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			FOREIGN KEY (execution_id) REFERENCES executions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_exec_step ON step_executions(execution_id, step_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return &discoveryerr.StorageError{Op: "migrate", Message: "migration failed", Cause: err}
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(op string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", &discoveryerr.StorageError{Op: op, Message: "failed to marshal json column", Cause: err}
	}
	return string(b), nil
}

func unmarshalJSONMap(op string, raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, &discoveryerr.StorageError{Op: op, Message: "failed to unmarshal json column", Cause: err}
	}
	return m, nil
}

func parseTimestamp(op string, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &discoveryerr.StorageError{Op: op, Message: "failed to parse timestamp", Cause: err}
	}
	return t, nil
}

// ---- workflows ----

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	if wf.Name == "" {
		return &discoveryerr.ValidationError{Field: "name", Message: "workflow name must not be empty"}
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, mode, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Mode), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return &discoveryerr.StorageError{Op: "CreateWorkflow", Message: "insert failed", Cause: err}
	}
	return nil
}

func (s *SQLiteStore) scanWorkflow(row *sql.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var mode, createdAt, updatedAt string
	if err := row.Scan(&wf.ID, &wf.Name, &mode, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &discoveryerr.StorageError{Op: "GetWorkflow", Message: "scan failed", Cause: err}
	}
	wf.Mode = domain.Mode(mode)
	var err error
	if wf.CreatedAt, err = parseTimestamp("GetWorkflow", createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTimestamp("GetWorkflow", updatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, mode, created_at, updated_at FROM workflows WHERE id = ?`, id)
	wf, err := s.scanWorkflow(row)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, &discoveryerr.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, mode, created_at, updated_at FROM workflows ORDER BY created_at ASC`)
	if err != nil {
		return nil, &discoveryerr.StorageError{Op: "ListWorkflows", Message: "query failed", Cause: err}
	}
	defer rows.Close()

	out := make([]*domain.Workflow, 0)
	for rows.Next() {
		var wf domain.Workflow
		var mode, createdAt, updatedAt string
		if err := rows.Scan(&wf.ID, &wf.Name, &mode, &createdAt, &updatedAt); err != nil {
			return nil, &discoveryerr.StorageError{Op: "ListWorkflows", Message: "scan failed", Cause: err}
		}
		wf.Mode = domain.Mode(mode)
		if wf.CreatedAt, err = parseTimestamp("ListWorkflows", createdAt); err != nil {
			return nil, err
		}
		if wf.UpdatedAt, err = parseTimestamp("ListWorkflows", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, mode = ?, updated_at = ? WHERE id = ?`,
		wf.Name, string(wf.Mode), now.Format(time.RFC3339), wf.ID)
	if err != nil {
		return &discoveryerr.StorageError{Op: "UpdateWorkflow", Message: "update failed", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &discoveryerr.NotFoundError{Resource: "workflow", ID: wf.ID}
	}
	wf.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.withImmediateTx(ctx, "DeleteWorkflow", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return &discoveryerr.NotFoundError{Resource: "workflow", ID: id}
			}
			return &discoveryerr.StorageError{Op: "DeleteWorkflow", Message: "lookup failed", Cause: err}
		}

		var nonTerminal int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND status NOT IN ('completed', 'failed')`, id).
			Scan(&nonTerminal)
		if err != nil {
			return &discoveryerr.StorageError{Op: "DeleteWorkflow", Message: "execution count failed", Cause: err}
		}
		if nonTerminal > 0 {
			return &discoveryerr.ConflictError{Resource: "workflow", Reason: "has non-terminal executions"}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workflow_id = ?`, id); err != nil {
			return &discoveryerr.StorageError{Op: "DeleteWorkflow", Message: "delete steps failed", Cause: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
			return &discoveryerr.StorageError{Op: "DeleteWorkflow", Message: "delete failed", Cause: err}
		}
		return nil
	})
}

// ---- steps ----

func (s *SQLiteStore) CreateStep(ctx context.Context, step *domain.Step) error {
	if step.MaxVisits < 1 {
		return &discoveryerr.ValidationError{Field: "max_visits", Message: "must be >= 1"}
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, step.WorkflowID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return &discoveryerr.NotFoundError{Resource: "workflow", ID: step.WorkflowID}
		}
		return &discoveryerr.StorageError{Op: "CreateStep", Message: "workflow lookup failed", Cause: err}
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	isTerminal := 0
	if step.IsTerminal {
		isTerminal = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, workflow_id, name, step_order, max_visits, handler_name, is_terminal)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Name, step.Order, step.MaxVisits, step.EffectiveHandlerName(), isTerminal)
	if err != nil {
		return &discoveryerr.StorageError{Op: "CreateStep", Message: "insert failed", Cause: err}
	}
	return nil
}

func (s *SQLiteStore) scanStep(row *sql.Row) (*domain.Step, error) {
	var step domain.Step
	var isTerminal int
	if err := row.Scan(&step.ID, &step.WorkflowID, &step.Name, &step.Order, &step.MaxVisits, &step.HandlerName, &isTerminal); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &discoveryerr.StorageError{Op: "GetStep", Message: "scan failed", Cause: err}
	}
	step.IsTerminal = isTerminal != 0
	return &step, nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, id string) (*domain.Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, name, step_order, max_visits, handler_name, is_terminal FROM steps WHERE id = ?`, id)
	step, err := s.scanStep(row)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, &discoveryerr.NotFoundError{Resource: "step", ID: id}
	}
	return step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, workflowID string) ([]*domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, step_order, max_visits, handler_name, is_terminal
		 FROM steps WHERE workflow_id = ? ORDER BY step_order ASC, id ASC`, workflowID)
	if err != nil {
		return nil, &discoveryerr.StorageError{Op: "ListSteps", Message: "query failed", Cause: err}
	}
	defer rows.Close()

	out := make([]*domain.Step, 0)
	for rows.Next() {
		var step domain.Step
		var isTerminal int
		if err := rows.Scan(&step.ID, &step.WorkflowID, &step.Name, &step.Order, &step.MaxVisits, &step.HandlerName, &isTerminal); err != nil {
			return nil, &discoveryerr.StorageError{Op: "ListSteps", Message: "scan failed", Cause: err}
		}
		step.IsTerminal = isTerminal != 0
		out = append(out, &step)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, step *domain.Step) error {
	isTerminal := 0
	if step.IsTerminal {
		isTerminal = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET name = ?, step_order = ?, max_visits = ?, handler_name = ?, is_terminal = ? WHERE id = ?`,
		step.Name, step.Order, step.MaxVisits, step.EffectiveHandlerName(), isTerminal, step.ID)
	if err != nil {
		return &discoveryerr.StorageError{Op: "UpdateStep", Message: "update failed", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &discoveryerr.NotFoundError{Resource: "step", ID: step.ID}
	}
	return nil
}

func (s *SQLiteStore) DeleteStep(ctx context.Context, id string) error {
	return s.withImmediateTx(ctx, "DeleteStep", func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM steps WHERE id = ?`, id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return &discoveryerr.NotFoundError{Resource: "step", ID: id}
			}
			return &discoveryerr.StorageError{Op: "DeleteStep", Message: "lookup failed", Cause: err}
		}

		var conflicting int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM executions WHERE current_step_id = ? AND status NOT IN ('completed', 'failed')`, id).
			Scan(&conflicting)
		if err != nil {
			return &discoveryerr.StorageError{Op: "DeleteStep", Message: "execution count failed", Cause: err}
		}
		if conflicting > 0 {
			return &discoveryerr.ConflictError{Resource: "step", Reason: "is the current step of a running execution"}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, id); err != nil {
			return &discoveryerr.StorageError{Op: "DeleteStep", Message: "delete failed", Cause: err}
		}
		return nil
	})
}

// ---- executions ----

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, exec.WorkflowID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return &discoveryerr.NotFoundError{Resource: "workflow", ID: exec.WorkflowID}
		}
		return &discoveryerr.StorageError{Op: "CreateExecution", Message: "workflow lookup failed", Cause: err}
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	exec.Context["execution_id"] = exec.ID
	now := time.Now().UTC()
	exec.CreatedAt, exec.UpdatedAt = now, now

	ctxJSON, err := marshalJSON("CreateExecution", exec.Context)
	if err != nil {
		return err
	}
	addlJSON, err := marshalJSON("CreateExecution", exec.AdditionalData)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, mode, current_step_id, context, additional_data, custom_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(exec.Mode), exec.CurrentStepID,
		nullableString(ctxJSON), nullableString(addlJSON), nullableString(exec.CustomStatus),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return &discoveryerr.StorageError{Op: "CreateExecution", Message: "insert failed", Cause: err}
	}
	return nil
}

func (s *SQLiteStore) scanExecution(row *sql.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var status, mode, createdAt, updatedAt string
	var currentStepID, customStatus sql.NullString
	var ctxJSON, addlJSON sql.NullString
	err := row.Scan(&exec.ID, &exec.WorkflowID, &status, &mode, &currentStepID,
		&ctxJSON, &addlJSON, &customStatus, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &discoveryerr.StorageError{Op: "GetExecution", Message: "scan failed", Cause: err}
	}
	exec.Status = domain.ExecStatus(status)
	exec.Mode = domain.Mode(mode)
	if currentStepID.Valid {
		v := currentStepID.String
		exec.CurrentStepID = &v
	}
	if customStatus.Valid {
		exec.CustomStatus = customStatus.String
	}
	if exec.Context, err = unmarshalJSONMap("GetExecution", ctxJSON); err != nil {
		return nil, err
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	if exec.AdditionalData, err = unmarshalJSONMap("GetExecution", addlJSON); err != nil {
		return nil, err
	}
	if exec.CreatedAt, err = parseTimestamp("GetExecution", createdAt); err != nil {
		return nil, err
	}
	if exec.UpdatedAt, err = parseTimestamp("GetExecution", updatedAt); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, mode, current_step_id, context, additional_data, custom_status, created_at, updated_at
		 FROM executions WHERE id = ?`, id)
	exec, err := s.scanExecution(row)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &discoveryerr.NotFoundError{Resource: "execution", ID: id}
	}
	return exec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, q ExecutionQuery) (*ExecutionPage, error) {
	countQuery := `SELECT COUNT(*) FROM executions WHERE 1=1`
	listQuery := `SELECT id, workflow_id, status, mode, current_step_id, context, additional_data, custom_status, created_at, updated_at
		FROM executions WHERE 1=1`
	args := []any{}
	if q.WorkflowID != "" {
		countQuery += " AND workflow_id = ?"
		listQuery += " AND workflow_id = ?"
		args = append(args, q.WorkflowID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, &discoveryerr.StorageError{Op: "ListExecutions", Message: "count failed", Cause: err}
	}

	listQuery += " ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 {
		listQuery += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		listQuery += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, &discoveryerr.StorageError{Op: "ListExecutions", Message: "query failed", Cause: err}
	}
	defer rows.Close()

	out := make([]*domain.Execution, 0)
	for rows.Next() {
		var exec domain.Execution
		var status, mode, createdAt, updatedAt string
		var currentStepID, customStatus sql.NullString
		var ctxJSON, addlJSON sql.NullString
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &mode, &currentStepID,
			&ctxJSON, &addlJSON, &customStatus, &createdAt, &updatedAt); err != nil {
			return nil, &discoveryerr.StorageError{Op: "ListExecutions", Message: "scan failed", Cause: err}
		}
		exec.Status = domain.ExecStatus(status)
		exec.Mode = domain.Mode(mode)
		if currentStepID.Valid {
			v := currentStepID.String
			exec.CurrentStepID = &v
		}
		if customStatus.Valid {
			exec.CustomStatus = customStatus.String
		}
		if exec.Context, err = unmarshalJSONMap("ListExecutions", ctxJSON); err != nil {
			return nil, err
		}
		if exec.AdditionalData, err = unmarshalJSONMap("ListExecutions", addlJSON); err != nil {
			return nil, err
		}
		if exec.CreatedAt, err = parseTimestamp("ListExecutions", createdAt); err != nil {
			return nil, err
		}
		if exec.UpdatedAt, err = parseTimestamp("ListExecutions", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &exec)
	}
	return &ExecutionPage{Executions: out, Total: total}, nil
}

func (s *SQLiteStore) SetCurrentStep(ctx context.Context, executionID, stepID string) error {
	return s.withImmediateTx(ctx, "SetCurrentStep", func(tx *sql.Tx) error {
		status, err := s.lockExecutionStatus(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if domain.ExecStatus(status).IsTerminal() {
			return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot set current step on a terminal execution"}
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE executions SET current_step_id = ?, updated_at = ? WHERE id = ?`,
			stepID, now.Format(time.RFC3339), executionID)
		if err != nil {
			return &discoveryerr.StorageError{Op: "SetCurrentStep", Message: "update failed", Cause: err}
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateExecutionContext(ctx context.Context, executionID string, patch map[string]any) error {
	return s.withImmediateTx(ctx, "UpdateExecutionContext", func(tx *sql.Tx) error {
		var status string
		var ctxJSON sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, context FROM executions WHERE id = ?`, executionID).Scan(&status, &ctxJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return &discoveryerr.NotFoundError{Resource: "execution", ID: executionID}
			}
			return &discoveryerr.StorageError{Op: "UpdateExecutionContext", Message: "lookup failed", Cause: err}
		}
		if domain.ExecStatus(status).IsTerminal() {
			return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot mutate context on a terminal execution"}
		}

		current, err := unmarshalJSONMap("UpdateExecutionContext", ctxJSON)
		if err != nil {
			return err
		}
		if current == nil {
			current = make(map[string]any)
		}
		domain.MergeContext(current, patch)

		merged, err := marshalJSON("UpdateExecutionContext", current)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `UPDATE executions SET context = ?, updated_at = ? WHERE id = ?`,
			nullableString(merged), now.Format(time.RFC3339), executionID)
		if err != nil {
			return &discoveryerr.StorageError{Op: "UpdateExecutionContext", Message: "update failed", Cause: err}
		}
		return nil
	})
}

func (s *SQLiteStore) SetExecutionStatus(ctx context.Context, executionID string, status domain.ExecStatus) error {
	return s.withImmediateTx(ctx, "SetExecutionStatus", func(tx *sql.Tx) error {
		current, err := s.lockExecutionStatus(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if domain.ExecStatus(current).IsTerminal() {
			return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "execution already in a terminal state"}
		}
		now := time.Now().UTC()
		if status.IsTerminal() {
			_, err = tx.ExecContext(ctx, `UPDATE executions SET status = ?, current_step_id = NULL, updated_at = ? WHERE id = ?`,
				string(status), now.Format(time.RFC3339), executionID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE executions SET status = ?, updated_at = ? WHERE id = ?`,
				string(status), now.Format(time.RFC3339), executionID)
		}
		if err != nil {
			return &discoveryerr.StorageError{Op: "SetExecutionStatus", Message: "update failed", Cause: err}
		}
		return nil
	})
}

func (s *SQLiteStore) lockExecutionStatus(ctx context.Context, tx *sql.Tx, executionID string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, executionID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", &discoveryerr.NotFoundError{Resource: "execution", ID: executionID}
		}
		return "", &discoveryerr.StorageError{Op: "lockExecutionStatus", Message: "lookup failed", Cause: err}
	}
	return status, nil
}

// ---- step executions ----

// AppendStepExecution claims the next attempt slot within a single
// transaction (see withImmediateTx): the count of existing rows for
// (execution, step) and the insert of the new row are atomic, so two
// concurrent callers cannot both observe count < MaxVisits and both insert.
func (s *SQLiteStore) AppendStepExecution(ctx context.Context, exec *domain.Execution, step *domain.Step, scrubbedInput map[string]any, now time.Time) (*domain.StepExecution, error) {
	var result *domain.StepExecution
	err := s.withImmediateTx(ctx, "AppendStepExecution", func(tx *sql.Tx) error {
		status, err := s.lockExecutionStatus(ctx, tx, exec.ID)
		if err != nil {
			return err
		}
		if domain.ExecStatus(status).IsTerminal() {
			return &discoveryerr.InvariantError{Code: "terminal_execution", Message: "cannot append a step execution to a terminal execution"}
		}

		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM step_executions WHERE execution_id = ? AND step_id = ?`, exec.ID, step.ID).
			Scan(&count)
		if err != nil {
			return &discoveryerr.StorageError{Op: "AppendStepExecution", Message: "count failed", Cause: err}
		}
		if count >= step.MaxVisits {
			return &discoveryerr.InvariantError{Code: "max_visits_exceeded", Message: "step " + step.Name + " reached its visit cap"}
		}

		inputJSON, err := marshalJSON("AppendStepExecution", scrubbedInput)
		if err != nil {
			return err
		}

		se := &domain.StepExecution{
			ID:           uuid.NewString(),
			StepID:       step.ID,
			WorkflowID:   step.WorkflowID,
			ExecutionID:  exec.ID,
			Status:       domain.StepStatusRunning,
			Attempt:      count + 1,
			InputPayload: scrubbedInput,
			StartedAt:    now,
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_executions (id, step_id, workflow_id, execution_id, status, attempt, input_payload, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			se.ID, se.StepID, se.WorkflowID, se.ExecutionID, string(se.Status), se.Attempt,
			nullableString(inputJSON), now.Format(time.RFC3339))
		if err != nil {
			return &discoveryerr.StorageError{Op: "AppendStepExecution", Message: "insert failed", Cause: err}
		}

		_, err = tx.ExecContext(ctx, `UPDATE executions SET current_step_id = ?, updated_at = ? WHERE id = ?`,
			step.ID, now.Format(time.RFC3339), exec.ID)
		if err != nil {
			return &discoveryerr.StorageError{Op: "AppendStepExecution", Message: "execution update failed", Cause: err}
		}

		result = se
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) CompleteStepExecution(ctx context.Context, stepExecutionID string, status domain.StepStatus, scrubbedOutput map[string]any, finishedAt time.Time) error {
	outputJSON, err := marshalJSON("CompleteStepExecution", scrubbedOutput)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, output_payload = ?, finished_at = ? WHERE id = ?`,
		string(status), nullableString(outputJSON), finishedAt.Format(time.RFC3339), stepExecutionID)
	if err != nil {
		return &discoveryerr.StorageError{Op: "CompleteStepExecution", Message: "update failed", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &discoveryerr.NotFoundError{Resource: "step_execution", ID: stepExecutionID}
	}
	return nil
}

func (s *SQLiteStore) CountStepExecutions(ctx context.Context, executionID, stepID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions WHERE execution_id = ? AND step_id = ?`, executionID, stepID).
		Scan(&count)
	if err != nil {
		return 0, &discoveryerr.StorageError{Op: "CountStepExecutions", Message: "count failed", Cause: err}
	}
	return count, nil
}

func (s *SQLiteStore) ListStepExecutions(ctx context.Context, executionID string) ([]*domain.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_id, workflow_id, execution_id, status, attempt, input_payload, output_payload, started_at, finished_at
		 FROM step_executions WHERE execution_id = ? ORDER BY started_at ASC`, executionID)
	if err != nil {
		return nil, &discoveryerr.StorageError{Op: "ListStepExecutions", Message: "query failed", Cause: err}
	}
	defer rows.Close()

	out := make([]*domain.StepExecution, 0)
	for rows.Next() {
		var se domain.StepExecution
		var status, startedAt string
		var finishedAt sql.NullString
		var inputJSON, outputJSON sql.NullString
		if err := rows.Scan(&se.ID, &se.StepID, &se.WorkflowID, &se.ExecutionID, &status, &se.Attempt,
			&inputJSON, &outputJSON, &startedAt, &finishedAt); err != nil {
			return nil, &discoveryerr.StorageError{Op: "ListStepExecutions", Message: "scan failed", Cause: err}
		}
		se.Status = domain.StepStatus(status)
		if se.InputPayload, err = unmarshalJSONMap("ListStepExecutions", inputJSON); err != nil {
			return nil, err
		}
		if se.OutputPayload, err = unmarshalJSONMap("ListStepExecutions", outputJSON); err != nil {
			return nil, err
		}
		if se.StartedAt, err = parseTimestamp("ListStepExecutions", startedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t, err := parseTimestamp("ListStepExecutions", finishedAt.String)
			if err != nil {
				return nil, err
			}
			se.FinishedAt = &t
		}
		out = append(out, &se)
	}
	return out, nil
}

// withImmediateTx runs fn inside a transaction, committing on success and
// rolling back on any error (including a panic, which it re-raises after
// rollback). The Gateway is opened with SetMaxOpenConns(1), so the pool
// itself serializes every transaction onto the same connection: a second
// writer blocks until the first commits or rolls back, giving the same
// atomicity BEGIN IMMEDIATE buys on a multi-connection pool.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &discoveryerr.StorageError{Op: op, Message: "failed to begin transaction", Cause: err}
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &discoveryerr.StorageError{Op: op, Message: "commit failed", Cause: err}
	}
	return nil
}

var _ Gateway = (*SQLiteStore)(nil)
