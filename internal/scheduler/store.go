package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/database"
)

// Store handles task and execution persistence.
type Store struct {
	db *database.DB
}

// NewStore creates a scheduler store on db, creating tables as needed.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			name TEXT NOT NULL,
			schedule_json TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at VARCHAR(64) NOT NULL,
			created_by VARCHAR(255) NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			scheduled_at VARCHAR(64) NOT NULL,
			started_at VARCHAR(64),
			completed_at VARCHAR(64),
			status VARCHAR(32) NOT NULL,
			result TEXT
		)`,
	}
	indexes := [][3]string{
		{"idx_executions_task_id", "executions", "task_id"},
		{"idx_executions_status", "executions", "status"},
	}
	return s.db.EnsureSchema(ctx, tables, indexes)
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

const taskColumns = `id, name, schedule_json, payload_json, enabled, created_at, created_by, updated_at`

// CreateTask persists a new task, assigning an id and timestamps.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	scheduleJSON, payloadJSON, err := marshalTask(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled),
		formatTime(t.CreatedAt), t.CreatedBy, formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns ErrTaskNotFound when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns tasks newest first, optionally only enabled ones.
// A non-empty createdBy restricts the result to one conversation.
func (s *Store) ListTasks(ctx context.Context, enabledOnly bool, createdBy string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	if createdBy != "" {
		query += ` AND created_by = ?`
		args = append(args, createdBy)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now()

	scheduleJSON, payloadJSON, err := marshalTask(t)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(ctx, `
		UPDATE tasks SET name = ?, schedule_json = ?, payload_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

// DeleteTask removes a task and its executions.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM executions WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete executions: %w", err)
	}
	res, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res)
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO executions (id, task_id, scheduled_at, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, formatTime(e.ScheduledAt), formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt),
		string(e.Status), e.Result)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.Exec(ctx, `
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), string(e.Status), e.Result, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

const executionColumns = `id, task_id, scheduled_at, started_at, completed_at, status, result`

// ListExecutions returns the most recent executions for a task.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE task_id = ?
		ORDER BY scheduled_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// PendingExecutions returns executions that started but never finished,
// typically because the process stopped mid-run.
func (s *Store) PendingExecutions(ctx context.Context) ([]*Execution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+`
		FROM executions WHERE status IN (?, ?)
		ORDER BY scheduled_at ASC
	`, string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("pending executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                         Task
		scheduleJSON, payloadJSON string
		enabled                   int
		createdAt, updatedAt      string
	)
	if err := row.Scan(&t.ID, &t.Name, &scheduleJSON, &payloadJSON, &enabled,
		&createdAt, &t.CreatedBy, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for task %s: %w", t.ID, err)
	}
	t.Enabled = enabled != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var execs []*Execution
	for rows.Next() {
		var (
			e                      Execution
			scheduledAt, status    string
			startedAt, completedAt sql.NullString
			result                 sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &scheduledAt, &startedAt, &completedAt, &status, &result); err != nil {
			return nil, err
		}
		e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		e.StartedAt = parseTimePtr(startedAt)
		e.CompletedAt = parseTimePtr(completedAt)
		e.Status = ExecutionStatus(status)
		e.Result = result.String
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

func marshalTask(t *Task) (string, string, error) {
	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return "", "", fmt.Errorf("marshal schedule: %w", err)
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(scheduleJSON), string(payloadJSON), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
