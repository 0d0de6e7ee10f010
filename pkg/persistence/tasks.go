package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// ErrTaskNotFound is returned when a requested task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Task is the durable record of one task.
//
//nolint:govet // struct alignment optimization not critical for this type.
type Task struct {
	ID         string          `json:"id"`
	Model      string          `json:"model"`
	State      proto.TaskState `json:"state"`
	Prompt     string          `json:"prompt"`
	TokensUsed int64           `json:"tokens_used"`
	CostUSD    float64         `json:"cost_usd"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Resumable reports whether the task stopped in a state a user can resume from.
func (t *Task) Resumable() bool {
	return t.State == proto.StateAborted || t.State == proto.StateWaitingForUser || t.State == proto.StateIdle
}

// CreateTask records a new task with a fresh id in the IDLE state.
func (d *DB) CreateTask(ctx context.Context, model, prompt string) (*Task, error) {
	id := uuid.NewString()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (id, model, state, prompt)
		VALUES (?, ?, ?, ?)
	`, id, model, string(proto.StateIdle), prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return d.GetTask(ctx, id)
}

// UpdateTaskState records the task's current state.
func (d *DB) UpdateTaskState(ctx context.Context, id string, state proto.TaskState) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, string(state), id)
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	return requireRow(result)
}

// AddTaskUsage adds a finished request's token count and cost to the task totals.
func (d *DB) AddTaskUsage(ctx context.Context, id string, usage *proto.Usage) error {
	if usage == nil {
		return nil
	}
	tokens := usage.InputTokens + usage.OutputTokens + usage.CacheReadTokens + usage.CacheWriteTokens
	result, err := d.db.ExecContext(ctx, `
		UPDATE tasks
		SET tokens_used = tokens_used + ?, cost_usd = cost_usd + ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, tokens, usage.Cost, id)
	if err != nil {
		return fmt.Errorf("failed to add task usage: %w", err)
	}
	return requireRow(result)
}

// GetTask returns a task by id. Returns ErrTaskNotFound if it does not exist.
func (d *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, model, state, prompt, tokens_used, cost_usd, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListTasks returns up to limit tasks, most recently updated first.
func (d *DB) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, model, state, prompt, tokens_used, cost_usd, created_at, updated_at
		FROM tasks
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// MarkStaleTasks moves tasks left mid-request by a previous process to ABORTED so they can be resumed.
func (d *DB) MarkStaleTasks(ctx context.Context) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE state IN (?, ?)
	`, string(proto.StateAborted), string(proto.StateWaitingForAPI), string(proto.StateProcessingResponse))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale tasks: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		d.logger.Warn("⚠️  Marked %d interrupted task(s) as aborted", affected)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var state string
	var prompt, createdAt, updatedAt sql.NullString
	err := row.Scan(&task.ID, &task.Model, &state, &prompt, &task.TokensUsed, &task.CostUSD, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.State = proto.TaskState(state)
	task.Prompt = prompt.String
	task.CreatedAt = parseTimestamp(createdAt)
	task.UpdatedAt = parseTimestamp(updatedAt)
	return &task, nil
}

func parseTimestamp(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}
