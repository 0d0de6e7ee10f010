package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jasonkneen/claude-coder/pkg/proto"
)

// SaveTurn inserts or replaces the turn identified by its timestamp.
func (d *DB) SaveTurn(ctx context.Context, taskID string, turn *proto.ConversationTurn) error {
	return saveTurn(ctx, d.db, taskID, turn)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveTurn(ctx context.Context, ex execer, taskID string, turn *proto.ConversationTurn) error {
	content, err := json.Marshal(turn.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal turn content: %w", err)
	}

	var commitHash, branch, preCommitHash sql.NullString
	if !turn.Commit.IsZero() {
		commitHash = nullString(turn.Commit.CommitHash)
		branch = nullString(turn.Commit.Branch)
		preCommitHash = nullString(turn.Commit.PreCommitHash)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO turns (task_id, ts, role, content, commit_hash, branch, pre_commit_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, ts) DO UPDATE SET
			role = excluded.role,
			content = excluded.content,
			commit_hash = excluded.commit_hash,
			branch = excluded.branch,
			pre_commit_hash = excluded.pre_commit_hash
	`, taskID, turn.Timestamp, string(turn.Role), string(content), commitHash, branch, preCommitHash)
	if err != nil {
		return fmt.Errorf("failed to save turn %d: %w", turn.Timestamp, err)
	}
	return nil
}

// ReplaceTurns atomically swaps the task's history for turns.
func (d *DB) ReplaceTurns(ctx context.Context, taskID string, turns []proto.ConversationTurn) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	for i := range turns {
		if err := saveTurn(ctx, tx, taskID, &turns[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	d.logger.Debug("Replaced history of task %s with %d turns", taskID, len(turns))
	return nil
}

// LoadTurns returns the task's turns ordered by timestamp.
func (d *DB) LoadTurns(ctx context.Context, taskID string) ([]proto.ConversationTurn, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT ts, role, content, commit_hash, branch, pre_commit_hash
		FROM turns
		WHERE task_id = ?
		ORDER BY ts
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []proto.ConversationTurn
	for rows.Next() {
		var turn proto.ConversationTurn
		var role, content string
		var commitHash, branch, preCommitHash sql.NullString
		if err := rows.Scan(&turn.Timestamp, &role, &content, &commitHash, &branch, &preCommitHash); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.Role = proto.Role(role)
		if err := json.Unmarshal([]byte(content), &turn.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn %d: %w", turn.Timestamp, err)
		}
		if commitHash.Valid || branch.Valid || preCommitHash.Valid {
			turn.Commit = &proto.CommitAttributes{
				CommitHash:    commitHash.String,
				Branch:        branch.String,
				PreCommitHash: preCommitHash.String,
			}
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// SaveMessage inserts or replaces the UI message identified by its Ts.
func (d *DB) SaveMessage(ctx context.Context, taskID string, msg *proto.UIMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal ui message: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO ui_messages (task_id, ts, type, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, ts) DO UPDATE SET
			type = excluded.type,
			body = excluded.body
	`, taskID, msg.Ts, string(msg.Type), string(body))
	if err != nil {
		return fmt.Errorf("failed to save ui message %d: %w", msg.Ts, err)
	}
	return nil
}

// LoadMessages returns the task's UI messages ordered by Ts.
func (d *DB) LoadMessages(ctx context.Context, taskID string) ([]proto.UIMessage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT body FROM ui_messages WHERE task_id = ? ORDER BY ts
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ui messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []proto.UIMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan ui message: %w", err)
		}
		var msg proto.UIMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ui message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ui messages: %w", err)
	}
	return messages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
