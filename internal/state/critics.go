package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// RecordCriticHistory appends one verdict to the critic history. The
// assigned ID and timestamp are written back to e.
func (db *DB) RecordCriticHistory(ctx context.Context, e *models.CriticHistoryEntry) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		return db.insertCriticHistory(ctx, tx, e)
	})
}

func (db *DB) insertCriticHistory(ctx context.Context, tx *sql.Tx, e *models.CriticHistoryEntry) error {
	if e.Critic == "" {
		return fmt.Errorf("critic history: critic name is required")
	}
	e.CreatedAt = db.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO critic_history (task_id, critic, passed, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.TaskID, e.Critic, boolToInt(e.Passed), e.Reason, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record critic history: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// CriticHistory returns verdicts for a critic, most recent first. An empty
// critic name returns verdicts for every critic.
func (db *DB) CriticHistory(ctx context.Context, critic string, limit int) ([]*models.CriticHistoryEntry, error) {
	query := "SELECT id, task_id, critic, passed, reason, created_at FROM critic_history"
	var args []any
	if critic != "" {
		query += " WHERE critic = ?"
		args = append(args, critic)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("critic history: %w", err)
	}
	defer rows.Close()

	var out []*models.CriticHistoryEntry
	for rows.Next() {
		var e models.CriticHistoryEntry
		var passed int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Critic, &passed, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan critic history: %w", err)
		}
		e.Passed = passed != 0
		e.CreatedAt, _ = parseTime(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordCriticResult stores the current verdict of critic for taskID,
// appends it to the history and logs a critic_result entry, all in one
// transaction.
func (db *DB) RecordCriticResult(ctx context.Context, r *models.CriticResult, correlationID string) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		if _, err := getTask(ctx, tx, r.TaskID); err != nil {
			return err
		}
		hist := &models.CriticHistoryEntry{
			TaskID: r.TaskID,
			Critic: r.Critic,
			Passed: r.Passed,
			Reason: r.Reason,
		}
		if err := db.insertCriticHistory(ctx, tx, hist); err != nil {
			return err
		}
		r.UpdatedAt = hist.CreatedAt
		_, err := tx.ExecContext(ctx, `
			INSERT INTO critic_results (task_id, critic, passed, reason, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(task_id, critic) DO UPDATE SET
				passed = excluded.passed,
				reason = excluded.reason,
				updated_at = excluded.updated_at
		`, r.TaskID, r.Critic, boolToInt(r.Passed), r.Reason, formatTime(r.UpdatedAt))
		if err != nil {
			return fmt.Errorf("record critic result: %w", err)
		}
		if correlationID == "" {
			correlationID = TaskCorrelationID(r.TaskID) + ".critic"
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: correlationID,
			EventType:     models.EventCriticResult,
			TaskID:        r.TaskID,
			Metadata: map[string]any{
				"critic":     r.Critic,
				"passed":     r.Passed,
				"reason":     r.Reason,
				"history_id": hist.ID,
			},
		}); err != nil {
			return err
		}
		batch.Add(r.TaskID, ChangeCriticResult)
		return nil
	})
}

// ListCriticResults returns the current verdicts recorded for a task.
func (db *DB) ListCriticResults(ctx context.Context, taskID string) ([]*models.CriticResult, error) {
	rows, err := db.Query(ctx, `
		SELECT task_id, critic, passed, reason, updated_at
		FROM critic_results WHERE task_id = ? ORDER BY critic ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list critic results: %w", err)
	}
	defer rows.Close()

	var out []*models.CriticResult
	for rows.Next() {
		var r models.CriticResult
		var passed int
		var updatedAt string
		if err := rows.Scan(&r.TaskID, &r.Critic, &passed, &r.Reason, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan critic result: %w", err)
		}
		r.Passed = passed != 0
		r.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ClearCriticResults drops the current verdicts of the named critics for a
// task, or all of them when critics is empty. History is kept.
func (db *DB) ClearCriticResults(ctx context.Context, taskID string, critics []string, reason string) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		query := "DELETE FROM critic_results WHERE task_id = ?"
		args := []any{taskID}
		if len(critics) > 0 {
			placeholders := make([]string, len(critics))
			for i, c := range critics {
				placeholders[i] = "?"
				args = append(args, c)
			}
			query += " AND critic IN (" + strings.Join(placeholders, ", ") + ")"
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("clear critic results: %w", err)
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: TaskCorrelationID(taskID) + ".critic",
			EventType:     models.EventCriticsCleared,
			TaskID:        taskID,
			Metadata:      map[string]any{"critics": critics, "reason": reason},
		}); err != nil {
			return err
		}
		batch.Add(taskID, ChangeCriticResult)
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
