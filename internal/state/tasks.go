package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// TaskFilter narrows GetTasks. Zero fields match everything.
type TaskFilter struct {
	Statuses   []models.TaskStatus
	Type       models.TaskType
	ParentID   string
	IDPrefix   string
	AssignedTo string
	Limit      int
}

const taskColumns = `id, title, description, type, status, created_at, updated_at,
	estimated_complexity, assigned_to, correlation_id, metadata`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TaskCorrelationID is the default correlation chain for a task.
func TaskCorrelationID(taskID string) string {
	return "task:" + taskID
}

// CreateTask inserts a new task and appends a task_created entry.
// It returns models.ErrAlreadyExists if the ID is taken.
func (db *DB) CreateTask(ctx context.Context, t *models.Task, correlationID string) (*models.Task, error) {
	created := t.Clone()
	err := db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		return db.insertTask(ctx, tx, batch, created, correlationID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// insertTask validates t, fills defaults in place and writes it.
func (db *DB) insertTask(ctx context.Context, tx *sql.Tx, batch *ChangeBatch, t *models.Task, correlationID string) error {
	if t.ID == "" {
		return errors.New("create task: id is required")
	}
	if strings.HasPrefix(t.ID, ".") || strings.HasSuffix(t.ID, ".") || strings.Contains(t.ID, "..") {
		return fmt.Errorf("create task %s: malformed hierarchical id", t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("create task %s: title is required", t.ID)
	}
	if t.Type == "" {
		t.Type = models.TaskTypeTask
	}
	if !t.Type.Valid() {
		return fmt.Errorf("create task %s: invalid type %q", t.ID, t.Type)
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if !t.Status.Valid() {
		return fmt.Errorf("create task %s: invalid status %q", t.ID, t.Status)
	}
	if correlationID == "" {
		correlationID = TaskCorrelationID(t.ID)
	}
	if t.CorrelationID == "" {
		t.CorrelationID = correlationID
	}
	now := db.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM tasks WHERE id = ?", t.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("create task %s: %w", t.ID, models.ErrAlreadyExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}

	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("create task %s: encode metadata: %w", t.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, string(t.Type), string(t.Status),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), t.EstimatedComplexity,
		t.AssignedTo, t.CorrelationID, string(meta))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("create task %s: %w", t.ID, models.ErrAlreadyExists)
		}
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}

	if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
		CorrelationID: correlationID,
		EventType:     models.EventTaskCreated,
		TaskID:        t.ID,
		Metadata: map[string]any{
			"type":   string(t.Type),
			"status": string(t.Status),
			"parent": t.ParentID(),
		},
	}); err != nil {
		return err
	}
	batch.Add(t.ID, ChangeTaskCreated)
	return nil
}

// GetTask retrieves a task by ID. It returns models.ErrNotFound if absent.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return getTask(ctx, db.conn, id)
}

func getTask(ctx context.Context, q queryer, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// GetTasks lists tasks matching the filter ordered by creation time.
func (db *DB) GetTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ParentID != "" {
		where = append(where, "json_extract(metadata, '$.parent_task_id') = ?")
		args = append(args, f.ParentID)
	}
	if f.IDPrefix != "" {
		where = append(where, "substr(id, 1, ?) = ?")
		args = append(args, len(f.IDPrefix), f.IDPrefix)
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// AssignTask records which agent owns the task and appends a task_assigned entry.
func (db *DB) AssignTask(ctx context.Context, id, agentID, correlationID string) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET assigned_to = ?, updated_at = ? WHERE id = ?",
			agentID, formatTime(db.now()), id)
		if err != nil {
			return fmt.Errorf("assign task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		if correlationID == "" {
			correlationID = TaskCorrelationID(id)
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: correlationID,
			EventType:     models.EventTaskAssigned,
			TaskID:        id,
			Metadata:      map[string]any{"agent_id": agentID},
		}); err != nil {
			return err
		}
		batch.Add(id, ChangeTaskUpdated)
		return nil
	})
}

// DecomposeTask atomically marks parentID decomposed and inserts children.
// Of any number of concurrent callers on the same parent, exactly one sees
// won=true; the others see won=false and write nothing. Children become
// visible only in the same commit that sets decomposed=true.
func (db *DB) DecomposeTask(ctx context.Context, parentID string, children []*models.Task, correlationID string) (won bool, err error) {
	if correlationID == "" {
		correlationID = TaskCorrelationID(parentID) + ".decompose"
	}
	err = db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		claimed, err := db.claimDecomposition(ctx, tx, parentID)
		if err != nil || !claimed {
			return err
		}
		ids := make([]string, 0, len(children))
		for _, c := range children {
			if err := db.insertTask(ctx, tx, batch, c, correlationID); err != nil {
				return err
			}
			ids = append(ids, c.ID)
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: correlationID,
			EventType:     models.EventTaskDecomposed,
			TaskID:        parentID,
			Metadata:      map[string]any{"subtasks": ids},
		}); err != nil {
			return err
		}
		batch.Add(parentID, ChangeTaskUpdated)
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// MarkDecomposed sets decomposed=true if no one has yet and reports
// whether this caller won.
func (db *DB) MarkDecomposed(ctx context.Context, id string) (bool, error) {
	var won bool
	err := db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		var err error
		won, err = db.claimDecomposition(ctx, tx, id)
		if won {
			batch.Add(id, ChangeTaskUpdated)
		}
		return err
	})
	return won, err
}

func (db *DB) claimDecomposition(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET metadata = json_set(metadata, '$.decomposed', json('true')), updated_at = ?
		WHERE id = ? AND COALESCE(json_extract(metadata, '$.decomposed'), 0) = 0
	`, formatTime(db.now()), id)
	if err != nil {
		return false, fmt.Errorf("claim decomposition of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim decomposition of %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := getTask(ctx, tx, id); err != nil {
		return false, err
	}
	return false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	var typ, status, createdAt, updatedAt, meta string
	err := r.Scan(&t.ID, &t.Title, &t.Description, &typ, &status, &createdAt, &updatedAt,
		&t.EstimatedComplexity, &t.AssignedTo, &t.CorrelationID, &meta)
	if err != nil {
		return nil, err
	}
	t.Type = models.TaskType(typ)
	t.Status = models.TaskStatus(status)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}
