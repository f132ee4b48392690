package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ContextFilter narrows ListContextEntries. Zero fields match everything.
type ContextFilter struct {
	TaskID            string
	CorrelationPrefix string
	EventTypes        []models.EventType
	Since             time.Time
	// AfterID returns only entries with a greater ID, for tailing the log.
	AfterID int64
	Limit   int
}

// AddContextEntry appends an entry to the event log. ID and CreatedAt are
// assigned by the store and written back to e.
func (db *DB) AddContextEntry(ctx context.Context, e *models.ContextEntry) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		return db.appendEntry(ctx, tx, batch, e)
	})
}

func (db *DB) appendEntry(ctx context.Context, tx *sql.Tx, batch *ChangeBatch, e *models.ContextEntry) error {
	if e.EventType == "" {
		return fmt.Errorf("context entry: event type is required")
	}
	if e.CorrelationID == "" {
		if e.TaskID != "" {
			e.CorrelationID = TaskCorrelationID(e.TaskID)
		} else {
			e.CorrelationID = "system"
		}
	}
	e.CreatedAt = db.now()
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("context entry: encode metadata: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO context_entries (correlation_id, event_type, task_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.CorrelationID, string(e.EventType), e.TaskID, string(meta), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append context entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	batch.Add(e.TaskID, ChangeContextEntry)
	return nil
}

// ListContextEntries returns matching entries in log order.
func (db *DB) ListContextEntries(ctx context.Context, f ContextFilter) ([]*models.ContextEntry, error) {
	query := "SELECT id, correlation_id, event_type, task_id, metadata, created_at FROM context_entries"
	var where []string
	var args []any

	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.CorrelationPrefix != "" {
		where = append(where, "substr(correlation_id, 1, ?) = ?")
		args = append(args, len(f.CorrelationPrefix), f.CorrelationPrefix)
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(et))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list context entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ContextEntry
	for rows.Next() {
		var e models.ContextEntry
		var eventType, meta, createdAt string
		if err := rows.Scan(&e.ID, &e.CorrelationID, &eventType, &e.TaskID, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan context entry: %w", err)
		}
		e.EventType = models.EventType(eventType)
		e.CreatedAt, _ = parseTime(createdAt)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode context entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
