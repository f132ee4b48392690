package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// CreateSession records the start of an orchestration run.
func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	now := db.now()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.HeartbeatAt = now
	if s.Status == "" {
		s.Status = models.SessionActive
	}
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, started_at, heartbeat_at, status, decomposed, reason)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.ID, formatTime(s.StartedAt), formatTime(s.HeartbeatAt), string(s.Status), s.Decomposed, s.Reason)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("create session %s: %w", s.ID, models.ErrAlreadyExists)
			}
			return fmt.Errorf("create session: %w", err)
		}
		batch.Add("", ChangeSession)
		return nil
	})
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := db.QueryRow(ctx, `
		SELECT id, started_at, heartbeat_at, ended_at, status, decomposed, reason
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions lists sessions, newest first, optionally filtered by status.
func (db *DB) ListSessions(ctx context.Context, status *models.SessionStatus) ([]*models.Session, error) {
	query := `SELECT id, started_at, heartbeat_at, ended_at, status, decomposed, reason FROM sessions`
	var args []any
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY started_at DESC"

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Heartbeat refreshes the session's liveness timestamp and decomposition count.
func (db *DB) Heartbeat(ctx context.Context, id string, decomposed int) error {
	_, err := db.Exec(ctx, `
		UPDATE sessions SET heartbeat_at = ?, decomposed = ? WHERE id = ?
	`, formatTime(db.now()), decomposed, id)
	if err != nil {
		return fmt.Errorf("heartbeat session %s: %w", id, err)
	}
	return nil
}

// EndSession marks a session finished with the given terminal status.
func (db *DB) EndSession(ctx context.Context, id string, status models.SessionStatus, reason string) error {
	return db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET ended_at = ?, status = ?, reason = ? WHERE id = ?
		`, formatTime(db.now()), string(status), reason, id)
		if err != nil {
			return fmt.Errorf("end session %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, models.ErrNotFound)
		}
		batch.Add("", ChangeSession)
		return nil
	})
}

func scanSession(r rowScanner) (*models.Session, error) {
	var s models.Session
	var startedAt, heartbeatAt, status string
	var endedAt, reason sql.NullString
	if err := r.Scan(&s.ID, &startedAt, &heartbeatAt, &endedAt, &status, &s.Decomposed, &reason); err != nil {
		return nil, err
	}
	s.StartedAt, _ = parseTime(startedAt)
	s.HeartbeatAt, _ = parseTime(heartbeatAt)
	s.EndedAt = parseNullableTime(endedAt)
	s.Status = models.SessionStatus(status)
	s.Reason = reason.String
	return &s, nil
}
