package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ReasonInterrupted is recorded when a task is released because its run ended.
const ReasonInterrupted = "interrupted"

// InterruptedSession describes an active session whose heartbeat went stale.
type InterruptedSession struct {
	SessionID    string
	StartedAt    time.Time
	LastActivity time.Time
	Status       models.SessionStatus
}

// RecoveryReport lists what Recover released.
type RecoveryReport struct {
	Sessions []string
	Tasks    []string
}

// RecoveryManager handles detection and recovery of interrupted sessions.
type RecoveryManager struct {
	db         *DB
	staleAfter time.Duration
}

// NewRecoveryManager creates a RecoveryManager. A session whose heartbeat is
// older than staleAfter is considered dead.
func NewRecoveryManager(db *DB, staleAfter time.Duration) *RecoveryManager {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &RecoveryManager{db: db, staleAfter: staleAfter}
}

// CheckForInterrupted returns active sessions with a stale heartbeat,
// excluding currentID.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context, currentID string) ([]*InterruptedSession, error) {
	active := models.SessionActive
	sessions, err := rm.db.ListSessions(ctx, &active)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	cutoff := rm.db.now().Add(-rm.staleAfter)
	var out []*InterruptedSession
	for _, s := range sessions {
		if s.ID == currentID || s.HeartbeatAt.After(cutoff) {
			continue
		}
		out = append(out, &InterruptedSession{
			SessionID:    s.ID,
			StartedAt:    s.StartedAt,
			LastActivity: s.HeartbeatAt,
			Status:       s.Status,
		})
	}
	return out, nil
}

// Recover marks stale sessions interrupted and moves every in_progress task
// not owned by a live session back to pending with reason "interrupted".
// Tasks awaiting critic verdicts stay in_progress.
func (rm *RecoveryManager) Recover(ctx context.Context, currentID string) (*RecoveryReport, error) {
	stale, err := rm.CheckForInterrupted(ctx, currentID)
	if err != nil {
		return nil, err
	}
	report := &RecoveryReport{}
	for _, s := range stale {
		if err := rm.db.EndSession(ctx, s.SessionID, models.SessionInterrupted, "heartbeat lost"); err != nil {
			return report, err
		}
		report.Sessions = append(report.Sessions, s.SessionID)
		log.Printf("[recovery] session %s interrupted (last heartbeat %s)", s.SessionID, s.LastActivity.Format(time.RFC3339))
	}

	active := models.SessionActive
	live, err := rm.db.ListSessions(ctx, &active)
	if err != nil {
		return report, fmt.Errorf("list sessions: %w", err)
	}
	liveIDs := make(map[string]bool, len(live))
	for _, s := range live {
		liveIDs[s.ID] = true
	}

	inProgress, err := rm.db.GetTasks(ctx, TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusInProgress}})
	if err != nil {
		return report, err
	}
	for _, t := range inProgress {
		// Tasks parked for external critics are waiting, not stuck.
		if t.Metadata.AwaitingCritics {
			continue
		}
		owner := t.Metadata.SessionID
		if owner != "" && owner != currentID && liveIDs[owner] {
			continue
		}
		if owner == currentID && currentID != "" {
			continue
		}
		_, err := rm.db.Transition(ctx, TransitionRequest{
			TaskID:        t.ID,
			To:            models.TaskStatusPending,
			Reason:        ReasonInterrupted,
			ClearAssignee: true,
			Detail:        map[string]any{"previous_session": owner},
			Mutate: func(m *models.TaskMetadata) {
				m.SessionID = ""
			},
		})
		if err != nil {
			return report, fmt.Errorf("release task %s: %w", t.ID, err)
		}
		report.Tasks = append(report.Tasks, t.ID)
		log.Printf("[recovery] task %s released to pending (owner session %q gone)", t.ID, owner)
	}
	return report, nil
}
