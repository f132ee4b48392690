package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// legalTransitions lists every permitted status change. A transition to the
// current status is always allowed and only rewrites metadata.
var legalTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {
		models.TaskStatusInProgress,
		models.TaskStatusBlocked,
	},
	models.TaskStatusInProgress: {
		models.TaskStatusDone,
		models.TaskStatusNeedsImprovement,
		models.TaskStatusBlocked,
		models.TaskStatusPending,
	},
	models.TaskStatusNeedsImprovement: {
		models.TaskStatusPending,
	},
	models.TaskStatusBlocked: {
		models.TaskStatusPending,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionRequest describes one atomic status and metadata update.
type TransitionRequest struct {
	TaskID string
	To     models.TaskStatus
	// From, when set, must equal the current status. Callers claiming a
	// task use it so two claimants cannot both succeed.
	From models.TaskStatus
	// CorrelationID defaults to the task's own chain.
	CorrelationID string
	// Reason is recorded on the status_changed entry.
	Reason string
	// Mutate edits the metadata inside the transaction, after the current
	// row has been read, so it never works on a stale copy.
	Mutate func(m *models.TaskMetadata)
	// Detail is merged into the entry metadata.
	Detail map[string]any
	// ClearAssignee empties assigned_to as part of the update.
	ClearAssignee bool
}

// Transition atomically changes the status and metadata of a task and
// appends one status_changed entry. It returns a *models.TransitionError for
// an illegal change and models.ErrNotFound for an unknown task.
func (db *DB) Transition(ctx context.Context, req TransitionRequest) (*models.Task, error) {
	if !req.To.Valid() {
		return nil, fmt.Errorf("transition %s: invalid status %q", req.TaskID, req.To)
	}
	var updated *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		t, err := getTask(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		from := t.Status
		if req.From != "" && req.From != from {
			return &models.TransitionError{TaskID: t.ID, From: from, To: req.To}
		}
		if !CanTransition(from, req.To) {
			return &models.TransitionError{TaskID: t.ID, From: from, To: req.To}
		}
		if req.Mutate != nil {
			req.Mutate(&t.Metadata)
		}
		if req.ClearAssignee {
			t.AssignedTo = ""
		}
		t.Status = req.To
		t.UpdatedAt = db.now()

		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("transition %s: encode metadata: %w", t.ID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, metadata = ?, assigned_to = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(t.Status), string(meta), t.AssignedTo, formatTime(t.UpdatedAt), t.ID, string(from))
		if err != nil {
			return fmt.Errorf("transition %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("transition %s: concurrent update lost", t.ID)
		}

		corr := req.CorrelationID
		if corr == "" {
			corr = t.CorrelationID
		}
		if corr == "" {
			corr = TaskCorrelationID(t.ID)
		}
		entryMeta := map[string]any{
			"from": string(from),
			"to":   string(req.To),
		}
		if req.Reason != "" {
			entryMeta["reason"] = req.Reason
		}
		for k, v := range req.Detail {
			if _, reserved := entryMeta[k]; !reserved {
				entryMeta[k] = v
			}
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: corr,
			EventType:     models.EventStatusChanged,
			TaskID:        t.ID,
			Metadata:      entryMeta,
		}); err != nil {
			return err
		}
		batch.Add(t.ID, ChangeTaskUpdated)
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateMetadata rewrites a task's metadata without changing its status.
func (db *DB) UpdateMetadata(ctx context.Context, id, correlationID, reason string, mutate func(m *models.TaskMetadata)) (*models.Task, error) {
	var updated *models.Task
	err := db.Transaction(ctx, func(tx *sql.Tx, batch *ChangeBatch) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		mutate(&t.Metadata)
		t.UpdatedAt = db.now()
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("update metadata %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?",
			string(meta), formatTime(t.UpdatedAt), id); err != nil {
			return fmt.Errorf("update metadata %s: %w", id, err)
		}
		if correlationID == "" {
			correlationID = t.CorrelationID
		}
		if err := db.appendEntry(ctx, tx, batch, &models.ContextEntry{
			CorrelationID: correlationID,
			EventType:     models.EventStatusChanged,
			TaskID:        id,
			Metadata: map[string]any{
				"from":   string(t.Status),
				"to":     string(t.Status),
				"reason": reason,
			},
		}); err != nil {
			return err
		}
		batch.Add(id, ChangeTaskUpdated)
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
