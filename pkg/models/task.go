package models

import (
	"strconv"
	"strings"
	"time"
)

// TaskType distinguishes coarse epics from directly executable tasks.
type TaskType string

const (
	// TaskTypeEpic is a coarse work item intended to be decomposed before execution.
	TaskTypeEpic TaskType = "epic"
	// TaskTypeTask is a directly executable unit of work.
	TaskTypeTask TaskType = "task"
)

// Valid returns true if the type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeEpic, TaskTypeTask:
		return true
	default:
		return false
	}
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be scheduled.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task has been dispatched to an agent.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusDone indicates the task completed and passed its critics.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusNeedsImprovement indicates an execution attempt or critic failed
	// and the task is awaiting remediation.
	TaskStatusNeedsImprovement TaskStatus = "needs_improvement"
	// TaskStatusBlocked indicates the task cannot proceed without intervention.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusDone,
		TaskStatusNeedsImprovement, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Task represents a unit of work in the backlog.
type Task struct {
	// ID is the hierarchical identifier. Each "."-delimited segment is one
	// nesting level. It is write-once.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type is either epic or task.
	Type TaskType `json:"type"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last written.
	UpdatedAt time.Time `json:"updated_at"`
	// EstimatedComplexity is a relative size estimate (typically 1-10).
	EstimatedComplexity int `json:"estimated_complexity,omitempty"`
	// AssignedTo is the ID of the agent working on this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// CorrelationID threads the causal chain that created this task.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Metadata holds typed well-known keys plus open extension fields.
	Metadata TaskMetadata `json:"metadata"`
}

// Depth returns the nesting depth derived from the task ID.
func (t *Task) Depth() int {
	return Depth(t.ID)
}

// ParentID returns the parent task ID. The explicit parent_task_id metadata
// wins over the one derived from the ID structure.
func (t *Task) ParentID() string {
	if t.Metadata.ParentTaskID != "" {
		return t.Metadata.ParentTaskID
	}
	return ParentIDOf(t.ID)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = t.Metadata.Clone()
	return &c
}

// Depth returns the nesting depth of a hierarchical task ID: the number of
// "."-delimited segments minus one.
func Depth(id string) int {
	if id == "" {
		return 0
	}
	return strings.Count(id, ".")
}

// ParentIDOf returns the ID of the enclosing task, or "" for a root ID.
func ParentIDOf(id string) string {
	i := strings.LastIndexByte(id, '.')
	if i < 0 {
		return ""
	}
	return id[:i]
}

// ChildID returns the ID of the n-th (1-indexed) child of parent.
func ChildID(parent string, n int) string {
	return parent + "." + strconv.Itoa(n)
}

// Session represents one continuous orchestration run.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// StartedAt is when the session began.
	StartedAt time.Time `json:"started_at"`
	// HeartbeatAt is refreshed by the owning loop while it runs.
	HeartbeatAt time.Time `json:"heartbeat_at"`
	// EndedAt is set when the session finishes.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Status is active, completed, failed, interrupted or canceled.
	Status SessionStatus `json:"status"`
	// Decomposed counts epics decomposed during the session.
	Decomposed int `json:"decomposed"`
	// Reason explains the terminal status, if any.
	Reason string `json:"reason,omitempty"`
}

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCanceled    SessionStatus = "canceled"
)
