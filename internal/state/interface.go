package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// TaskStore handles task persistence and status transitions.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task, correlationID string) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTasks(ctx context.Context, f TaskFilter) ([]*models.Task, error)
	Transition(ctx context.Context, req TransitionRequest) (*models.Task, error)
	UpdateMetadata(ctx context.Context, id, correlationID, reason string, mutate func(m *models.TaskMetadata)) (*models.Task, error)
	AssignTask(ctx context.Context, id, agentID, correlationID string) error
}

// DecompositionStore performs the atomic claim-and-insert used by the decomposer.
type DecompositionStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	DecomposeTask(ctx context.Context, parentID string, children []*models.Task, correlationID string) (bool, error)
}

// EventLog handles the append-only context log.
type EventLog interface {
	AddContextEntry(ctx context.Context, e *models.ContextEntry) error
	ListContextEntries(ctx context.Context, f ContextFilter) ([]*models.ContextEntry, error)
}

// CriticStore handles critic verdict persistence.
type CriticStore interface {
	RecordCriticHistory(ctx context.Context, e *models.CriticHistoryEntry) error
	CriticHistory(ctx context.Context, critic string, limit int) ([]*models.CriticHistoryEntry, error)
	RecordCriticResult(ctx context.Context, r *models.CriticResult, correlationID string) error
	ListCriticResults(ctx context.Context, taskID string) ([]*models.CriticResult, error)
	ClearCriticResults(ctx context.Context, taskID string, critics []string, reason string) error
}

// SessionStore handles session-related persistence operations.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	Heartbeat(ctx context.Context, id string, decomposed int) error
	EndSession(ctx context.Context, id string, status models.SessionStatus, reason string) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore composes every store concern the orchestrator needs.
type StateStore interface {
	io.Closer
	Migrator
	TaskStore
	DecompositionStore
	EventLog
	CriticStore
	SessionStore
	Notifier() *Notifier
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore         = (*DB)(nil)
	_ Migrator           = (*DB)(nil)
	_ TaskStore          = (*DB)(nil)
	_ DecompositionStore = (*DB)(nil)
	_ EventLog           = (*DB)(nil)
	_ CriticStore        = (*DB)(nil)
	_ SessionStore       = (*DB)(nil)
)
