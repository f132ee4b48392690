package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventSessionStarted is emitted once Run has recovered and begins looping.
	EventSessionStarted EventType = "session_started"
	// EventTaskDispatched indicates a task was handed to an agent.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task reached done.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskAwaitingCritics indicates execution succeeded but required
	// critics have not all reported.
	EventTaskAwaitingCritics EventType = "task_awaiting_critics"
	// EventTaskNeedsImprovement indicates a required critic failed.
	EventTaskNeedsImprovement EventType = "task_needs_improvement"
	// EventTaskFailed indicates an execution attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task exhausted its attempts.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskInterrupted indicates a dispatch was canceled and the task
	// released back to pending.
	EventTaskInterrupted EventType = "task_interrupted"
	// EventTaskStuck indicates the sweep found an idle in_progress task.
	EventTaskStuck EventType = "task_stuck"
	// EventEpicDecomposed indicates an epic was split into subtasks.
	EventEpicDecomposed EventType = "epic_decomposed"
	// EventEpicCompleted indicates every child of an epic is done.
	EventEpicCompleted EventType = "epic_completed"
	// EventDecompositionDeclined indicates an epic could not be decomposed.
	EventDecompositionDeclined EventType = "decomposition_declined"
	// EventProviderCooldown indicates an account entered cooldown.
	EventProviderCooldown EventType = "provider_cooldown"
	// EventProvidersExhausted indicates every account is cooling down.
	EventProvidersExhausted EventType = "providers_exhausted"
	// EventPaused and EventResumed follow the pause signal file.
	EventPaused  EventType = "paused"
	EventResumed EventType = "resumed"
	// EventSessionDone indicates Run returned.
	EventSessionDone EventType = "session_done"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string
	// ParentID is the ID of the parent epic, if applicable.
	ParentID string
	// AgentID is the ID of the related agent, if applicable.
	AgentID string
	// Provider and Model describe the lease a dispatch ran on.
	Provider string
	Model    string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// TokensUsed is input plus output tokens for a dispatch.
	TokensUsed int64
	// Duration is the elapsed time of a dispatch.
	Duration time.Duration
	// CorrelationID ties the event to its context-log chain.
	CorrelationID string
}
