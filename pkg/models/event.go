package models

import "time"

// EventType identifies the kind of mutation a ContextEntry records.
type EventType string

const (
	EventTaskCreated           EventType = "task_created"
	EventStatusChanged         EventType = "status_changed"
	EventTaskAssigned          EventType = "task_assigned"
	EventTaskDecomposed        EventType = "task_decomposed"
	EventDecompositionDeclined EventType = "decomposition_declined"
	EventCriticResult          EventType = "critic_result"
	EventCriticsCleared        EventType = "critics_cleared"
	EventDispatchFailed        EventType = "dispatch_failed"
	EventExecutionFailed       EventType = "execution_failed"
	EventExecutionCompleted    EventType = "execution_completed"
	EventTaskStuck             EventType = "task_stuck"
	EventProviderCooldown      EventType = "provider_cooldown"
)

// ContextEntry is one append-only record in the event log. Entries are
// never updated or deleted.
type ContextEntry struct {
	// ID is assigned by the store and orders entries totally.
	ID int64 `json:"id"`
	// CorrelationID threads a causal chain across calls. Related operations
	// share a prefix, e.g. "task:E1" and "task:E1.decompose".
	CorrelationID string `json:"correlation_id"`
	// EventType names the mutation.
	EventType EventType `json:"event_type"`
	// TaskID is the task the entry concerns, if any.
	TaskID string `json:"task_id,omitempty"`
	// Metadata carries event-specific detail such as from/to status.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"created_at"`
}

// String returns a metadata field as a string, or "".
func (e *ContextEntry) String(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}
