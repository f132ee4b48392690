package models

import "time"

// AgentRole is the role an agent plays in the pool.
type AgentRole string

const (
	// AgentRoleWorker executes dispatched tasks.
	AgentRoleWorker AgentRole = "worker"
	// AgentRoleCoordinator is held by exactly one agent at a time.
	AgentRoleCoordinator AgentRole = "coordinator"
)

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent can accept work.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent is executing a task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates the agent is not accepting work.
	AgentStatusOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// Agent is a worker slot bound to one provider type.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// ProviderType is the provider this agent dispatches to.
	ProviderType string `json:"provider_type"`
	// Role is worker or coordinator.
	Role AgentRole `json:"role"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// CurrentTaskID is the task the agent is executing, if busy.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// CompletedTasks counts successful dispatches.
	CompletedTasks int `json:"completed_tasks"`
	// FailedTasks counts failed dispatches.
	FailedTasks int `json:"failed_tasks"`
	// AvgDurationSeconds is the running mean duration across all dispatches.
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// RecordOutcome folds one dispatch result into the agent's statistics.
func (a *Agent) RecordOutcome(success bool, d time.Duration) {
	n := a.CompletedTasks + a.FailedTasks
	a.AvgDurationSeconds = (a.AvgDurationSeconds*float64(n) + d.Seconds()) / float64(n+1)
	if success {
		a.CompletedTasks++
	} else {
		a.FailedTasks++
	}
}

// Account is one credential for a provider.
type Account struct {
	// ID is the unique identifier for this account.
	ID string `json:"id"`
	// Provider is the provider this account belongs to.
	Provider string `json:"provider"`
	// APIKeyEnv names the environment variable holding the credential.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	// CooldownUntil is set while the account is excluded from selection.
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	// CooldownReason is the reason given for the last cooldown.
	CooldownReason string `json:"cooldown_reason,omitempty"`
}

// InCooldown reports whether the account is cooling down at now.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}
