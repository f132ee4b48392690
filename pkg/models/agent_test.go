package models

import (
	"testing"
	"time"
)

func TestAgentStatus_Valid(t *testing.T) {
	tests := []struct {
		status AgentStatus
		want   bool
	}{
		{AgentStatusIdle, true},
		{AgentStatusBusy, true},
		{AgentStatusOffline, true},
		{AgentStatus("running"), false},
		{AgentStatus(""), false},
	}

	for _, tt := range tests {
		if got := tt.status.Valid(); got != tt.want {
			t.Errorf("AgentStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAgent_RecordOutcome(t *testing.T) {
	a := &Agent{ID: "a1"}
	a.RecordOutcome(true, 10*time.Second)
	a.RecordOutcome(false, 20*time.Second)
	a.RecordOutcome(true, 30*time.Second)

	if a.CompletedTasks != 2 {
		t.Errorf("CompletedTasks = %d, want 2", a.CompletedTasks)
	}
	if a.FailedTasks != 1 {
		t.Errorf("FailedTasks = %d, want 1", a.FailedTasks)
	}
	if a.AvgDurationSeconds != 20 {
		t.Errorf("AvgDurationSeconds = %v, want 20", a.AvgDurationSeconds)
	}
}

func TestAccount_InCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	a := &Account{ID: "acct", CooldownUntil: &until}

	if !a.InCooldown(now) {
		t.Error("account should be in cooldown before deadline")
	}
	if a.InCooldown(until) {
		t.Error("account should leave cooldown at deadline")
	}
	if (&Account{}).InCooldown(now) {
		t.Error("account without deadline should not be in cooldown")
	}
}
