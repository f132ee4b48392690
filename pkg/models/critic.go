package models

import (
	"sort"
	"time"
)

// CriticApprovalStatus summarizes the critic verdicts recorded for a task.
type CriticApprovalStatus struct {
	// Required is the set of critics the task's rule demands.
	Required []string `json:"required,omitempty"`
	// Passed is the set of critics whose latest verdict is a pass.
	Passed []string `json:"passed,omitempty"`
	// Failed is the set of critics whose latest verdict is a fail.
	Failed []string `json:"failed,omitempty"`
	// Awaiting is the set of required critics with no current verdict.
	Awaiting []string `json:"awaiting,omitempty"`
	// AllApproved is true iff every required critic is in Passed.
	AllApproved bool `json:"all_approved"`
	// Reasons maps a critic to the reason given with its latest verdict.
	Reasons map[string]string `json:"reasons,omitempty"`
}

// Clone returns a deep copy of the status.
func (s *CriticApprovalStatus) Clone() *CriticApprovalStatus {
	if s == nil {
		return nil
	}
	c := &CriticApprovalStatus{
		Required:    append([]string(nil), s.Required...),
		Passed:      append([]string(nil), s.Passed...),
		Failed:      append([]string(nil), s.Failed...),
		Awaiting:    append([]string(nil), s.Awaiting...),
		AllApproved: s.AllApproved,
	}
	if s.Reasons != nil {
		c.Reasons = make(map[string]string, len(s.Reasons))
		for k, v := range s.Reasons {
			c.Reasons[k] = v
		}
	}
	return c
}

// HasPassed reports whether the critic's current verdict is a pass.
func (s *CriticApprovalStatus) HasPassed(critic string) bool {
	return contains(s.Passed, critic)
}

// HasFailed reports whether the critic's current verdict is a fail.
func (s *CriticApprovalStatus) HasFailed(critic string) bool {
	return contains(s.Failed, critic)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// CriticResult is the current verdict of one critic for one task.
type CriticResult struct {
	TaskID    string    `json:"task_id"`
	Critic    string    `json:"critic"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CriticHistoryEntry is one immutable row in the critic verdict history.
type CriticHistoryEntry struct {
	// ID is assigned by the store and increases monotonically.
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Critic    string    `json:"critic"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SortedSet returns a sorted, de-duplicated copy of names.
func SortedSet(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
