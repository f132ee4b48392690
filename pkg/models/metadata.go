package models

import (
	"encoding/json"
	"fmt"
)

// Well-known metadata keys. Everything else lands in TaskMetadata.Extra.
const (
	MetaDecomposed        = "decomposed"
	MetaParentTaskID      = "parent_task_id"
	MetaExitCriteria      = "exit_criteria"
	MetaFailureCount      = "failure_count"
	MetaDependsOn         = "depends_on"
	MetaRequiresReview    = "requires_review"
	MetaRequiresFollowUp  = "requires_follow_up"
	MetaLastFailure       = "last_failure_reason"
	MetaSessionID         = "session_id"
	MetaAwaitingCritics   = "awaiting_critics"
	MetaCriticApproval    = "critic_approval"
	MetaInterruptedReason = "interrupted_reason"
)

// TaskMetadata is the task metadata document. Known keys are typed fields;
// unknown keys round-trip through Extra so older and newer writers can share
// a database.
type TaskMetadata struct {
	Decomposed        bool                  `json:"decomposed,omitempty"`
	ParentTaskID      string                `json:"parent_task_id,omitempty"`
	ExitCriteria      []string              `json:"exit_criteria,omitempty"`
	FailureCount      int                   `json:"failure_count,omitempty"`
	DependsOn         []string              `json:"depends_on,omitempty"`
	RequiresReview    bool                  `json:"requires_review,omitempty"`
	RequiresFollowUp  bool                  `json:"requires_follow_up,omitempty"`
	LastFailureReason string                `json:"last_failure_reason,omitempty"`
	SessionID         string                `json:"session_id,omitempty"`
	AwaitingCritics   bool                  `json:"awaiting_critics,omitempty"`
	CriticApproval    *CriticApprovalStatus `json:"critic_approval,omitempty"`

	// Extra holds forward-compatible fields this version does not know about.
	Extra map[string]any `json:"-"`
}

// knownMetaKeys lists the keys decoded into typed fields.
var knownMetaKeys = map[string]struct{}{
	MetaDecomposed:       {},
	MetaParentTaskID:     {},
	MetaExitCriteria:     {},
	MetaFailureCount:     {},
	MetaDependsOn:        {},
	MetaRequiresReview:   {},
	MetaRequiresFollowUp: {},
	MetaLastFailure:      {},
	MetaSessionID:        {},
	MetaAwaitingCritics:  {},
	MetaCriticApproval:   {},
}

// typedMetadata breaks the MarshalJSON recursion.
type typedMetadata TaskMetadata

// MarshalJSON flattens typed fields and Extra into a single object.
// Typed fields win over Extra entries with the same key.
func (m TaskMetadata) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(typedMetadata(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return typed, nil
	}

	out := make(map[string]json.RawMessage, len(m.Extra)+4)
	for k, v := range m.Extra {
		if _, known := knownMetaKeys[k]; known {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata key %q: %w", k, err)
		}
		out[k] = raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes known keys into typed fields and keeps the rest in Extra.
func (m *TaskMetadata) UnmarshalJSON(data []byte) error {
	var typed typedMetadata
	if err := json.Unmarshal(data, &typed); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}

	*m = TaskMetadata(typed)
	for k, v := range all {
		if _, known := knownMetaKeys[k]; known {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}

// Clone returns a deep copy of the metadata.
func (m TaskMetadata) Clone() TaskMetadata {
	c := m
	if m.ExitCriteria != nil {
		c.ExitCriteria = append([]string(nil), m.ExitCriteria...)
	}
	if m.DependsOn != nil {
		c.DependsOn = append([]string(nil), m.DependsOn...)
	}
	if m.CriticApproval != nil {
		c.CriticApproval = m.CriticApproval.Clone()
	}
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Set stores an extension field. Known keys are rejected so typed state
// cannot be shadowed by an untyped write.
func (m *TaskMetadata) Set(key string, value any) error {
	if _, known := knownMetaKeys[key]; known {
		return fmt.Errorf("metadata key %q is typed; set the field directly", key)
	}
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
	return nil
}

// Get returns an extension field.
func (m TaskMetadata) Get(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}
