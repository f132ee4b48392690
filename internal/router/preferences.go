package router

import "strings"

// Model identifiers for the default preference table.
const (
	ModelHaiku  = "claude-3-5-haiku-20241022"
	ModelSonnet = "claude-sonnet-4-20250514"
	ModelOpus   = "claude-opus-4-5-20251101"
)

// Reasoning levels passed through to the executor.
const (
	ReasoningLow    = "low"
	ReasoningMedium = "medium"
	ReasoningHigh   = "high"
)

// Work classes. Critic classes are "critic:<name>" and fall back to
// WorkClassCritic.
const (
	WorkClassDefault   = "default"
	WorkClassTask      = "task"
	WorkClassHeavyTask = "task:heavy"
	WorkClassEpic      = "epic"
	WorkClassCritic    = "critic"
)

// Choice is one provider, model and reasoning level combination.
type Choice struct {
	Provider       string `mapstructure:"provider" yaml:"provider" json:"provider"`
	Model          string `mapstructure:"model" yaml:"model" json:"model"`
	ReasoningLevel string `mapstructure:"reasoning_level" yaml:"reasoning_level" json:"reasoning_level"`
}

// Preference lists the preferred and fallback choices for a work class.
type Preference struct {
	WorkClass string   `mapstructure:"work_class" yaml:"work_class" json:"work_class"`
	Preferred Choice   `mapstructure:"preferred" yaml:"preferred" json:"preferred"`
	Fallbacks []Choice `mapstructure:"fallbacks" yaml:"fallbacks" json:"fallbacks"`
}

// candidates returns the preferred choice followed by the fallbacks.
func (p Preference) candidates() []Choice {
	out := make([]Choice, 0, 1+len(p.Fallbacks))
	out = append(out, p.Preferred)
	return append(out, p.Fallbacks...)
}

// DefaultPreferences returns a table over a single "anthropic" provider.
func DefaultPreferences() []Preference {
	return []Preference{
		{
			WorkClass: WorkClassDefault,
			Preferred: Choice{Provider: "anthropic", Model: ModelSonnet, ReasoningLevel: ReasoningMedium},
			Fallbacks: []Choice{{Provider: "anthropic", Model: ModelHaiku, ReasoningLevel: ReasoningLow}},
		},
		{
			WorkClass: WorkClassHeavyTask,
			Preferred: Choice{Provider: "anthropic", Model: ModelOpus, ReasoningLevel: ReasoningHigh},
			Fallbacks: []Choice{{Provider: "anthropic", Model: ModelSonnet, ReasoningLevel: ReasoningHigh}},
		},
		{
			WorkClass: WorkClassCritic,
			Preferred: Choice{Provider: "anthropic", Model: ModelSonnet, ReasoningLevel: ReasoningHigh},
		},
	}
}

// PreferenceTable resolves a work class to its preference.
type PreferenceTable struct {
	byClass map[string]Preference
}

// NewPreferenceTable indexes prefs by work class. Later entries override
// earlier ones. A default entry is added when none is given.
func NewPreferenceTable(prefs []Preference) *PreferenceTable {
	t := &PreferenceTable{byClass: make(map[string]Preference, len(prefs)+1)}
	for _, p := range DefaultPreferences() {
		if p.WorkClass == WorkClassDefault {
			t.byClass[WorkClassDefault] = p
		}
	}
	for _, p := range prefs {
		t.byClass[p.WorkClass] = p
	}
	return t
}

// Lookup finds the preference for class, trying progressively shorter
// prefixes ("critic:lint" then "critic") before the default entry.
func (t *PreferenceTable) Lookup(class string) Preference {
	for c := class; c != ""; {
		if p, ok := t.byClass[c]; ok {
			return p
		}
		i := strings.LastIndex(c, ":")
		if i < 0 {
			break
		}
		c = c[:i]
	}
	return t.byClass[WorkClassDefault]
}
