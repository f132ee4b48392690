package decompose

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// bulletPattern matches "- item", "* item", "• item", "1. item" and "1) item".
var bulletPattern = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// phasePlans maps a phase count to the phase names used when a task has
// neither exit criteria nor a bulleted description.
var phasePlans = map[int][]string{
	1: {"Implement"},
	2: {"Implement", "Verify"},
	3: {"Design", "Implement", "Verify"},
	4: {"Design", "Implement core of", "Implement edge cases of", "Verify"},
	5: {"Design", "Implement core of", "Implement edge cases of", "Integrate", "Verify"},
}

const maxTitleLen = 80

// HeuristicStrategy derives subtasks from the task text without a model call.
//
// In order of preference it produces one subtask per exit criterion, one
// per bullet in the description (when there are at least two), or a chain of
// ceil(complexity/3) sequential phases, clamped to 1..5.
type HeuristicStrategy struct{}

// NewHeuristicStrategy returns the default strategy.
func NewHeuristicStrategy() *HeuristicStrategy {
	return &HeuristicStrategy{}
}

// Subtasks implements Strategy.
func (h *HeuristicStrategy) Subtasks(_ context.Context, task *models.Task) ([]SubtaskSpec, error) {
	if crit := nonEmpty(task.Metadata.ExitCriteria); len(crit) > 0 {
		specs := make([]SubtaskSpec, len(crit))
		for i, c := range crit {
			specs[i] = SubtaskSpec{
				Title:        truncate(c, maxTitleLen),
				Description:  fmt.Sprintf("Satisfy exit criterion of %q: %s", task.Title, c),
				ExitCriteria: []string{c},
			}
		}
		return specs, nil
	}

	if bullets := extractBullets(task.Description); len(bullets) >= 2 {
		specs := make([]SubtaskSpec, len(bullets))
		for i, b := range bullets {
			specs[i] = SubtaskSpec{
				Title:       truncate(b, maxTitleLen),
				Description: fmt.Sprintf("Part of %q: %s", task.Title, b),
			}
		}
		return specs, nil
	}

	n := (task.EstimatedComplexity + 2) / 3
	if n < 1 {
		n = 1
	}
	if n > len(phasePlans) {
		n = len(phasePlans)
	}
	phases := phasePlans[n]
	specs := make([]SubtaskSpec, n)
	for i, phase := range phases {
		specs[i] = SubtaskSpec{
			Title:       truncate(phase+" "+task.Title, maxTitleLen),
			Description: strings.TrimSpace(phase + " " + task.Title + ".\n\n" + task.Description),
		}
		if i > 0 {
			specs[i].DependsOn = []int{i - 1}
		}
	}
	return specs, nil
}

func extractBullets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if m := bulletPattern.FindStringSubmatch(line); m != nil {
			if s := strings.TrimSpace(m[1]); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
