package scheduler

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// DefaultResearchKeywords returns the words that mark investigative work.
func DefaultResearchKeywords() []string {
	return []string{
		"investigate",
		"research",
		"explore",
		"spike",
		"unknown",
		"evaluate",
		"prototype",
		"root cause",
		"benchmark",
		"compare",
	}
}

const (
	keywordWeight = 0.25
	failureWeight = 0.5
	// failureThreshold is the failure count that counts as repeated failure.
	failureThreshold = 2
)

// ResearchSignal says whether a task should be explored before it is executed.
type ResearchSignal struct {
	Triggered  bool
	Confidence float64
	Reasons    []string
}

// ResearchSignal scores a task for research mode. Each distinct keyword in
// the title or description adds 0.25, repeated failure adds 0.5, and the
// signal fires only at or above the configured sensitivity.
func (s *Scheduler) ResearchSignal(t *models.Task) ResearchSignal {
	text := strings.ToLower(t.Title + "\n" + t.Description)
	var sig ResearchSignal
	for _, kw := range s.cfg.ResearchKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || !strings.Contains(text, kw) {
			continue
		}
		sig.Confidence += keywordWeight
		sig.Reasons = append(sig.Reasons, "keyword:"+kw)
	}
	if t.Metadata.FailureCount >= failureThreshold {
		sig.Confidence += failureWeight
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("failure_count:%d", t.Metadata.FailureCount))
	}
	if sig.Confidence > 1 {
		sig.Confidence = 1
	}
	sig.Triggered = sig.Confidence > 0 && sig.Confidence >= s.cfg.ResearchSensitivity
	return sig
}
