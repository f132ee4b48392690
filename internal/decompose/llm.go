package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Completer sends one prompt to a language model and returns its text reply.
type Completer interface {
	SimpleCall(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// decomposedTask is the JSON structure returned by the model for one subtask.
type decomposedTask struct {
	Title               string   `json:"title"`
	Description         string   `json:"description"`
	ExitCriteria        []string `json:"exit_criteria"`
	EstimatedComplexity int      `json:"estimated_complexity"`
	DependsOn           []string `json:"depends_on"`
	RequiresReview      bool     `json:"requires_review"`
}

// LLMStrategy asks a language model for subtasks.
type LLMStrategy struct {
	client      Completer
	maxSubtasks int
}

// NewLLMStrategy creates a model-backed strategy.
func NewLLMStrategy(client Completer, maxSubtasks int) *LLMStrategy {
	if maxSubtasks <= 0 {
		maxSubtasks = DefaultConfig().MaxSubtasks
	}
	return &LLMStrategy{client: client, maxSubtasks: maxSubtasks}
}

// Subtasks implements Strategy.
func (s *LLMStrategy) Subtasks(ctx context.Context, task *models.Task) ([]SubtaskSpec, error) {
	criteria := "(none)"
	if len(task.Metadata.ExitCriteria) > 0 {
		criteria = "- " + strings.Join(task.Metadata.ExitCriteria, "\n- ")
	}
	description := task.Description
	if description == "" {
		description = "(none)"
	}
	prompt := fmt.Sprintf(decompositionPrompt, task.ID, task.Title, description, criteria, s.maxSubtasks)

	response, err := s.client.SimpleCall(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("decomposition call: %w", err)
	}
	specs, err := ParseResponse(response)
	if err != nil {
		return nil, fmt.Errorf("parse decomposition response: %w", err)
	}
	return specs, nil
}

// ParseResponse parses the model's JSON reply into subtask specs.
func ParseResponse(response string) ([]SubtaskSpec, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		preview := response
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return nil, fmt.Errorf("no valid JSON array found in response (got %d chars): %q", len(response), preview)
	}

	var decomposed []decomposedTask
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &decomposed); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if len(decomposed) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}

	titleToIndex := make(map[string]int, len(decomposed))
	for i, dt := range decomposed {
		titleToIndex[dt.Title] = i
	}

	specs := make([]SubtaskSpec, len(decomposed))
	for i, dt := range decomposed {
		specs[i] = SubtaskSpec{
			Title:               dt.Title,
			Description:         dt.Description,
			ExitCriteria:        dt.ExitCriteria,
			EstimatedComplexity: dt.EstimatedComplexity,
			RequiresReview:      dt.RequiresReview,
		}
		for _, depTitle := range dt.DependsOn {
			j, ok := titleToIndex[depTitle]
			if !ok {
				return nil, fmt.Errorf("unknown dependency %q for task %q", depTitle, dt.Title)
			}
			specs[i].DependsOn = append(specs[i].DependsOn, j)
		}
	}

	if err := ValidateNoCycles(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// FallbackStrategy tries Primary and falls back to Secondary on error.
type FallbackStrategy struct {
	Primary   Strategy
	Secondary Strategy
}

// Subtasks implements Strategy.
func (f *FallbackStrategy) Subtasks(ctx context.Context, task *models.Task) ([]SubtaskSpec, error) {
	specs, err := f.Primary.Subtasks(ctx, task)
	if err == nil {
		return specs, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	log.Printf("[decompose] primary strategy failed for %s, using fallback: %v", task.ID, err)
	return f.Secondary.Subtasks(ctx, task)
}
