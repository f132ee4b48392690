package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

const executionSystemPrompt = `You are an autonomous engineer working one task from a project plan.
Carry out the task as described and report honestly. If you could not complete it, say so.

Respond with ONLY a JSON object:
{"success": true|false, "summary": "one or two sentences", "details": "what you did or what blocked you"}`

// executionReport is the JSON object the model returns.
type executionReport struct {
	Success *bool  `json:"success"`
	Summary string `json:"summary"`
	Details string `json:"details"`
}

// TaskExecutor runs tasks on Anthropic models, one client per leased
// account.
type TaskExecutor struct {
	pool *ClientPool
	// Decisions, when set, returns shared project decisions to include in
	// every prompt.
	Decisions func() string
}

// NewTaskExecutor creates an executor over pool.
func NewTaskExecutor(pool *ClientPool) *TaskExecutor {
	return &TaskExecutor{pool: pool}
}

// Execute implements orchestrator.Executor. API failures are returned as
// errors so the router can classify usage limits; a reply without a
// readable report is an unsuccessful result.
func (e *TaskExecutor) Execute(ctx context.Context, req orchestrator.ExecutionRequest) (*orchestrator.ExecutionResult, error) {
	if req.Lease == nil {
		return nil, fmt.Errorf("execute %s: no account lease", req.Task.ID)
	}
	c, err := e.pool.ForAccount(req.Lease.Account)
	if err != nil {
		return nil, err
	}

	var decisions string
	if e.Decisions != nil {
		decisions = e.Decisions()
	}
	text, usage, err := c.call(ctx,
		c.TranslateModel(req.Lease.Model),
		maxTokensFor(req.Lease.ReasoningLevel),
		executionSystemPrompt,
		buildExecutionPrompt(req, decisions),
	)
	if err != nil {
		return nil, err
	}

	res := ParseExecutionReport(text)
	res.TokensIn = usage.InputTokens
	res.TokensOut = usage.OutputTokens
	return res, nil
}

func buildExecutionPrompt(req orchestrator.ExecutionRequest, decisions string) string {
	t := req.Task
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		sb.WriteString("\n")
		sb.WriteString(t.Description)
		sb.WriteString("\n")
	}
	if len(t.Metadata.ExitCriteria) > 0 {
		sb.WriteString("\nExit criteria:\n")
		for _, c := range t.Metadata.ExitCriteria {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	if t.Status == models.TaskStatusNeedsImprovement || t.Metadata.LastFailureReason != "" {
		if reason := t.Metadata.LastFailureReason; reason != "" {
			fmt.Fprintf(&sb, "\nThe previous attempt failed: %s\nAddress this first.\n", reason)
		}
	}
	if req.Research {
		sb.WriteString("\nThis task has stalled or is ambiguous. Investigate before changing anything and report what you learned.\n")
	}
	if decisions != "" {
		sb.WriteString("\n")
		sb.WriteString(decisions)
	}
	return sb.String()
}

// ParseExecutionReport reads the JSON report out of a model reply. A reply
// with no report, or one without a success field, is a failure that keeps
// the raw text as detail.
func ParseExecutionReport(text string) *orchestrator.ExecutionResult {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return &orchestrator.ExecutionResult{
			Summary: "executor reply contained no report",
			Detail:  truncate(text, 2000),
		}
	}
	var rep executionReport
	if err := json.Unmarshal([]byte(text[start:end+1]), &rep); err != nil || rep.Success == nil {
		return &orchestrator.ExecutionResult{
			Summary: "executor report was unreadable",
			Detail:  truncate(text, 2000),
		}
	}
	return &orchestrator.ExecutionResult{
		Success: *rep.Success,
		Summary: rep.Summary,
		Detail:  rep.Details,
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
