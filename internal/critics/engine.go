package critics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Decision is the outcome of applying the critic policy to a task.
type Decision string

const (
	// DecisionDone means every required critic passed, or none are required.
	DecisionDone Decision = "done"
	// DecisionPending means some required critic has not reported yet. The
	// task stays in_progress.
	DecisionPending Decision = "pending"
	// DecisionNeedsImprovement means a required critic failed.
	DecisionNeedsImprovement Decision = "needs_improvement"
)

// Verdict is a Decision with the status it was derived from.
type Verdict struct {
	Decision Decision
	Status   *models.CriticApprovalStatus
	// Failed lists required critics whose current verdict is a fail.
	Failed []string
	// Reason summarizes the failures for a needs_improvement verdict.
	Reason string
}

// Store is the persistence the engine needs.
type Store interface {
	state.CriticStore
	GetTask(ctx context.Context, id string) (*models.Task, error)
	Transition(ctx context.Context, req state.TransitionRequest) (*models.Task, error)
	UpdateMetadata(ctx context.Context, id, correlationID, reason string, mutate func(m *models.TaskMetadata)) (*models.Task, error)
}

// Engine is the critic-approval policy engine.
type Engine struct {
	store Store
	rules *Rules

	mu    sync.Mutex
	cache map[string]*models.CriticApprovalStatus
	// gen changes on every invalidation; a read only caches its result if
	// gen is unchanged since it started.
	gen uint64
}

// NewEngine compiles rules and returns an engine over store.
func NewEngine(store Store, rules []Rule) (*Engine, error) {
	compiled, err := CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store: store,
		rules: compiled,
		cache: make(map[string]*models.CriticApprovalStatus),
	}, nil
}

// Attach drops cached statuses when n reports critic changes, including
// writes from other processes.
func (e *Engine) Attach(n *state.Notifier) (detach func()) {
	return n.OnChange(func(c state.Change) {
		switch c.Kind {
		case state.ChangeCriticResult:
			e.invalidate(c.TaskID)
		case state.ChangeExternalWrite:
			e.invalidate("")
		}
	})
}

func (e *Engine) invalidate(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if taskID == "" {
		e.cache = make(map[string]*models.CriticApprovalStatus)
		return
	}
	delete(e.cache, taskID)
}

// RequiredCritics returns the critics the first matching rule requires.
func (e *Engine) RequiredCritics(taskID string) []string {
	return e.rules.Required(taskID)
}

// RecordCriticResult stores one verdict and returns the updated status.
func (e *Engine) RecordCriticResult(ctx context.Context, taskID, critic string, passed bool, reason string) (*models.CriticApprovalStatus, error) {
	if strings.TrimSpace(critic) == "" {
		return nil, fmt.Errorf("record critic result: critic name is required")
	}
	err := e.store.RecordCriticResult(ctx, &models.CriticResult{
		TaskID: taskID,
		Critic: critic,
		Passed: passed,
		Reason: reason,
	}, "")
	if err != nil {
		return nil, err
	}
	e.invalidate(taskID)
	return e.GetCriticApprovalStatus(ctx, taskID)
}

// GetCriticApprovalStatus returns the approval status of a task. The
// returned value is a copy.
func (e *Engine) GetCriticApprovalStatus(ctx context.Context, taskID string) (*models.CriticApprovalStatus, error) {
	e.mu.Lock()
	if s, ok := e.cache[taskID]; ok {
		e.mu.Unlock()
		return s.Clone(), nil
	}
	gen := e.gen
	e.mu.Unlock()

	results, err := e.store.ListCriticResults(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("critic approval status for %s: %w", taskID, err)
	}
	s := buildStatus(e.rules.Required(taskID), results)

	e.mu.Lock()
	if e.gen == gen {
		e.cache[taskID] = s
	}
	e.mu.Unlock()
	return s.Clone(), nil
}

func buildStatus(required []string, results []*models.CriticResult) *models.CriticApprovalStatus {
	s := &models.CriticApprovalStatus{Required: models.SortedSet(required)}
	var passed, failed []string
	for _, r := range results {
		if r.Passed {
			passed = append(passed, r.Critic)
		} else {
			failed = append(failed, r.Critic)
		}
		if r.Reason != "" {
			if s.Reasons == nil {
				s.Reasons = make(map[string]string)
			}
			s.Reasons[r.Critic] = r.Reason
		}
	}
	s.Passed = models.SortedSet(passed)
	s.Failed = models.SortedSet(failed)

	s.AllApproved = true
	for _, c := range s.Required {
		if !s.HasPassed(c) {
			s.AllApproved = false
		}
		if !s.HasPassed(c) && !s.HasFailed(c) {
			s.Awaiting = append(s.Awaiting, c)
		}
	}
	return s
}

// Decide applies the policy: no required critics is done, any required
// critic still unevaluated is pending, any required failure needs
// improvement, and all required passes is done.
func (e *Engine) Decide(ctx context.Context, taskID string) (Verdict, error) {
	if len(e.rules.Required(taskID)) == 0 {
		return Verdict{Decision: DecisionDone, Status: &models.CriticApprovalStatus{AllApproved: true}}, nil
	}
	s, err := e.GetCriticApprovalStatus(ctx, taskID)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{Status: s}
	for _, c := range s.Required {
		if s.HasFailed(c) {
			v.Failed = append(v.Failed, c)
		}
	}
	switch {
	case len(s.Awaiting) > 0:
		v.Decision = DecisionPending
	case len(v.Failed) > 0:
		v.Decision = DecisionNeedsImprovement
		v.Reason = failureReason(v.Failed, s.Reasons)
	default:
		v.Decision = DecisionDone
	}
	return v, nil
}

func failureReason(failed []string, reasons map[string]string) string {
	parts := make([]string, 0, len(failed))
	for _, c := range failed {
		if r := reasons[c]; r != "" {
			parts = append(parts, c+": "+r)
		} else {
			parts = append(parts, c)
		}
	}
	sort.Strings(parts)
	return "critics failed: " + strings.Join(parts, "; ")
}

// BeginRemediation clears the current verdicts of the required critics that
// failed so only they are re-evaluated. Passed verdicts are kept.
func (e *Engine) BeginRemediation(ctx context.Context, taskID string) ([]string, error) {
	s, err := e.GetCriticApprovalStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, c := range s.Required {
		if s.HasFailed(c) {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return nil, nil
	}
	if err := e.store.ClearCriticResults(ctx, taskID, failed, "remediation"); err != nil {
		return nil, err
	}
	e.invalidate(taskID)
	log.Printf("[critics] task %s remediation: re-evaluating %s", taskID, strings.Join(failed, ", "))
	return failed, nil
}

// Clear drops every current verdict of a task. It is the explicit policy
// reset; the verdict history is kept.
func (e *Engine) Clear(ctx context.Context, taskID, reason string) error {
	if err := e.store.ClearCriticResults(ctx, taskID, nil, reason); err != nil {
		return err
	}
	e.invalidate(taskID)
	return nil
}

// Apply decides and writes the outcome for an in_progress task: done and
// needs_improvement are status transitions, pending marks the task as
// awaiting critics. Tasks in any other status are left alone.
func (e *Engine) Apply(ctx context.Context, taskID, correlationID string) (Verdict, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Verdict{}, err
	}
	v, err := e.Decide(ctx, taskID)
	if err != nil {
		return Verdict{}, err
	}
	if task.Status != models.TaskStatusInProgress {
		return v, nil
	}

	approval := v.Status.Clone()
	switch v.Decision {
	case DecisionDone:
		_, err = e.store.Transition(ctx, state.TransitionRequest{
			TaskID:        taskID,
			To:            models.TaskStatusDone,
			CorrelationID: correlationID,
			Reason:        "critics approved",
			Mutate: func(m *models.TaskMetadata) {
				m.AwaitingCritics = false
				m.CriticApproval = approval
			},
		})
	case DecisionNeedsImprovement:
		_, err = e.store.Transition(ctx, state.TransitionRequest{
			TaskID:        taskID,
			To:            models.TaskStatusNeedsImprovement,
			CorrelationID: correlationID,
			Reason:        v.Reason,
			Detail:        map[string]any{"failed_critics": v.Failed},
			Mutate: func(m *models.TaskMetadata) {
				m.AwaitingCritics = false
				m.FailureCount++
				m.LastFailureReason = v.Reason
				m.CriticApproval = approval
			},
		})
	case DecisionPending:
		_, err = e.store.UpdateMetadata(ctx, taskID, correlationID, "awaiting critics", func(m *models.TaskMetadata) {
			m.AwaitingCritics = true
			m.CriticApproval = approval
		})
	}
	if err != nil {
		return v, fmt.Errorf("apply critic decision to %s: %w", taskID, err)
	}
	return v, nil
}
