package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/internal/telemetry"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Dispatch outcomes recorded in telemetry.
const (
	outcomeSuccess     = "success"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"
	outcomeExhausted   = "exhausted"
)

// dispatch runs one task on an agent. The caller has tracked task.ID.
// Every terminal path writes a status change; success is only recorded
// from an executor result that reports it.
func (o *Orchestrator) dispatch(ctx context.Context, task *models.Task, queue scheduler.Queue) error {
	corr := state.TaskCorrelationID(task.ID) + ".dispatch-" + uuid.New().String()[:8]

	res, err := o.sched.Admit(task)
	if errors.Is(err, scheduler.ErrHeavyLimit) {
		debugLog("[dispatch] %s deferred: %v", task.ID, err)
		return nil
	}
	if err != nil {
		return err
	}
	defer res.Release()

	sel := o.router.SelectForTask(task)
	agent, err := o.agents.Reserve(ctx, sel.Provider, task.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reserve agent for %s: %w", task.ID, err)
	}
	o.setAgent(task.ID, agent.ID)

	started := o.now()
	success := false
	defer func() {
		if err := o.agents.Release(agent.ID, success, o.now().Sub(started)); err != nil {
			log.Printf("[orchestrator] warning: failed to release agent %s: %v", agent.ID, err)
		}
	}()

	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.dispatch",
		telemetry.AttrTaskID.String(task.ID),
		telemetry.AttrAgentID.String(agent.ID),
		telemetry.AttrQueue.String(string(queue)),
		telemetry.AttrProvider.String(sel.Provider),
	)
	defer span.End()

	current, err := o.begin(ctx, task, agent, corr)
	if err != nil && current != nil {
		// The claim committed, so the task must not stay in_progress.
		if rerr := o.interrupt(context.WithoutCancel(ctx), current, corr); rerr != nil {
			log.Printf("[orchestrator] warning: failed to release %s after setup error: %v", task.ID, rerr)
		}
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("prepare dispatch of %s: %w", task.ID, err)
	}
	if err != nil {
		var te *models.TransitionError
		if errors.As(err, &te) {
			// Claimed elsewhere or changed since the snapshot.
			debugLog("[dispatch] %s not claimed: %v", task.ID, err)
			o.sched.Invalidate()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	o.emit(OrchestratorEvent{
		Type:          EventTaskDispatched,
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		ParentID:      task.ParentID(),
		AgentID:       agent.ID,
		Provider:      sel.Provider,
		Model:         sel.Model,
		CorrelationID: corr,
	})
	log.Printf("[orchestrator] dispatching %s to %s (%s/%s, queue %s)", task.ID, agent.ID, sel.Provider, sel.Model, queue)

	execCtx, cancel := context.WithTimeout(ctx, o.policy.Dispatch.ExecutionTimeout)
	defer cancel()
	o.telemetry.InFlight(ctx, 1)
	defer o.telemetry.InFlight(ctx, -1)

	research := o.sched.ResearchSignal(current)
	if research.Triggered {
		debugLog("[dispatch] %s research mode (confidence %.2f): %v", task.ID, research.Confidence, research.Reasons)
	}

	var (
		result *ExecutionResult
		lease  *router.Lease
	)
	execErr := o.router.Do(execCtx, sel, func(ctx context.Context, l *router.Lease) error {
		lease = l
		r, err := o.executor.Execute(ctx, ExecutionRequest{
			Task:          current,
			Agent:         agent,
			Lease:         l,
			Research:      research.Triggered,
			CorrelationID: corr,
		})
		if err != nil {
			return err
		}
		result = r
		o.router.RecordUsage(l.Provider, r.TokensIn+r.TokensOut)
		return nil
	})
	elapsed := o.now().Sub(started)

	// Outcomes are recorded even if the run is being torn down.
	wctx := context.WithoutCancel(ctx)
	provider := sel.Provider
	if lease != nil {
		provider = lease.Provider
	}

	switch {
	case ctx.Err() != nil:
		o.telemetry.RecordDispatch(wctx, provider, outcomeInterrupted, elapsed, 0)
		return o.interrupt(wctx, current, corr)

	case errors.Is(execErr, models.ErrQuotaExhausted):
		o.telemetry.RecordDispatch(wctx, provider, outcomeExhausted, elapsed, 0)
		if err := o.release(wctx, current, corr, execErr); err != nil {
			return err
		}
		return execErr

	case execErr != nil:
		o.telemetry.RecordDispatch(wctx, provider, outcomeFailed, elapsed, 0)
		return o.fail(wctx, current, corr, lease, failureReason(execErr, execCtx), "", elapsed)

	case result == nil || !result.Success:
		tokens := int64(0)
		reason, detail := "executor reported failure", ""
		if result != nil {
			tokens = result.TokensIn + result.TokensOut
			if result.Summary != "" {
				reason = result.Summary
			}
			detail = result.Detail
		}
		o.telemetry.RecordDispatch(wctx, provider, outcomeFailed, elapsed, tokens)
		return o.fail(wctx, current, corr, lease, reason, detail, elapsed)
	}

	success = true
	tokens := result.TokensIn + result.TokensOut
	o.telemetry.RecordDispatch(wctx, provider, outcomeSuccess, elapsed, tokens)
	return o.complete(wctx, current, corr, lease, result, elapsed)
}

func failureReason(err error, execCtx context.Context) string {
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return "execution timed out"
	}
	return err.Error()
}

// begin claims the task for this session and returns its fresh state.
// Once the claim has committed the task is returned even with an error.
func (o *Orchestrator) begin(ctx context.Context, task *models.Task, agent models.Agent, corr string) (*models.Task, error) {
	if task.Status == models.TaskStatusNeedsImprovement {
		if _, err := o.store.Transition(ctx, state.TransitionRequest{
			TaskID:        task.ID,
			From:          models.TaskStatusNeedsImprovement,
			To:            models.TaskStatusPending,
			CorrelationID: corr,
			Reason:        "remediation",
		}); err != nil {
			return nil, err
		}
	}
	current, err := o.store.Transition(ctx, state.TransitionRequest{
		TaskID:        task.ID,
		From:          models.TaskStatusPending,
		To:            models.TaskStatusInProgress,
		CorrelationID: corr,
		Reason:        "dispatched",
		Detail:        map[string]any{"agent_id": agent.ID, "session_id": o.sessionID},
		Mutate: func(m *models.TaskMetadata) {
			m.SessionID = o.sessionID
			m.AwaitingCritics = false
		},
	})
	if err != nil {
		return nil, err
	}
	o.telemetry.RecordTransition(ctx, string(models.TaskStatusInProgress))
	if err := o.store.AssignTask(ctx, task.ID, agent.ID, corr); err != nil {
		return current, err
	}
	current.AssignedTo = agent.ID
	if _, err := o.critics.BeginRemediation(ctx, task.ID); err != nil {
		return current, err
	}
	return current, nil
}

// complete records a successful execution and hands the task to critic
// policy.
func (o *Orchestrator) complete(ctx context.Context, task *models.Task, corr string, lease *router.Lease, res *ExecutionResult, elapsed time.Duration) error {
	meta := map[string]any{
		"summary":     res.Summary,
		"duration_ms": elapsed.Milliseconds(),
		"tokens_in":   res.TokensIn,
		"tokens_out":  res.TokensOut,
	}
	if lease != nil {
		meta["provider"] = lease.Provider
		meta["account_id"] = lease.Account.ID
		meta["model"] = lease.Model
	}
	if err := o.store.AddContextEntry(ctx, &models.ContextEntry{
		CorrelationID: corr,
		EventType:     models.EventExecutionCompleted,
		TaskID:        task.ID,
		Metadata:      meta,
	}); err != nil {
		return err
	}

	v, err := o.critics.Apply(ctx, task.ID, corr)
	if err != nil {
		return err
	}
	ev := OrchestratorEvent{
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		ParentID:      task.ParentID(),
		AgentID:       task.AssignedTo,
		Message:       res.Summary,
		TokensUsed:    res.TokensIn + res.TokensOut,
		Duration:      elapsed,
		CorrelationID: corr,
	}
	if lease != nil {
		ev.Provider = lease.Provider
		ev.Model = lease.Model
	}
	switch v.Decision {
	case critics.DecisionDone:
		ev.Type = EventTaskCompleted
		o.telemetry.RecordTransition(ctx, string(models.TaskStatusDone))
	case critics.DecisionNeedsImprovement:
		ev.Type = EventTaskNeedsImprovement
		ev.Message = v.Reason
		o.telemetry.RecordTransition(ctx, string(models.TaskStatusNeedsImprovement))
	default:
		ev.Type = EventTaskAwaitingCritics
		ev.Message = fmt.Sprintf("awaiting %v", v.Status.Awaiting)
	}
	o.emit(ev)
	return nil
}

// fail records a failed attempt. The task goes to needs_improvement, or to
// blocked once it has failed MaxFailures times.
func (o *Orchestrator) fail(ctx context.Context, task *models.Task, corr string, lease *router.Lease, reason, detail string, elapsed time.Duration) error {
	meta := map[string]any{
		"reason":      reason,
		"duration_ms": elapsed.Milliseconds(),
	}
	if detail != "" {
		meta["detail"] = detail
	}
	if lease != nil {
		meta["provider"] = lease.Provider
		meta["account_id"] = lease.Account.ID
	}
	if err := o.store.AddContextEntry(ctx, &models.ContextEntry{
		CorrelationID: corr,
		EventType:     models.EventExecutionFailed,
		TaskID:        task.ID,
		Metadata:      meta,
	}); err != nil {
		return err
	}

	failures := task.Metadata.FailureCount + 1
	to := models.TaskStatusNeedsImprovement
	if failures >= o.policy.Dispatch.MaxFailures {
		to = models.TaskStatusBlocked
	}
	if _, err := o.store.Transition(ctx, state.TransitionRequest{
		TaskID:        task.ID,
		From:          models.TaskStatusInProgress,
		To:            to,
		CorrelationID: corr,
		Reason:        reason,
		ClearAssignee: to == models.TaskStatusBlocked,
		Mutate: func(m *models.TaskMetadata) {
			m.FailureCount++
			m.LastFailureReason = reason
			m.AwaitingCritics = false
		},
	}); err != nil {
		return err
	}
	o.telemetry.RecordTransition(ctx, string(to))

	ev := OrchestratorEvent{
		Type:          EventTaskFailed,
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		ParentID:      task.ParentID(),
		AgentID:       task.AssignedTo,
		Error:         errors.New(reason),
		Duration:      elapsed,
		CorrelationID: corr,
	}
	if to == models.TaskStatusBlocked {
		ev.Type = EventTaskBlocked
		ev.Message = fmt.Sprintf("failed %d times", failures)
	}
	o.emit(ev)
	log.Printf("[orchestrator] %s failed (%d/%d): %s", task.ID, failures, o.policy.Dispatch.MaxFailures, reason)
	return nil
}

// interrupt returns a task whose run was canceled to pending. The attempt
// does not count as a failure.
func (o *Orchestrator) interrupt(ctx context.Context, task *models.Task, corr string) error {
	if _, err := o.store.Transition(ctx, state.TransitionRequest{
		TaskID:        task.ID,
		From:          models.TaskStatusInProgress,
		To:            models.TaskStatusPending,
		CorrelationID: corr,
		Reason:        state.ReasonInterrupted,
		ClearAssignee: true,
		Mutate: func(m *models.TaskMetadata) {
			m.AwaitingCritics = false
		},
	}); err != nil {
		return err
	}
	o.telemetry.RecordTransition(ctx, string(models.TaskStatusPending))
	o.emit(OrchestratorEvent{
		Type:          EventTaskInterrupted,
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		CorrelationID: corr,
	})
	return nil
}

// release returns a task to pending when no account could serve it.
func (o *Orchestrator) release(ctx context.Context, task *models.Task, corr string, cause error) error {
	meta := map[string]any{"reason": cause.Error()}
	var ex *models.ExhaustedError
	if errors.As(cause, &ex) {
		meta["providers"] = ex.Providers
		if !ex.EarliestRetry.IsZero() {
			meta["earliest_retry"] = ex.EarliestRetry.Format(time.RFC3339)
		}
	}
	if err := o.store.AddContextEntry(ctx, &models.ContextEntry{
		CorrelationID: corr,
		EventType:     models.EventDispatchFailed,
		TaskID:        task.ID,
		Metadata:      meta,
	}); err != nil {
		return err
	}
	if _, err := o.store.Transition(ctx, state.TransitionRequest{
		TaskID:        task.ID,
		From:          models.TaskStatusInProgress,
		To:            models.TaskStatusPending,
		CorrelationID: corr,
		Reason:        "providers exhausted",
		ClearAssignee: true,
	}); err != nil {
		return err
	}
	o.telemetry.RecordTransition(ctx, string(models.TaskStatusPending))
	o.emit(OrchestratorEvent{
		Type:          EventProvidersExhausted,
		TaskID:        task.ID,
		TaskTitle:     task.Title,
		Error:         cause,
		CorrelationID: corr,
	})
	return nil
}
