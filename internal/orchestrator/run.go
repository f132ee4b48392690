package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// errKilled marks a run ended by the kill signal.
var errKilled = errors.New("kill signal received")

// Run executes the backlog until it is idle (when the policy says so), the
// context is canceled, Stop is called or a kill signal arrives. It owns a
// session for its lifetime: stale sessions are recovered on start and the
// session is ended with a status that reflects why Run returned. Run may
// be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	defer o.emitter.Close()
	o.mu.Lock()
	o.cancel = func() { cancel(ErrStopped) }
	o.mu.Unlock()

	if err := o.store.CreateSession(ctx, &models.Session{ID: o.sessionID}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	report, err := state.NewRecoveryManager(o.store, o.policy.Recovery.StaleAfter).Recover(ctx, o.sessionID)
	if err != nil {
		o.endSession(ctx, models.SessionFailed, err.Error())
		return fmt.Errorf("recover: %w", err)
	}
	if len(report.Sessions) > 0 || len(report.Tasks) > 0 {
		log.Printf("[orchestrator] recovered %d sessions, released %d tasks", len(report.Sessions), len(report.Tasks))
	}
	o.emit(OrchestratorEvent{Type: EventSessionStarted, Message: o.sessionID})
	log.Printf("[orchestrator] session %s started with %d agents", o.sessionID, o.capacity())

	go o.heartbeat(ctx)
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(o.policy.Loop.StuckSweep, func() {
		if _, err := o.SweepStuck(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[orchestrator] warning: stuck sweep failed: %v", err)
		}
	}); err != nil {
		o.endSession(ctx, models.SessionFailed, err.Error())
		return fmt.Errorf("schedule stuck sweep: %w", err)
	}
	sweeper.Start()
	go o.watchSignals(ctx, cancel)

	loopErr := o.loop(ctx)
	cancel(loopErr)
	o.wg.Wait()
	<-sweeper.Stop().Done()
	loopErr = errors.Join(loopErr, o.drain())

	status, reason := models.SessionCompleted, "idle"
	cause := context.Cause(ctx)
	switch {
	case loopErr == nil:
	case errors.Is(cause, errKilled), errors.Is(cause, ErrStopped):
		status, reason, loopErr = models.SessionCanceled, cause.Error(), nil
	case parent.Err() != nil:
		status, reason = models.SessionCanceled, parent.Err().Error()
		loopErr = parent.Err()
	default:
		status, reason = models.SessionFailed, loopErr.Error()
	}
	o.endSession(ctx, status, reason)
	o.emit(OrchestratorEvent{Type: EventSessionDone, Message: fmt.Sprintf("%s: %s", status, reason)})
	log.Printf("[orchestrator] session %s %s: %s", o.sessionID, status, reason)
	return loopErr
}

func (o *Orchestrator) endSession(ctx context.Context, status models.SessionStatus, reason string) {
	if err := o.store.EndSession(context.WithoutCancel(ctx), o.sessionID, status, reason); err != nil {
		log.Printf("[orchestrator] warning: failed to end session %s: %v", o.sessionID, err)
	}
}

// loop fills free agents until the run ends.
func (o *Orchestrator) loop(ctx context.Context) error {
	for {
		if err := o.pauseCtrl.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return ErrStopped
			}
			return err
		}
		if err := o.handleResults(ctx); err != nil {
			return err
		}
		if err := o.fill(ctx); err != nil {
			return err
		}

		snap, err := o.sched.Snapshot(ctx)
		if err != nil {
			return err
		}
		if o.policy.Loop.ExitWhenIdle && o.inflightCount() == 0 && snap.Runnable() == 0 && len(snap.Completable) == 0 {
			debugLog("[loop] idle: %d remaining, %d blocked, %d waiting", snap.Remaining, snap.Blocked, snap.Waiting)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.sched.Changed():
		case <-o.wake:
		case <-time.After(o.policy.Loop.PollInterval):
		}
	}
}

// handleResults checks finished dispatches. Exhausted providers pause the
// loop until the earliest account comes back; any other error ends it.
func (o *Orchestrator) handleResults(ctx context.Context) error {
	for _, err := range o.collect() {
		var ex *models.ExhaustedError
		if !errors.As(err, &ex) {
			return err
		}
		if ex.EarliestRetry.IsZero() {
			return err
		}
		wait := ex.EarliestRetry.Sub(o.now())
		if wait <= 0 {
			continue
		}
		log.Printf("[orchestrator] all providers exhausted, waiting %s", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

func (o *Orchestrator) collect() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.results
	o.results = nil
	return out
}

// drain returns errors from dispatches that finished after the loop ended.
func (o *Orchestrator) drain() error {
	var errs []error
	for _, err := range o.collect() {
		if errors.Is(err, models.ErrQuotaExhausted) {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// fill starts dispatches until every agent is busy or nothing is ready.
// Decomposition happens inline; execution runs in the background.
func (o *Orchestrator) fill(ctx context.Context) error {
	deferred := make(map[string]bool)
	for o.inflightCount() < o.capacity() {
		if o.pauseCtrl.IsPaused() || ctx.Err() != nil {
			return nil
		}
		snap, err := o.sched.Snapshot(ctx)
		if err != nil {
			return err
		}
		progressed, err := o.settle(ctx, snap)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}

		exclude := o.busy()
		for id := range deferred {
			exclude[id] = true
		}
		task, queue, ok := o.sched.Next(snap, exclude)
		if !ok {
			return nil
		}
		if o.sched.IsHeavy(task) {
			if rs := o.sched.Resources(snap); rs.ActiveHeavyTasks >= rs.HeavyTaskLimit {
				deferred[task.ID] = true
				continue
			}
		}
		if !o.track(task.ID) {
			deferred[task.ID] = true
			continue
		}

		dispatchable, err := o.prepare(ctx, task)
		if err != nil || !dispatchable {
			o.untrack(task.ID)
			if err != nil {
				return err
			}
			continue
		}
		o.start(ctx, task, queue)
	}
	return nil
}

// start runs a tracked task in the background.
func (o *Orchestrator) start(ctx context.Context, task *models.Task, queue scheduler.Queue) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.dispatch(ctx, task, queue)
		o.mu.Lock()
		delete(o.inflight, task.ID)
		if err != nil {
			o.results = append(o.results, err)
		}
		o.mu.Unlock()
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}()
}

func (o *Orchestrator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.policy.Loop.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.store.Heartbeat(ctx, o.sessionID, o.decomposer.Used()); err != nil && ctx.Err() == nil {
				log.Printf("[orchestrator] warning: heartbeat failed: %v", err)
			}
		}
	}
}

// watchSignals applies external stop and pause requests.
func (o *Orchestrator) watchSignals(ctx context.Context, cancel context.CancelCauseFunc) {
	if o.signals == nil {
		return
	}
	check := func() bool {
		if o.signals.ShouldStop() {
			log.Printf("[orchestrator] kill signal received, stopping")
			o.pauseCtrl.Stop()
			cancel(errKilled)
			return false
		}
		if o.signals.ShouldPause() {
			o.Pause()
		} else {
			o.Resume()
		}
		return true
	}
	if !check() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.signals.Changed():
			if !check() {
				return
			}
		}
	}
}

// SweepStuck reports in_progress tasks that have not changed for longer
// than the scheduler's stuck threshold. Stuck tasks owned by this session
// that are not running here are released back to pending; tasks owned by
// other sessions are left to recovery.
func (o *Orchestrator) SweepStuck(ctx context.Context) ([]scheduler.StuckTask, error) {
	stuck, err := o.sched.DetectStuckTasks(ctx)
	if err != nil {
		return nil, err
	}
	busy := o.busy()
	for _, st := range stuck {
		t := st.Task
		released := t.Metadata.SessionID == o.sessionID && !busy[t.ID] && !t.Metadata.AwaitingCritics
		if err := o.store.AddContextEntry(ctx, &models.ContextEntry{
			EventType: models.EventTaskStuck,
			TaskID:    t.ID,
			Metadata: map[string]any{
				"idle_seconds": int64(st.IdleFor.Seconds()),
				"session_id":   t.Metadata.SessionID,
				"released":     released,
			},
		}); err != nil {
			return stuck, err
		}
		o.emit(OrchestratorEvent{
			Type:      EventTaskStuck,
			TaskID:    t.ID,
			TaskTitle: t.Title,
			AgentID:   t.AssignedTo,
			Message:   fmt.Sprintf("no progress for %s", st.IdleFor.Round(time.Second)),
		})
		if !released {
			continue
		}
		if _, err := o.store.Transition(ctx, state.TransitionRequest{
			TaskID:        t.ID,
			From:          models.TaskStatusInProgress,
			To:            models.TaskStatusPending,
			Reason:        state.ReasonInterrupted,
			ClearAssignee: true,
			Detail:        map[string]any{"stuck_seconds": int64(st.IdleFor.Seconds())},
		}); err != nil {
			return stuck, err
		}
	}
	return stuck, nil
}
