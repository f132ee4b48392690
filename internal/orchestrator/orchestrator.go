package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/decompose"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/internal/telemetry"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Signals is an external stop and pause source such as signal files.
type Signals interface {
	ShouldStop() bool
	ShouldPause() bool
	Changed() <-chan struct{}
}

// Orchestrator drives the backlog: it decomposes epics, dispatches ready
// tasks to agents through the router, and applies critic policy to the
// results. It is the single writer of dispatch outcomes in its process.
type Orchestrator struct {
	store      *state.DB
	executor   Executor
	router     *router.Router
	agents     *router.AgentPool
	sched      *scheduler.Scheduler
	decomposer *decompose.Decomposer
	critics    *critics.Engine
	policy     *policy.Config
	telemetry  *telemetry.Telemetry
	signals    Signals
	logger     *DebugLogger
	emitter    *EventEmitter
	pauseCtrl  *PauseController
	now        func() time.Time
	sessionID  string

	mu       sync.Mutex
	inflight map[string]*inflight
	// direct holds epics this session executes without decomposing.
	direct map[string]bool
	// results collects the errors of finished async dispatches.
	results []error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// wake is signaled when an async dispatch ends.
	wake   chan struct{}
	detach []func()
}

// inflight is a dispatch owned by this process.
type inflight struct {
	taskID  string
	agentID string
	started time.Time
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Store == nil || req.Executor == nil || req.Router == nil || req.Agents == nil {
		return nil, fmt.Errorf("orchestrator: store, executor, router and agents are required")
	}
	if len(req.Agents.List()) == 0 {
		return nil, fmt.Errorf("orchestrator: agent pool is empty")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		o.policy = policy.Default()
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator policy: %w", err)
	}
	if o.scheduler == nil {
		o.scheduler = scheduler.New(req.Store, scheduler.DefaultConfig())
	}
	if o.decomposer == nil {
		o.decomposer = decompose.New(req.Store, nil, decompose.DefaultConfig())
	}
	if o.critics == nil {
		e, err := critics.NewEngine(req.Store, nil)
		if err != nil {
			return nil, err
		}
		o.critics = e
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.Nop()
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.emitter == nil {
		o.emitter = NewEventEmitter(o.policy.Events.BufferSize)
	}
	if o.sessionID == "" {
		o.sessionID = "session-" + uuid.New().String()[:8]
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.logger = o.logger.With(o.sessionID)

	orch := &Orchestrator{
		store:      req.Store,
		executor:   req.Executor,
		router:     req.Router,
		agents:     req.Agents,
		sched:      o.scheduler,
		decomposer: o.decomposer,
		critics:    o.critics,
		policy:     o.policy,
		telemetry:  o.telemetry,
		signals:    o.signals,
		logger:     o.logger,
		emitter:    o.emitter,
		pauseCtrl:  NewPauseController(),
		now:        o.now,
		sessionID:  o.sessionID,
		inflight:   make(map[string]*inflight),
		direct:     make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}

	notifier := req.Store.Notifier()
	orch.detach = append(orch.detach,
		o.scheduler.Attach(notifier),
		o.critics.Attach(notifier),
	)
	o.scheduler.SetDebugLog(o.logger.Log)
	setPackageLogger(o.logger)
	req.Router.OnCooldown(orch.onCooldown)
	return orch, nil
}

// SessionID returns the id of the session this orchestrator runs.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Events returns the event stream.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// Stop ends a running Run. In-flight tasks are interrupted back to pending.
func (o *Orchestrator) Stop() {
	o.pauseCtrl.Stop()
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause stops new dispatches. In-flight work continues.
func (o *Orchestrator) Pause() {
	if o.pauseCtrl.Pause() {
		o.emit(OrchestratorEvent{Type: EventPaused, Message: "dispatch paused"})
	}
}

// Resume re-enables dispatch.
func (o *Orchestrator) Resume() {
	if o.pauseCtrl.Resume() {
		o.emit(OrchestratorEvent{Type: EventResumed, Message: "dispatch resumed"})
	}
}

// Close detaches from the store notifier. Call it after Run returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	detach := o.detach
	o.detach = nil
	o.mu.Unlock()
	for _, d := range detach {
		d()
	}
}

func (o *Orchestrator) emit(ev OrchestratorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.now()
	}
	o.emitter.Emit(ev)
}

// busy returns the ids of tasks dispatched by this process.
func (o *Orchestrator) busy() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.inflight))
	for id := range o.inflight {
		out[id] = true
	}
	return out
}

func (o *Orchestrator) inflightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// track claims taskID for this process. It fails if already claimed.
func (o *Orchestrator) track(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[taskID]; ok {
		return false
	}
	o.inflight[taskID] = &inflight{taskID: taskID, started: o.now()}
	return true
}

func (o *Orchestrator) setAgent(taskID, agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if inf, ok := o.inflight[taskID]; ok {
		inf.agentID = agentID
	}
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, taskID)
}

// capacity is the number of agents that can take work.
func (o *Orchestrator) capacity() int {
	n := 0
	for _, a := range o.agents.List() {
		if a.Status != models.AgentStatusOffline {
			n++
		}
	}
	return n
}

func (o *Orchestrator) onCooldown(a models.Account) {
	ctx := context.Background()
	meta := map[string]any{
		"account_id": a.ID,
		"provider":   a.Provider,
		"reason":     a.CooldownReason,
	}
	if a.CooldownUntil != nil {
		meta["until"] = a.CooldownUntil.Format(time.RFC3339)
	}
	if err := o.store.AddContextEntry(ctx, &models.ContextEntry{
		CorrelationID: "router:" + a.Provider,
		EventType:     models.EventProviderCooldown,
		Metadata:      meta,
	}); err != nil {
		log.Printf("[orchestrator] warning: failed to record cooldown of %s: %v", a.ID, err)
	}
	o.telemetry.RecordCooldown(ctx, a.Provider, a.ID)
	o.emit(OrchestratorEvent{
		Type:     EventProviderCooldown,
		Provider: a.Provider,
		Message:  fmt.Sprintf("account %s cooling down: %s", a.ID, a.CooldownReason),
	})
}

// Tick runs one scheduling step synchronously. It first finishes epics
// whose children are done and applies critic verdicts that arrived while a
// task was parked; otherwise it decomposes or dispatches the highest
// priority task. It reports whether anything was done.
func (o *Orchestrator) Tick(ctx context.Context) (bool, error) {
	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.tick",
		telemetry.AttrSessionID.String(o.sessionID))
	defer span.End()

	snap, err := o.sched.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if progressed, err := o.settle(ctx, snap); err != nil || progressed {
		return progressed, err
	}

	task, queue, ok := o.sched.Next(snap, o.busy())
	if !ok {
		return false, nil
	}
	if !o.track(task.ID) {
		return false, nil
	}
	defer o.untrack(task.ID)
	return true, o.handle(ctx, task, queue)
}

// settle completes finished epics and applies critic verdicts for parked
// tasks.
func (o *Orchestrator) settle(ctx context.Context, snap *scheduler.Snapshot) (bool, error) {
	busy := o.busy()
	progressed := false
	for _, epic := range snap.Completable {
		if busy[epic.ID] {
			continue
		}
		if epic.Metadata.AwaitingCritics {
			// Parked epics are settled with the other parked tasks below.
			continue
		}
		if err := o.completeEpic(ctx, epic); err != nil {
			return progressed, err
		}
		progressed = true
	}
	for _, t := range snap.InProgress {
		if !t.Metadata.AwaitingCritics || busy[t.ID] {
			continue
		}
		v, err := o.critics.Decide(ctx, t.ID)
		if err != nil {
			return progressed, err
		}
		if v.Decision == critics.DecisionPending {
			continue
		}
		v, err = o.applyVerdict(ctx, t, "")
		if err != nil {
			return progressed, err
		}
		if v.Decision == critics.DecisionDone && t.Type == models.TaskTypeEpic {
			o.emit(OrchestratorEvent{Type: EventEpicCompleted, TaskID: t.ID, TaskTitle: t.Title})
		}
		progressed = true
	}
	return progressed, nil
}

func (o *Orchestrator) completeEpic(ctx context.Context, epic *models.Task) error {
	if epic.Status == models.TaskStatusPending {
		if _, err := o.store.Transition(ctx, state.TransitionRequest{
			TaskID: epic.ID,
			From:   models.TaskStatusPending,
			To:     models.TaskStatusInProgress,
			Reason: "subtasks complete",
			Mutate: func(m *models.TaskMetadata) { m.SessionID = o.sessionID },
		}); err != nil {
			return fmt.Errorf("complete epic %s: %w", epic.ID, err)
		}
	}
	v, err := o.applyVerdict(ctx, epic, "")
	if err != nil {
		return err
	}
	if v.Decision == critics.DecisionDone {
		o.emit(OrchestratorEvent{Type: EventEpicCompleted, TaskID: epic.ID, TaskTitle: epic.Title})
	}
	return nil
}

// handle decomposes an epic or dispatches a task. The caller has tracked
// task.ID.
func (o *Orchestrator) handle(ctx context.Context, task *models.Task, queue scheduler.Queue) error {
	ok, err := o.prepare(ctx, task)
	if err != nil || !ok {
		return err
	}
	return o.dispatch(ctx, task, queue)
}

// prepare does the work that must precede a dispatch and reports whether
// the task should be dispatched now. Epics are decomposed first and tasks
// out of attempts are blocked.
func (o *Orchestrator) prepare(ctx context.Context, task *models.Task) (bool, error) {
	if task.Type == models.TaskTypeEpic && !task.Metadata.Decomposed {
		done, err := o.decompose(ctx, task)
		if err != nil || done {
			return false, err
		}
	}
	if task.Status == models.TaskStatusNeedsImprovement && task.Metadata.FailureCount >= o.policy.Dispatch.MaxFailures {
		return false, o.block(ctx, task)
	}
	return true, nil
}

// decompose splits an epic. It reports false when the epic should instead
// be executed directly: the decomposer declined on depth or budget, or its
// strategy failed.
func (o *Orchestrator) decompose(ctx context.Context, epic *models.Task) (bool, error) {
	o.mu.Lock()
	direct := o.direct[epic.ID]
	o.mu.Unlock()
	if direct {
		return false, nil
	}

	ctx, span := o.telemetry.StartSpan(ctx, "orchestrator.decompose", telemetry.AttrTaskID.String(epic.ID))
	defer span.End()

	res, err := o.decomposer.Decompose(ctx, epic)
	if err != nil {
		log.Printf("[orchestrator] decomposition of %s failed, executing it directly: %v", epic.ID, err)
		o.telemetry.RecordDecomposition(ctx, "failed", 0)
		return false, o.executeDirectly(ctx, epic, "strategy_failed", err.Error())
	}
	if res.ShouldDecompose {
		o.telemetry.RecordDecomposition(ctx, "decomposed", len(res.Subtasks))
		o.emit(OrchestratorEvent{
			Type:      EventEpicDecomposed,
			TaskID:    epic.ID,
			TaskTitle: epic.Title,
			Message:   fmt.Sprintf("decomposed into %d subtasks", len(res.Subtasks)),
		})
		return true, nil
	}
	o.telemetry.RecordDecomposition(ctx, string(res.Declined), 0)
	if res.Declined == decompose.DeclineAlreadyDecomposed {
		o.sched.Invalidate()
		return true, nil
	}
	return false, o.executeDirectly(ctx, epic, string(res.Declined), "")
}

func (o *Orchestrator) executeDirectly(ctx context.Context, epic *models.Task, reason, detail string) error {
	o.mu.Lock()
	o.direct[epic.ID] = true
	o.mu.Unlock()

	meta := map[string]any{"reason": reason, "session_id": o.sessionID}
	if detail != "" {
		meta["detail"] = detail
	}
	o.emit(OrchestratorEvent{
		Type:      EventDecompositionDeclined,
		TaskID:    epic.ID,
		TaskTitle: epic.Title,
		Message:   "executing epic directly: " + reason,
	})
	return o.store.AddContextEntry(ctx, &models.ContextEntry{
		EventType: models.EventDecompositionDeclined,
		TaskID:    epic.ID,
		Metadata:  meta,
	})
}

// block parks a task that has used up its attempts.
func (o *Orchestrator) block(ctx context.Context, task *models.Task) error {
	reason := fmt.Sprintf("failed %d times: %s", task.Metadata.FailureCount, task.Metadata.LastFailureReason)
	if task.Status == models.TaskStatusNeedsImprovement {
		if _, err := o.store.Transition(ctx, state.TransitionRequest{
			TaskID: task.ID,
			From:   models.TaskStatusNeedsImprovement,
			To:     models.TaskStatusPending,
			Reason: "attempts exhausted",
		}); err != nil {
			return err
		}
	}
	if _, err := o.store.Transition(ctx, state.TransitionRequest{
		TaskID:        task.ID,
		To:            models.TaskStatusBlocked,
		Reason:        reason,
		ClearAssignee: true,
	}); err != nil {
		return err
	}
	o.telemetry.RecordTransition(ctx, string(models.TaskStatusBlocked))
	o.emit(OrchestratorEvent{Type: EventTaskBlocked, TaskID: task.ID, TaskTitle: task.Title, Message: reason})
	return nil
}

// applyVerdict applies critic policy to an in_progress task and reports
// the outcome.
func (o *Orchestrator) applyVerdict(ctx context.Context, task *models.Task, corr string) (critics.Verdict, error) {
	v, err := o.critics.Apply(ctx, task.ID, corr)
	if err != nil {
		return v, err
	}
	ev := OrchestratorEvent{TaskID: task.ID, TaskTitle: task.Title, CorrelationID: corr}
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
	return v, nil
}
