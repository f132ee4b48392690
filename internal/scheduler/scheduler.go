// Package scheduler projects the task store into prioritized, resource-bounded
// queues of admissible work.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ErrHeavyLimit is returned by Admit when every heavy slot is taken.
var ErrHeavyLimit = errors.New("heavy task limit reached")

// Queue names a logical queue partition. Queues are listed in priority order.
type Queue string

const (
	QueueReview Queue = "review"
	QueueFixup  Queue = "fixup"
	QueueReady  Queue = "ready"
)

// Queues lists every queue from highest to lowest priority.
var Queues = []Queue{QueueReview, QueueFixup, QueueReady}

// Config tunes admission and signals.
type Config struct {
	// HeavyTaskLimit caps concurrently dispatched heavy tasks.
	HeavyTaskLimit int
	// HeavyComplexity is the estimated complexity at which a task is heavy.
	HeavyComplexity int
	// StuckAfter is how long an in_progress task may go without an update.
	StuckAfter time.Duration
	// ResearchSensitivity is the confidence needed to trigger research mode.
	ResearchSensitivity float64
	// ResearchKeywords override the default investigative keywords.
	ResearchKeywords []string
	// SampleSize is how many queue heads GetQueueMetrics reports.
	SampleSize int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		HeavyTaskLimit:      2,
		HeavyComplexity:     8,
		StuckAfter:          30 * time.Minute,
		ResearchSensitivity: 0.6,
		ResearchKeywords:    DefaultResearchKeywords(),
		SampleSize:          3,
	}
}

// Store is the read surface the scheduler needs.
type Store interface {
	GetTasks(ctx context.Context, f state.TaskFilter) ([]*models.Task, error)
	ListContextEntries(ctx context.Context, f state.ContextFilter) ([]*models.ContextEntry, error)
}

// ResourceState reports heavy-task admission state.
type ResourceState struct {
	HeavyTaskLimit   int `json:"heavy_task_limit"`
	ActiveHeavyTasks int `json:"active_heavy_tasks"`
	QueuedHeavyTasks int `json:"queued_heavy_tasks"`
}

// Snapshot is a derived, read-only view of the backlog. It is never a
// source of truth and is recomputed when the store changes.
type Snapshot struct {
	TakenAt time.Time
	Review  []*models.Task
	Fixup   []*models.Task
	Ready   []*models.Task
	// Completable holds decomposed epics whose children are all done.
	Completable []*models.Task
	// InProgress holds tasks currently dispatched.
	InProgress []*models.Task
	// Waiting counts pending tasks with unmet dependencies.
	Waiting int
	// Remaining counts tasks that are not done.
	Remaining int
	// Blocked counts blocked tasks.
	Blocked int
	// QueuedHeavy counts heavy tasks across all queues.
	QueuedHeavy int
}

// Queue returns the tasks in q.
func (s *Snapshot) Queue(q Queue) []*models.Task {
	switch q {
	case QueueReview:
		return s.Review
	case QueueFixup:
		return s.Fixup
	case QueueReady:
		return s.Ready
	default:
		return nil
	}
}

// Runnable counts tasks in all queues.
func (s *Snapshot) Runnable() int {
	return len(s.Review) + len(s.Fixup) + len(s.Ready)
}

// Scheduler derives admissible work from the store and enforces the heavy
// task limit. Its only mutable shared state is the heavy-slot counter.
type Scheduler struct {
	store Store
	cfg   Config
	now   func() time.Time

	mu          sync.Mutex
	cached      *Snapshot
	dirty       bool
	activeHeavy int
	recomputes  int

	changed  chan struct{}
	debugLog func(format string, args ...any)
}

// New creates a Scheduler. Zero config fields take their defaults.
func New(store Store, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.HeavyTaskLimit <= 0 {
		cfg.HeavyTaskLimit = def.HeavyTaskLimit
	}
	if cfg.HeavyComplexity <= 0 {
		cfg.HeavyComplexity = def.HeavyComplexity
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.ResearchSensitivity <= 0 {
		cfg.ResearchSensitivity = def.ResearchSensitivity
	}
	if len(cfg.ResearchKeywords) == 0 {
		cfg.ResearchKeywords = def.ResearchKeywords
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		dirty:    true,
		changed:  make(chan struct{}, 1),
		debugLog: func(string, ...any) {},
	}
}

// SetClock overrides the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetDebugLog routes scheduling decisions to a debug log.
func (s *Scheduler) SetDebugLog(fn func(format string, args ...any)) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Attach invalidates the cached snapshot whenever n reports a change. The
// returned function detaches.
func (s *Scheduler) Attach(n *state.Notifier) (detach func()) {
	return n.OnChange(func(state.Change) {
		s.Invalidate()
	})
}

// Invalidate marks the cached snapshot stale and wakes Changed listeners.
func (s *Scheduler) Invalidate() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed fires after the snapshot has been invalidated.
func (s *Scheduler) Changed() <-chan struct{} {
	return s.changed
}

// Recomputes returns how many times the snapshot has been rebuilt.
func (s *Scheduler) Recomputes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputes
}

// IsHeavy reports whether a task counts against the heavy task limit.
func (s *Scheduler) IsHeavy(t *models.Task) bool {
	return t.EstimatedComplexity >= s.cfg.HeavyComplexity
}

// Snapshot returns the current projection, rebuilding it only if the store
// changed since the last call.
func (s *Scheduler) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	if !s.dirty && s.cached != nil {
		snap := s.cached
		s.mu.Unlock()
		return snap, nil
	}
	s.dirty = false
	s.mu.Unlock()

	tasks, err := s.store.GetTasks(ctx, state.TaskFilter{})
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return nil, err
	}
	snap := s.project(tasks)

	s.mu.Lock()
	s.cached = snap
	s.recomputes++
	s.mu.Unlock()
	return snap, nil
}

// project classifies tasks into queues. It has no side effects.
func (s *Scheduler) project(tasks []*models.Task) *Snapshot {
	snap := &Snapshot{TakenAt: s.now()}
	byID := make(map[string]*models.Task, len(tasks))
	children := make(map[string][]*models.Task)
	for _, t := range tasks {
		byID[t.ID] = t
		if p := t.ParentID(); p != "" {
			children[p] = append(children[p], t)
		}
	}

	depsCleared := func(t *models.Task) bool {
		for _, dep := range t.Metadata.DependsOn {
			d, ok := byID[dep]
			if !ok || d.Status != models.TaskStatusDone {
				return false
			}
		}
		return true
	}

	for _, t := range tasks {
		if t.Status != models.TaskStatusDone {
			snap.Remaining++
		}
		switch t.Status {
		case models.TaskStatusInProgress:
			snap.InProgress = append(snap.InProgress, t)
			if t.Type == models.TaskTypeEpic && t.Metadata.Decomposed && allDone(children[t.ID]) {
				snap.Completable = append(snap.Completable, t)
			}
			continue
		case models.TaskStatusBlocked:
			snap.Blocked++
			continue
		case models.TaskStatusDone:
			continue
		}

		if t.Type == models.TaskTypeEpic && t.Metadata.Decomposed {
			if t.Status == models.TaskStatusPending && allDone(children[t.ID]) {
				snap.Completable = append(snap.Completable, t)
			}
			continue
		}

		if !depsCleared(t) {
			snap.Waiting++
			continue
		}

		var q Queue
		switch {
		case t.Status == models.TaskStatusPending && t.Metadata.RequiresReview:
			q = QueueReview
		case t.Status == models.TaskStatusNeedsImprovement || t.Metadata.RequiresFollowUp:
			q = QueueFixup
		default:
			q = QueueReady
		}
		if s.IsHeavy(t) {
			snap.QueuedHeavy++
		}
		switch q {
		case QueueReview:
			snap.Review = append(snap.Review, t)
		case QueueFixup:
			snap.Fixup = append(snap.Fixup, t)
		default:
			snap.Ready = append(snap.Ready, t)
		}
	}

	for _, q := range [][]*models.Task{snap.Review, snap.Fixup, snap.Ready} {
		sortQueue(q)
	}
	return snap
}

func allDone(tasks []*models.Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != models.TaskStatusDone {
			return false
		}
	}
	return true
}

// sortQueue orders by complexity descending, then creation time, then id.
func sortQueue(q []*models.Task) {
	sort.SliceStable(q, func(i, j int) bool {
		a, b := q[i], q[j]
		if a.EstimatedComplexity != b.EstimatedComplexity {
			return a.EstimatedComplexity > b.EstimatedComplexity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Next returns the highest-priority admissible task in snap that is not in
// exclude. Heavy tasks are skipped while every heavy slot is taken.
func (s *Scheduler) Next(snap *Snapshot, exclude map[string]bool) (*models.Task, Queue, bool) {
	s.mu.Lock()
	heavyFull := s.activeHeavy >= s.cfg.HeavyTaskLimit
	s.mu.Unlock()

	for _, q := range Queues {
		for _, t := range snap.Queue(q) {
			if exclude[t.ID] {
				continue
			}
			if heavyFull && s.IsHeavy(t) {
				s.debugLog("[scheduler] skipping heavy task %s (complexity %d): all %d heavy slots in use",
					t.ID, t.EstimatedComplexity, s.cfg.HeavyTaskLimit)
				continue
			}
			return t, q, true
		}
	}
	return nil, "", false
}

// Reservation is a heavy-slot hold returned by Admit. Release is idempotent
// and must be called on every path, including failures.
type Reservation struct {
	s     *Scheduler
	heavy bool
	once  sync.Once
}

// Heavy reports whether the reservation holds a heavy slot.
func (r *Reservation) Heavy() bool {
	return r != nil && r.heavy
}

// Release returns the slot. Calling it more than once has no effect.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if !r.heavy {
			return
		}
		r.s.mu.Lock()
		r.s.activeHeavy--
		r.s.mu.Unlock()
		r.s.Invalidate()
	})
}

// Admit reserves a heavy slot for t if it is heavy. Non-heavy tasks always
// get a no-op reservation.
func (s *Scheduler) Admit(t *models.Task) (*Reservation, error) {
	if !s.IsHeavy(t) {
		return &Reservation{s: s}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeHeavy >= s.cfg.HeavyTaskLimit {
		return nil, ErrHeavyLimit
	}
	s.activeHeavy++
	s.debugLog("[scheduler] admitted heavy task %s (%d/%d)", t.ID, s.activeHeavy, s.cfg.HeavyTaskLimit)
	return &Reservation{s: s, heavy: true}, nil
}

// Resources reports heavy-slot state against snap.
func (s *Scheduler) Resources(snap *Snapshot) ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := ResourceState{
		HeavyTaskLimit:   s.cfg.HeavyTaskLimit,
		ActiveHeavyTasks: s.activeHeavy,
	}
	if snap != nil {
		rs.QueuedHeavyTasks = snap.QueuedHeavy
	}
	return rs
}
