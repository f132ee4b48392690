// Package decompose expands epic tasks into bounded sets of subtasks.
package decompose

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// DeclineReason explains why a task was not decomposed. Declining is a
// policy outcome, not an error.
type DeclineReason string

const (
	DeclineNone              DeclineReason = ""
	DeclineAlreadyDecomposed DeclineReason = "already_decomposed"
	DeclineMaxDepth          DeclineReason = "max_depth"
	DeclineSessionBudget     DeclineReason = "session_budget"
	DeclineSubtaskBudget     DeclineReason = "subtask_budget"
)

// Config bounds decomposition.
type Config struct {
	// MaxDepth is the derived id depth at which tasks stop being decomposed.
	MaxDepth int
	// SessionBudget caps decompositions per Decomposer instance.
	SessionBudget int
	// MaxSubtasks caps the children produced for one task.
	MaxSubtasks int
	// SubtaskBudget caps the children created per Decomposer instance.
	SubtaskBudget int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxDepth:      3,
		SessionBudget: 50,
		MaxSubtasks:   19,
		SubtaskBudget: 199,
	}
}

// SubtaskSpec is what a Strategy proposes for one child.
type SubtaskSpec struct {
	Title               string
	Description         string
	ExitCriteria        []string
	EstimatedComplexity int
	// DependsOn holds zero-based indexes of sibling specs.
	DependsOn      []int
	RequiresReview bool
}

// Strategy synthesizes subtask specs for a task.
type Strategy interface {
	Subtasks(ctx context.Context, task *models.Task) ([]SubtaskSpec, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, task *models.Task) ([]SubtaskSpec, error)

// Subtasks calls f.
func (f StrategyFunc) Subtasks(ctx context.Context, task *models.Task) ([]SubtaskSpec, error) {
	return f(ctx, task)
}

// Result is the outcome of Decompose.
type Result struct {
	// ShouldDecompose is true only for the caller that won the decomposition.
	ShouldDecompose bool
	// Subtasks are the children created, in id order.
	Subtasks []*models.Task
	// Declined is set when ShouldDecompose is false.
	Declined DeclineReason
}

// Decomposer expands tasks into subtasks. The session budget is owned by
// the instance; create one Decomposer per session.
type Decomposer struct {
	store    state.DecompositionStore
	strategy Strategy
	cfg      Config

	mu       sync.Mutex
	used     int
	reserved int
	// Children committed and held by in-flight registrations.
	childrenUsed     int
	childrenReserved int
}

// New creates a Decomposer. Zero config fields take their defaults.
func New(store state.DecompositionStore, strategy Strategy, cfg Config) *Decomposer {
	def := DefaultConfig()
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.SessionBudget <= 0 {
		cfg.SessionBudget = def.SessionBudget
	}
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = def.MaxSubtasks
	}
	if cfg.SubtaskBudget <= 0 {
		cfg.SubtaskBudget = def.SubtaskBudget
	}
	if strategy == nil {
		strategy = NewHeuristicStrategy()
	}
	return &Decomposer{store: store, strategy: strategy, cfg: cfg}
}

// ShouldDecompose reports whether task is eligible, without reserving budget.
func (d *Decomposer) ShouldDecompose(task *models.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(task) == DeclineNone
}

func (d *Decomposer) checkLocked(task *models.Task) DeclineReason {
	switch {
	case task.Metadata.Decomposed:
		return DeclineAlreadyDecomposed
	case task.Depth() >= d.cfg.MaxDepth:
		return DeclineMaxDepth
	case d.used+d.reserved >= d.cfg.SessionBudget:
		return DeclineSessionBudget
	case d.childrenUsed+d.childrenReserved >= d.cfg.SubtaskBudget:
		return DeclineSubtaskBudget
	default:
		return DeclineNone
	}
}

// Used returns the number of decompositions committed by this instance.
func (d *Decomposer) Used() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// SubtasksCreated returns the number of children committed by this instance.
func (d *Decomposer) SubtasksCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.childrenUsed
}

// Remaining returns the unreserved session budget.
func (d *Decomposer) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.SessionBudget - d.used - d.reserved
}

// Decompose computes subtasks for task and registers them. Of any number of
// concurrent callers on the same task, at most one gets ShouldDecompose=true:
// the parent is marked decomposed in the same commit that creates the
// children. Budget is reserved before the strategy runs and returned if this
// caller loses the claim or fails.
func (d *Decomposer) Decompose(ctx context.Context, task *models.Task) (*Result, error) {
	if reason := d.reserve(task); reason != DeclineNone {
		return &Result{Declined: reason}, nil
	}

	specs, err := d.strategy.Subtasks(ctx, task)
	if err != nil {
		d.settle(false, 0)
		return nil, fmt.Errorf("synthesize subtasks for %s: %w", task.ID, err)
	}
	return d.register(ctx, task, specs)
}

// RegisterSubtasks creates children for parent from externally computed
// specs, under the same budget and single-winner rules as Decompose.
func (d *Decomposer) RegisterSubtasks(ctx context.Context, parent *models.Task, specs []SubtaskSpec) (*Result, error) {
	if reason := d.reserve(parent); reason != DeclineNone {
		return &Result{Declined: reason}, nil
	}
	return d.register(ctx, parent, specs)
}

func (d *Decomposer) reserve(task *models.Task) DeclineReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason := d.checkLocked(task); reason != DeclineNone {
		return reason
	}
	d.reserved++
	return DeclineNone
}

// settle releases a reservation of one decomposition and children
// subtasks, committing them when won.
func (d *Decomposer) settle(won bool, children int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved--
	d.childrenReserved -= children
	if won {
		d.used++
		d.childrenUsed += children
	}
}

// reserveChildren holds up to want children of the session subtask budget
// and returns how many were granted.
func (d *Decomposer) reserveChildren(want int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	free := d.cfg.SubtaskBudget - d.childrenUsed - d.childrenReserved
	if want > free {
		want = free
	}
	if want < 0 {
		want = 0
	}
	d.childrenReserved += want
	return want
}

func (d *Decomposer) register(ctx context.Context, parent *models.Task, specs []SubtaskSpec) (*Result, error) {
	if len(specs) > d.cfg.MaxSubtasks {
		log.Printf("[decompose] %s: truncating %d subtasks to %d", parent.ID, len(specs), d.cfg.MaxSubtasks)
		specs = specs[:d.cfg.MaxSubtasks]
	}
	granted := d.reserveChildren(len(specs))
	if granted == 0 && len(specs) > 0 {
		d.settle(false, 0)
		return &Result{Declined: DeclineSubtaskBudget}, nil
	}
	if granted < len(specs) {
		log.Printf("[decompose] %s: subtask budget allows %d of %d subtasks", parent.ID, granted, len(specs))
		specs = specs[:granted]
	}

	children, err := d.buildChildren(parent, specs)
	if err != nil {
		d.settle(false, granted)
		return nil, err
	}

	corr := parent.CorrelationID
	if corr == "" {
		corr = state.TaskCorrelationID(parent.ID)
	}
	won, err := d.store.DecomposeTask(ctx, parent.ID, children, corr+".decompose")
	d.settle(err == nil && won, granted)
	if err != nil {
		return nil, fmt.Errorf("register subtasks of %s: %w", parent.ID, err)
	}
	if !won {
		return &Result{Declined: DeclineAlreadyDecomposed}, nil
	}
	log.Printf("[decompose] %s -> %d subtasks (%d/%d budget used)", parent.ID, len(children), d.Used(), d.cfg.SessionBudget)
	return &Result{ShouldDecompose: true, Subtasks: children}, nil
}

// buildChildren turns specs into tasks with ids extending the parent id.
func (d *Decomposer) buildChildren(parent *models.Task, specs []SubtaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("decompose %s: strategy produced no subtasks", parent.ID)
	}
	if err := ValidateNoCycles(specs); err != nil {
		return nil, fmt.Errorf("decompose %s: %w", parent.ID, err)
	}

	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = models.ChildID(parent.ID, i+1)
	}

	children := make([]*models.Task, len(specs))
	for i, s := range specs {
		title := s.Title
		if title == "" {
			title = fmt.Sprintf("%s (part %d)", parent.Title, i+1)
		}
		deps := append([]string(nil), parent.Metadata.DependsOn...)
		for _, j := range s.DependsOn {
			if j < 0 || j >= len(specs) || j == i {
				continue
			}
			deps = append(deps, ids[j])
		}
		complexity := s.EstimatedComplexity
		if complexity <= 0 {
			complexity = splitComplexity(parent.EstimatedComplexity, len(specs))
		}
		children[i] = &models.Task{
			ID:                  ids[i],
			Title:               title,
			Description:         s.Description,
			Type:                models.TaskTypeTask,
			Status:              models.TaskStatusPending,
			EstimatedComplexity: complexity,
			Metadata: models.TaskMetadata{
				ParentTaskID:   parent.ID,
				ExitCriteria:   append([]string(nil), s.ExitCriteria...),
				DependsOn:      deps,
				RequiresReview: s.RequiresReview,
			},
		}
	}
	return children, nil
}

// splitComplexity divides a parent estimate across n children, rounding up.
func splitComplexity(parent, n int) int {
	if parent <= 0 || n <= 0 {
		return 1
	}
	c := (parent + n - 1) / n
	if c < 1 {
		c = 1
	}
	return c
}

// ValidateNoCycles checks that sibling dependencies form a DAG.
func ValidateNoCycles(specs []SubtaskSpec) error {
	marks := make([]int, len(specs)) // 0=unvisited, 1=visiting, 2=visited

	var visit func(i int, path []int) error
	visit = func(i int, path []int) error {
		if marks[i] == 2 {
			return nil
		}
		if marks[i] == 1 {
			return fmt.Errorf("circular dependency detected: %v", append(path, i))
		}
		marks[i] = 1
		for _, dep := range specs[i].DependsOn {
			if dep < 0 || dep >= len(specs) || dep == i {
				continue
			}
			if err := visit(dep, append(path, i)); err != nil {
				return err
			}
		}
		marks[i] = 2
		return nil
	}

	for i := range specs {
		if marks[i] == 0 {
			if err := visit(i, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
