// Package roadmap imports a YAML backlog of epics and tasks into the task
// store.
//
// A roadmap file looks like:
//
//	name: q3-platform
//	epics:
//	  - id: E1
//	    title: Billing service
//	    complexity: 8
//	    exit_criteria:
//	      - invoices are generated nightly
//	    tasks:
//	      - title: Invoice schema
//	      - title: Nightly job
//	        depends_on: [E1.1]
//	tasks:
//	  - id: T1
//	    title: Rotate staging credentials
//
// An epic that lists its tasks is imported already decomposed; an epic
// without tasks is left for the decomposer.
package roadmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Roadmap is the decoded import file.
type Roadmap struct {
	Name  string `yaml:"name"`
	Epics []Item `yaml:"epics"`
	Tasks []Item `yaml:"tasks"`
}

// Item is one epic or task. Children of an epic may omit their ID and get
// the next free "<parent>.N".
type Item struct {
	ID             string         `yaml:"id"`
	Title          string         `yaml:"title"`
	Description    string         `yaml:"description"`
	Complexity     int            `yaml:"complexity"`
	ExitCriteria   []string       `yaml:"exit_criteria"`
	DependsOn      []string       `yaml:"depends_on"`
	RequiresReview bool           `yaml:"requires_review"`
	Epic           bool           `yaml:"epic"`
	Metadata       map[string]any `yaml:"metadata"`
	Tasks          []Item         `yaml:"tasks"`
}

// Store is the subset of the state database the importer writes to.
type Store interface {
	CreateTask(ctx context.Context, t *models.Task, correlationID string) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	DecomposeTask(ctx context.Context, parentID string, children []*models.Task, correlationID string) (bool, error)
}

// Options controls an import.
type Options struct {
	// SkipExisting leaves tasks whose ID is already taken untouched
	// instead of failing the import.
	SkipExisting bool
	// CorrelationID threads every entry written by the import. Defaults to
	// "roadmap:<name>.<random>".
	CorrelationID string
}

// Result summarizes an import.
type Result struct {
	CorrelationID string
	Created       []string
	Skipped       []string
}

// Load reads and parses a roadmap file.
func Load(path string) (*Roadmap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roadmap: %w", err)
	}
	return Parse(data)
}

// Parse decodes a roadmap, assigns missing child IDs and validates it.
func Parse(data []byte) (*Roadmap, error) {
	var rm Roadmap
	if err := yaml.Unmarshal(data, &rm); err != nil {
		return nil, fmt.Errorf("parse roadmap: %w", err)
	}
	if len(rm.Epics) == 0 && len(rm.Tasks) == 0 {
		return nil, errors.New("parse roadmap: no epics or tasks")
	}
	for i := range rm.Epics {
		rm.Epics[i].Epic = true
		assignIDs(&rm.Epics[i])
	}
	for i := range rm.Tasks {
		assignIDs(&rm.Tasks[i])
	}
	if err := rm.Validate(); err != nil {
		return nil, err
	}
	return &rm, nil
}

// assignIDs gives children without an explicit ID the lowest free
// "<parent>.N".
func assignIDs(it *Item) {
	if len(it.Tasks) > 0 {
		it.Epic = true
	}
	used := make(map[string]bool, len(it.Tasks))
	for _, c := range it.Tasks {
		used[c.ID] = true
	}
	next := 1
	for i := range it.Tasks {
		c := &it.Tasks[i]
		if c.ID == "" && it.ID != "" {
			for used[models.ChildID(it.ID, next)] {
				next++
			}
			c.ID = models.ChildID(it.ID, next)
			used[c.ID] = true
		}
		assignIDs(c)
	}
}

// Validate checks IDs, titles and nesting. Dependencies on IDs outside the
// roadmap are resolved against the store at import time.
func (rm *Roadmap) Validate() error {
	seen := make(map[string]bool)
	var check func(it *Item, parent string) error
	check = func(it *Item, parent string) error {
		if it.ID == "" {
			return fmt.Errorf("roadmap item %q: id is required", it.Title)
		}
		if strings.HasPrefix(it.ID, ".") || strings.HasSuffix(it.ID, ".") || strings.Contains(it.ID, "..") {
			return fmt.Errorf("roadmap item %s: malformed id", it.ID)
		}
		if strings.TrimSpace(it.Title) == "" {
			return fmt.Errorf("roadmap item %s: title is required", it.ID)
		}
		if parent != "" && models.ParentIDOf(it.ID) != parent {
			return fmt.Errorf("roadmap item %s: id must extend its epic %s", it.ID, parent)
		}
		if seen[it.ID] {
			return fmt.Errorf("roadmap item %s: duplicate id", it.ID)
		}
		seen[it.ID] = true
		for i := range it.Tasks {
			if err := check(&it.Tasks[i], it.ID); err != nil {
				return err
			}
		}
		return nil
	}
	for i := range rm.Epics {
		if err := check(&rm.Epics[i], ""); err != nil {
			return err
		}
	}
	for i := range rm.Tasks {
		if err := check(&rm.Tasks[i], ""); err != nil {
			return err
		}
	}
	return nil
}

// IDs returns every task ID in the roadmap, parents before children.
func (rm *Roadmap) IDs() []string {
	var ids []string
	var walk func(items []Item)
	walk = func(items []Item) {
		for i := range items {
			ids = append(ids, items[i].ID)
			walk(items[i].Tasks)
		}
	}
	walk(rm.Epics)
	walk(rm.Tasks)
	return ids
}

// Import writes the roadmap to the store. Each epic with listed tasks is
// created first and then decomposed into its children in one store
// transaction, so the children never appear under an undecomposed parent.
func Import(ctx context.Context, store Store, rm *Roadmap, opts Options) (*Result, error) {
	corr := opts.CorrelationID
	if corr == "" {
		name := rm.Name
		if name == "" {
			name = "import"
		}
		corr = "roadmap:" + name + "." + uuid.New().String()[:8]
	}
	if err := checkDependencies(ctx, store, rm); err != nil {
		return nil, err
	}

	res := &Result{CorrelationID: corr}
	var importItem func(it *Item) error
	importItem = func(it *Item) error {
		created, err := createOrSkip(ctx, store, toTask(it, ""), corr, opts.SkipExisting)
		if err != nil {
			return err
		}
		if !created {
			res.Skipped = append(res.Skipped, it.ID)
			return nil
		}
		res.Created = append(res.Created, it.ID)
		return importChildren(ctx, store, it, corr, res)
	}

	for i := range rm.Epics {
		if err := importItem(&rm.Epics[i]); err != nil {
			return res, err
		}
	}
	for i := range rm.Tasks {
		if err := importItem(&rm.Tasks[i]); err != nil {
			return res, err
		}
	}
	return res, nil
}

// importChildren decomposes an epic into its listed tasks, recursing into
// child epics.
func importChildren(ctx context.Context, store Store, it *Item, corr string, res *Result) error {
	if len(it.Tasks) == 0 {
		return nil
	}
	children := make([]*models.Task, 0, len(it.Tasks))
	for i := range it.Tasks {
		children = append(children, toTask(&it.Tasks[i], it.ID))
	}
	won, err := store.DecomposeTask(ctx, it.ID, children, corr)
	if err != nil {
		return fmt.Errorf("import %s: %w", it.ID, err)
	}
	if !won {
		return fmt.Errorf("import %s: epic was decomposed concurrently", it.ID)
	}
	for i := range it.Tasks {
		res.Created = append(res.Created, it.Tasks[i].ID)
		if err := importChildren(ctx, store, &it.Tasks[i], corr, res); err != nil {
			return err
		}
	}
	return nil
}

func createOrSkip(ctx context.Context, store Store, t *models.Task, corr string, skip bool) (bool, error) {
	_, err := store.CreateTask(ctx, t, corr)
	switch {
	case err == nil:
		return true, nil
	case skip && errors.Is(err, models.ErrAlreadyExists):
		return false, nil
	default:
		return false, fmt.Errorf("import %s: %w", t.ID, err)
	}
}

// checkDependencies requires every depends_on ID to be in the roadmap or
// already in the store.
func checkDependencies(ctx context.Context, store Store, rm *Roadmap) error {
	known := make(map[string]bool)
	for _, id := range rm.IDs() {
		known[id] = true
	}
	var check func(items []Item) error
	check = func(items []Item) error {
		for i := range items {
			for _, dep := range items[i].DependsOn {
				if dep == items[i].ID {
					return fmt.Errorf("roadmap item %s: depends on itself", dep)
				}
				if known[dep] {
					continue
				}
				if _, err := store.GetTask(ctx, dep); err != nil {
					if errors.Is(err, models.ErrNotFound) {
						return fmt.Errorf("roadmap item %s: unknown dependency %s", items[i].ID, dep)
					}
					return err
				}
				known[dep] = true
			}
			if err := check(items[i].Tasks); err != nil {
				return err
			}
		}
		return nil
	}
	if err := check(rm.Epics); err != nil {
		return err
	}
	if err := check(rm.Tasks); err != nil {
		return err
	}

	// A cycle among roadmap items would leave every task on it waiting.
	var tasks []*models.Task
	var collect func(items []Item, parent string)
	collect = func(items []Item, parent string) {
		for i := range items {
			tasks = append(tasks, toTask(&items[i], parent))
			collect(items[i].Tasks, items[i].ID)
		}
	}
	collect(rm.Epics, "")
	collect(rm.Tasks, "")
	if err := graph.New().Build(tasks); err != nil {
		return fmt.Errorf("roadmap %s: %w", rm.Name, err)
	}
	return nil
}

func toTask(it *Item, parent string) *models.Task {
	t := &models.Task{
		ID:                  it.ID,
		Title:               it.Title,
		Description:         it.Description,
		Type:                models.TaskTypeTask,
		Status:              models.TaskStatusPending,
		EstimatedComplexity: it.Complexity,
	}
	if it.Epic {
		t.Type = models.TaskTypeEpic
	}
	t.Metadata.ParentTaskID = parent
	t.Metadata.ExitCriteria = it.ExitCriteria
	t.Metadata.DependsOn = it.DependsOn
	t.Metadata.RequiresReview = it.RequiresReview
	if len(it.Metadata) > 0 {
		t.Metadata.Extra = make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			t.Metadata.Extra[k] = v
		}
	}
	return t
}
