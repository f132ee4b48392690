package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

func createTask(t *testing.T, db *DB, task *models.Task) *models.Task {
	t.Helper()
	created, err := db.CreateTask(context.Background(), task, "")
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", task.ID, err)
	}
	return created
}

func TestCreateTask_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createdAt := time.Date(2026, 2, 1, 10, 0, 0, 123000, time.UTC)

	in := &models.Task{
		ID:                  "E1",
		Title:               "Build the importer",
		Description:         "- parse\n- validate",
		Type:                models.TaskTypeEpic,
		Status:              models.TaskStatusPending,
		CreatedAt:           createdAt,
		EstimatedComplexity: 8,
		Metadata: models.TaskMetadata{
			ExitCriteria: []string{"parses", "validates"},
			Extra:        map[string]any{"owner": "data"},
		},
	}
	if _, err := db.CreateTask(ctx, in, "roadmap:1"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := db.GetTask(ctx, "E1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != in.Title || got.Description != in.Description || got.Type != in.Type ||
		got.Status != in.Status || got.EstimatedComplexity != in.EstimatedComplexity {
		t.Errorf("scalar fields changed: got %+v", got)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, createdAt)
	}
	if len(got.Metadata.ExitCriteria) != 2 || got.Metadata.Extra["owner"] != "data" {
		t.Errorf("metadata changed: %+v", got.Metadata)
	}
	if got.CorrelationID != "roadmap:1" {
		t.Errorf("CorrelationID = %q, want roadmap:1", got.CorrelationID)
	}

	entries, err := db.ListContextEntries(ctx, ContextFilter{TaskID: "E1"})
	if err != nil {
		t.Fatalf("ListContextEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].EventType != models.EventTaskCreated {
		t.Errorf("entries = %+v, want one task_created", entries)
	}
}

func TestCreateTask_AlreadyExists(t *testing.T) {
	db := setupTestDB(t)
	createTask(t, db, &models.Task{ID: "T1", Title: "first"})

	_, err := db.CreateTask(context.Background(), &models.Task{ID: "T1", Title: "second"}, "")
	if !errors.Is(err, models.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	got, _ := db.GetTask(context.Background(), "T1")
	if got.Title != "first" {
		t.Errorf("Title = %q, existing task was overwritten", got.Title)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	db := setupTestDB(t)
	tests := []struct {
		name string
		task *models.Task
	}{
		{"missing id", &models.Task{Title: "x"}},
		{"missing title", &models.Task{ID: "A"}},
		{"bad type", &models.Task{ID: "A", Title: "x", Type: "story"}},
		{"bad status", &models.Task{ID: "A", Title: "x", Status: "failed"}},
		{"empty segment", &models.Task{ID: "A..1", Title: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := db.CreateTask(context.Background(), tt.task, ""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetTask(context.Background(), "nope")
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetTasks_Filter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "E1", Title: "epic", Type: models.TaskTypeEpic})
	createTask(t, db, &models.Task{ID: "E1.1", Title: "a", Metadata: models.TaskMetadata{ParentTaskID: "E1"}})
	createTask(t, db, &models.Task{ID: "E1.2", Title: "b", Status: models.TaskStatusBlocked, Metadata: models.TaskMetadata{ParentTaskID: "E1"}})
	createTask(t, db, &models.Task{ID: "E2", Title: "other"})

	tests := []struct {
		name   string
		filter TaskFilter
		want   int
	}{
		{"all", TaskFilter{}, 4},
		{"epics", TaskFilter{Type: models.TaskTypeEpic}, 1},
		{"children", TaskFilter{ParentID: "E1"}, 2},
		{"prefix", TaskFilter{IDPrefix: "E1."}, 2},
		{"blocked", TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusBlocked}}, 1},
		{"limit", TaskFilter{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.GetTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetTasks: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestTransition_Legal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "T1", Title: "t"})

	steps := []models.TaskStatus{
		models.TaskStatusInProgress,
		models.TaskStatusNeedsImprovement,
		models.TaskStatusPending,
		models.TaskStatusInProgress,
		models.TaskStatusDone,
	}
	for _, to := range steps {
		if _, err := db.Transition(ctx, TransitionRequest{TaskID: "T1", To: to}); err != nil {
			t.Fatalf("Transition to %s: %v", to, err)
		}
	}

	entries, err := db.ListContextEntries(ctx, ContextFilter{
		TaskID:     "T1",
		EventTypes: []models.EventType{models.EventStatusChanged},
	})
	if err != nil {
		t.Fatalf("ListContextEntries: %v", err)
	}
	if len(entries) != len(steps) {
		t.Fatalf("got %d status entries, want %d", len(entries), len(steps))
	}
	for i, e := range entries {
		if e.String("to") != string(steps[i]) {
			t.Errorf("entry %d to = %q, want %q", i, e.String("to"), steps[i])
		}
	}
}

func TestTransition_Illegal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "T1", Title: "t", Status: models.TaskStatusDone})

	_, err := db.Transition(ctx, TransitionRequest{TaskID: "T1", To: models.TaskStatusInProgress})
	var te *models.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if te.From != models.TaskStatusDone || te.To != models.TaskStatusInProgress {
		t.Errorf("TransitionError = %+v", te)
	}
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Error("error should match ErrInvalidTransition")
	}

	_, err = db.Transition(ctx, TransitionRequest{TaskID: "missing", To: models.TaskStatusPending})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransition_FromGuard(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "T1", Title: "t"})

	claim := TransitionRequest{TaskID: "T1", From: models.TaskStatusPending, To: models.TaskStatusInProgress}
	if _, err := db.Transition(ctx, claim); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Without the guard in_progress -> in_progress is a metadata update.
	if _, err := db.Transition(ctx, claim); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("second claim err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransition_MutateSeesCurrentMetadata(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "T1", Title: "t"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpdateMetadata(ctx, "T1", "", "bump", func(m *models.TaskMetadata) {
				m.FailureCount++
			})
			if err != nil {
				t.Errorf("UpdateMetadata: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := db.GetTask(ctx, "T1")
	if got.Metadata.FailureCount != 10 {
		t.Errorf("FailureCount = %d, want 10 (lost update)", got.Metadata.FailureCount)
	}
}

func TestAssignTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "T1", Title: "t"})

	if err := db.AssignTask(ctx, "T1", "agent-1", ""); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	got, _ := db.GetTask(ctx, "T1")
	if got.AssignedTo != "agent-1" {
		t.Errorf("AssignedTo = %q, want agent-1", got.AssignedTo)
	}
	if err := db.AssignTask(ctx, "missing", "agent-1", ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDecomposeTask_SingleWinner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "E1", Title: "epic", Type: models.TaskTypeEpic})

	const callers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			children := []*models.Task{
				{ID: "E1.1", Title: fmt.Sprintf("caller %d a", i), Metadata: models.TaskMetadata{ParentTaskID: "E1"}},
				{ID: "E1.2", Title: fmt.Sprintf("caller %d b", i), Metadata: models.TaskMetadata{ParentTaskID: "E1"}},
			}
			won, err := db.DecomposeTask(ctx, "E1", children, "")
			if err != nil {
				t.Errorf("DecomposeTask: %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
	parent, _ := db.GetTask(ctx, "E1")
	if !parent.Metadata.Decomposed {
		t.Error("parent not marked decomposed")
	}
	children, _ := db.GetTasks(ctx, TaskFilter{ParentID: "E1"})
	if len(children) != 2 {
		t.Errorf("children = %d, want 2", len(children))
	}
}

func TestDecomposeTask_ChildCollisionRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "E1", Title: "epic", Type: models.TaskTypeEpic})
	createTask(t, db, &models.Task{ID: "E1.1", Title: "squatter"})

	_, err := db.DecomposeTask(ctx, "E1", []*models.Task{{ID: "E1.1", Title: "child"}}, "")
	if !errors.Is(err, models.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	parent, _ := db.GetTask(ctx, "E1")
	if parent.Metadata.Decomposed {
		t.Error("failed decomposition left parent marked decomposed")
	}
}

func TestMarkDecomposed(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	createTask(t, db, &models.Task{ID: "E1", Title: "epic", Type: models.TaskTypeEpic})

	won, err := db.MarkDecomposed(ctx, "E1")
	if err != nil || !won {
		t.Fatalf("first MarkDecomposed = %v, %v; want true, nil", won, err)
	}
	won, err = db.MarkDecomposed(ctx, "E1")
	if err != nil || won {
		t.Fatalf("second MarkDecomposed = %v, %v; want false, nil", won, err)
	}
	if _, err := db.MarkDecomposed(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestNotifier_ReceivesCommittedChanges(t *testing.T) {
	db := setupTestDB(t)
	ch, unsubscribe := db.Notifier().Subscribe(16)
	defer unsubscribe()

	createTask(t, db, &models.Task{ID: "T1", Title: "t"})

	timeout := time.After(time.Second)
	for {
		select {
		case c := <-ch:
			if c.Kind == ChangeTaskCreated && c.TaskID == "T1" {
				return
			}
		case <-timeout:
			t.Fatal("no task_created change received")
		}
	}
}
