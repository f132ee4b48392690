package critics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

func setupTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func inProgressTask(t *testing.T, db *state.DB, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.CreateTask(ctx, &models.Task{ID: id, Title: id}, ""); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := db.Transition(ctx, state.TransitionRequest{TaskID: id, To: models.TaskStatusInProgress}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
}

func TestRules_FirstMatchWins(t *testing.T) {
	rules, err := CompileRules([]Rule{
		{Pattern: "T12.*", RequiredCritics: []string{"modeling_reality_v2", "data_quality"}},
		{Pattern: "T1?", RequiredCritics: []string{"lint"}},
		{Pattern: "*", RequiredCritics: []string{"smoke"}},
	})
	if err != nil {
		t.Fatalf("CompileRules: %v", err)
	}
	tests := []struct {
		id   string
		want []string
	}{
		{"T12.0.1", []string{"modeling_reality_v2", "data_quality"}},
		{"T12", []string{"lint"}},
		{"T13", []string{"lint"}},
		{"X", []string{"smoke"}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := rules.Required(tt.id)
			if len(got) != len(tt.want) || got[0] != tt.want[0] {
				t.Errorf("Required(%s) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}

	if _, err := CompileRules([]Rule{{Pattern: ""}}); err == nil {
		t.Error("empty pattern should be rejected")
	}
	if none, _ := CompileRules(nil); none.Required("T1") != nil {
		t.Error("no rules should require nothing")
	}
}

func TestDecide_NoRequiredCriticsIsDone(t *testing.T) {
	db := setupTestDB(t)
	inProgressTask(t, db, "T1")
	e, _ := NewEngine(db, []Rule{{Pattern: "E*", RequiredCritics: []string{"review"}}})

	v, err := e.Apply(context.Background(), "T1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v.Decision != DecisionDone {
		t.Errorf("decision = %s, want done", v.Decision)
	}
	task, _ := db.GetTask(context.Background(), "T1")
	if task.Status != models.TaskStatusDone {
		t.Errorf("status = %s, want done", task.Status)
	}
	hist, _ := db.CriticHistory(context.Background(), "", 0)
	if len(hist) != 0 {
		t.Errorf("history = %d entries, want none", len(hist))
	}
}

func TestDecide_PartialResultsStayInProgress(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	inProgressTask(t, db, "T12.0.1")

	e, _ := NewEngine(db, []Rule{{Pattern: "T12.*", RequiredCritics: []string{"modeling_reality_v2", "data_quality"}}})
	if _, err := e.RecordCriticResult(ctx, "T12.0.1", "modeling_reality_v2", true, ""); err != nil {
		t.Fatalf("RecordCriticResult: %v", err)
	}

	v, err := e.Apply(ctx, "T12.0.1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v.Decision != DecisionPending {
		t.Errorf("decision = %s, want pending", v.Decision)
	}
	task, _ := db.GetTask(ctx, "T12.0.1")
	if task.Status != models.TaskStatusInProgress {
		t.Errorf("status = %s, want in_progress", task.Status)
	}
	if !task.Metadata.AwaitingCritics || task.Metadata.CriticApproval == nil {
		t.Errorf("metadata = %+v, want awaiting critics with approval cache", task.Metadata)
	}
	if got := task.Metadata.CriticApproval.Awaiting; len(got) != 1 || got[0] != "data_quality" {
		t.Errorf("awaiting = %v, want [data_quality]", got)
	}
}

func TestDecide_FailThenRemediate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	inProgressTask(t, db, "T1")
	e, _ := NewEngine(db, []Rule{{Pattern: "*", RequiredCritics: []string{"A", "B"}}})
	defer e.Attach(db.Notifier())()

	e.RecordCriticResult(ctx, "T1", "A", true, "")
	s, _ := e.RecordCriticResult(ctx, "T1", "B", false, "missing tests")
	if s.AllApproved || !s.HasFailed("B") {
		t.Fatalf("status = %+v", s)
	}

	v, err := e.Apply(ctx, "T1", "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v.Decision != DecisionNeedsImprovement || len(v.Failed) != 1 || v.Failed[0] != "B" {
		t.Fatalf("verdict = %+v, want needs_improvement on B", v)
	}
	task, _ := db.GetTask(ctx, "T1")
	if task.Status != models.TaskStatusNeedsImprovement || task.Metadata.FailureCount != 1 {
		t.Fatalf("task = %s failures %d", task.Status, task.Metadata.FailureCount)
	}
	if task.Metadata.LastFailureReason != "critics failed: B: missing tests" {
		t.Errorf("LastFailureReason = %q", task.Metadata.LastFailureReason)
	}

	// Retry: back to in_progress, only B is re-evaluated.
	db.Transition(ctx, state.TransitionRequest{TaskID: "T1", To: models.TaskStatusPending})
	db.Transition(ctx, state.TransitionRequest{TaskID: "T1", To: models.TaskStatusInProgress})
	cleared, err := e.BeginRemediation(ctx, "T1")
	if err != nil || len(cleared) != 1 || cleared[0] != "B" {
		t.Fatalf("BeginRemediation = %v, %v", cleared, err)
	}
	s, _ = e.GetCriticApprovalStatus(ctx, "T1")
	if !s.HasPassed("A") || len(s.Awaiting) != 1 {
		t.Errorf("status after remediation = %+v, want A kept and B awaiting", s)
	}
	if v, _ := e.Decide(ctx, "T1"); v.Decision != DecisionPending {
		t.Errorf("decision before B re-runs = %s, want pending", v.Decision)
	}

	e.RecordCriticResult(ctx, "T1", "B", true, "")
	v, err = e.Apply(ctx, "T1", "")
	if err != nil || v.Decision != DecisionDone {
		t.Fatalf("Apply = %+v, %v; want done", v, err)
	}
	task, _ = db.GetTask(ctx, "T1")
	if task.Status != models.TaskStatusDone || !task.Metadata.CriticApproval.AllApproved {
		t.Errorf("task = %s approval %+v", task.Status, task.Metadata.CriticApproval)
	}

	hist, _ := db.CriticHistory(ctx, "B", 0)
	if len(hist) != 2 || !hist[0].Passed || hist[1].Passed {
		t.Errorf("B history = %+v, want pass then fail (most recent first)", hist)
	}
}

func TestClear_KeepsHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	inProgressTask(t, db, "T1")
	e, _ := NewEngine(db, []Rule{{Pattern: "*", RequiredCritics: []string{"A"}}})

	e.RecordCriticResult(ctx, "T1", "A", true, "")
	if err := e.Clear(ctx, "T1", "policy reset"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	s, _ := e.GetCriticApprovalStatus(ctx, "T1")
	if len(s.Passed) != 0 || s.AllApproved {
		t.Errorf("status after clear = %+v", s)
	}
	hist, _ := db.CriticHistory(ctx, "A", 0)
	if len(hist) != 1 {
		t.Errorf("history = %d, want 1", len(hist))
	}
	entries, _ := db.ListContextEntries(ctx, state.ContextFilter{
		TaskID:     "T1",
		EventTypes: []models.EventType{models.EventCriticsCleared},
	})
	if len(entries) != 1 || entries[0].String("reason") != "policy reset" {
		t.Errorf("critics_cleared entries = %+v", entries)
	}
}

func TestRecordCriticResult_UnknownTask(t *testing.T) {
	db := setupTestDB(t)
	e, _ := NewEngine(db, nil)
	if _, err := e.RecordCriticResult(context.Background(), "nope", "A", true, ""); err == nil {
		t.Error("expected error for unknown task")
	}
	if _, err := e.RecordCriticResult(context.Background(), "nope", " ", true, ""); err == nil {
		t.Error("expected error for empty critic")
	}
}

// racingStore lets a critic verdict land while a status read is in flight.
type racingStore struct {
	*state.DB
	during func()
}

func (s *racingStore) ListCriticResults(ctx context.Context, taskID string) ([]*models.CriticResult, error) {
	results, err := s.DB.ListCriticResults(ctx, taskID)
	if s.during != nil {
		during := s.during
		s.during = nil
		during()
	}
	return results, err
}

func TestGetCriticApprovalStatus_DoesNotCacheStaleRead(t *testing.T) {
	db := setupTestDB(t)
	inProgressTask(t, db, "T1")
	store := &racingStore{DB: db}
	e, err := NewEngine(store, []Rule{{Pattern: "*", RequiredCritics: []string{"lint"}}})
	if err != nil {
		t.Fatal(err)
	}
	detach := e.Attach(db.Notifier())
	defer detach()

	ctx := context.Background()
	// Another process records the verdict after the read has loaded results.
	store.during = func() {
		if err := db.RecordCriticResult(ctx, &models.CriticResult{TaskID: "T1", Critic: "lint", Passed: true}, ""); err != nil {
			t.Errorf("RecordCriticResult: %v", err)
		}
		db.Notifier().Publish(state.Change{Kind: state.ChangeExternalWrite})
	}

	stale, err := e.GetCriticApprovalStatus(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if stale.AllApproved {
		t.Fatal("first read should predate the verdict")
	}
	fresh, err := e.GetCriticApprovalStatus(ctx, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh.AllApproved {
		t.Errorf("status = %+v, want the recorded pass", fresh)
	}
}
