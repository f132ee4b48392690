package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

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

func mustCreate(t *testing.T, db *state.DB, task *models.Task) {
	t.Helper()
	if _, err := db.CreateTask(context.Background(), task, ""); err != nil {
		t.Fatalf("CreateTask(%s): %v", task.ID, err)
	}
}

func mustTransition(t *testing.T, db *state.DB, id string, to ...models.TaskStatus) {
	t.Helper()
	for _, s := range to {
		if _, err := db.Transition(context.Background(), state.TransitionRequest{TaskID: id, To: s}); err != nil {
			t.Fatalf("Transition(%s -> %s): %v", id, s, err)
		}
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestSnapshot_QueuePartitions(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mustCreate(t, db, &models.Task{ID: "R1", Title: "review me", CreatedAt: base, Metadata: models.TaskMetadata{RequiresReview: true}})
	mustCreate(t, db, &models.Task{ID: "F1", Title: "follow up", CreatedAt: base, Metadata: models.TaskMetadata{RequiresFollowUp: true}})
	mustCreate(t, db, &models.Task{ID: "F2", Title: "retry me", CreatedAt: base})
	mustTransition(t, db, "F2", models.TaskStatusInProgress, models.TaskStatusNeedsImprovement)
	mustCreate(t, db, &models.Task{ID: "A", Title: "small", CreatedAt: base, EstimatedComplexity: 2})
	mustCreate(t, db, &models.Task{ID: "B", Title: "big", CreatedAt: base.Add(time.Second), EstimatedComplexity: 5})
	mustCreate(t, db, &models.Task{ID: "W", Title: "waits on A", CreatedAt: base, Metadata: models.TaskMetadata{DependsOn: []string{"A"}}})
	mustCreate(t, db, &models.Task{ID: "X", Title: "blocked", Status: models.TaskStatusBlocked})

	s := New(db, DefaultConfig())
	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if got := ids(snap.Review); len(got) != 1 || got[0] != "R1" {
		t.Errorf("review = %v, want [R1]", got)
	}
	if got := ids(snap.Fixup); len(got) != 2 {
		t.Errorf("fixup = %v, want F1 and F2", got)
	}
	if got := ids(snap.Ready); len(got) != 2 || got[0] != "B" || got[1] != "A" {
		t.Errorf("ready = %v, want [B A] (complexity desc)", got)
	}
	if snap.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", snap.Waiting)
	}
	if snap.Blocked != 1 {
		t.Errorf("Blocked = %d, want 1", snap.Blocked)
	}

	next, q, ok := s.Next(snap, nil)
	if !ok || next.ID != "R1" || q != QueueReview {
		t.Errorf("Next = %v %s %v, want R1 from review", next, q, ok)
	}
	next, q, _ = s.Next(snap, map[string]bool{"R1": true, "F1": true, "F2": true})
	if next.ID != "B" || q != QueueReady {
		t.Errorf("Next with exclusions = %s %s, want B ready", next.ID, q)
	}
}

func TestSnapshot_EpicRollup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	mustCreate(t, db, &models.Task{ID: "E1", Title: "epic", Type: models.TaskTypeEpic})
	if _, err := db.DecomposeTask(ctx, "E1", []*models.Task{
		{ID: "E1.1", Title: "a", Metadata: models.TaskMetadata{ParentTaskID: "E1"}},
		{ID: "E1.2", Title: "b", Metadata: models.TaskMetadata{ParentTaskID: "E1"}},
	}, ""); err != nil {
		t.Fatalf("DecomposeTask: %v", err)
	}

	s := New(db, DefaultConfig())
	s.Attach(db.Notifier())

	snap, _ := s.Snapshot(ctx)
	if len(snap.Ready) != 2 {
		t.Errorf("ready = %v, want the two children only", ids(snap.Ready))
	}
	if len(snap.Completable) != 0 {
		t.Errorf("completable = %v, want none", ids(snap.Completable))
	}

	mustTransition(t, db, "E1.1", models.TaskStatusInProgress, models.TaskStatusDone)
	mustTransition(t, db, "E1.2", models.TaskStatusInProgress, models.TaskStatusDone)

	snap, _ = s.Snapshot(ctx)
	if got := ids(snap.Completable); len(got) != 1 || got[0] != "E1" {
		t.Errorf("completable = %v, want [E1]", got)
	}
}

func TestSnapshot_RecomputesOnlyOnChange(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	s := New(db, DefaultConfig())
	defer s.Attach(db.Notifier())()

	s.Snapshot(ctx)
	s.Snapshot(ctx)
	if s.Recomputes() != 1 {
		t.Fatalf("Recomputes = %d, want 1 without changes", s.Recomputes())
	}

	mustCreate(t, db, &models.Task{ID: "T1", Title: "t"})
	select {
	case <-s.Changed():
	case <-time.After(time.Second):
		t.Fatal("Changed did not fire after a store write")
	}

	snap, _ := s.Snapshot(ctx)
	if s.Recomputes() != 2 || len(snap.Ready) != 1 {
		t.Errorf("Recomputes = %d ready = %d, want 2 and 1", s.Recomputes(), len(snap.Ready))
	}
}

func TestAdmit_HeavyLimit(t *testing.T) {
	s := New(nil, Config{HeavyTaskLimit: 1, HeavyComplexity: 8})
	heavy := &models.Task{ID: "H1", EstimatedComplexity: 9}
	heavy2 := &models.Task{ID: "H2", EstimatedComplexity: 8}
	light := &models.Task{ID: "L1", EstimatedComplexity: 3}

	r1, err := s.Admit(heavy)
	if err != nil {
		t.Fatalf("Admit(H1): %v", err)
	}
	if !r1.Heavy() {
		t.Error("H1 reservation should be heavy")
	}
	if _, err := s.Admit(heavy2); !errors.Is(err, ErrHeavyLimit) {
		t.Fatalf("Admit(H2) err = %v, want ErrHeavyLimit", err)
	}
	rl, err := s.Admit(light)
	if err != nil || rl.Heavy() {
		t.Fatalf("Admit(L1) = %v, %v; want non-heavy reservation", rl, err)
	}

	snap := &Snapshot{Ready: []*models.Task{heavy2, light}, QueuedHeavy: 1}
	next, _, _ := s.Next(snap, nil)
	if next.ID != "L1" {
		t.Errorf("Next = %s, want L1 while heavy slots are full", next.ID)
	}
	if rs := s.Resources(snap); rs.ActiveHeavyTasks != 1 || rs.QueuedHeavyTasks != 1 {
		t.Errorf("Resources = %+v", rs)
	}

	r1.Release()
	r1.Release()
	rl.Release()
	if rs := s.Resources(nil); rs.ActiveHeavyTasks != 0 {
		t.Errorf("ActiveHeavyTasks = %d after double release, want 0", rs.ActiveHeavyTasks)
	}
	if _, err := s.Admit(heavy2); err != nil {
		t.Errorf("Admit(H2) after release: %v", err)
	}
}

func TestGetQueueMetrics(t *testing.T) {
	db := setupTestDB(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		mustCreate(t, db, &models.Task{ID: id, Title: id, EstimatedComplexity: 9})
	}
	s := New(db, DefaultConfig())

	m, err := s.GetQueueMetrics(context.Background())
	if err != nil {
		t.Fatalf("GetQueueMetrics: %v", err)
	}
	if m.Counts[QueueReady] != 4 {
		t.Errorf("ready count = %d, want 4", m.Counts[QueueReady])
	}
	if len(m.SampleHeads[QueueReady]) != 3 {
		t.Errorf("sample heads = %v, want 3", m.SampleHeads[QueueReady])
	}
	if m.Resources.QueuedHeavyTasks != 4 || m.Resources.HeavyTaskLimit != 2 {
		t.Errorf("resources = %+v", m.Resources)
	}
	if m.Reasons[QueueReady] != "dependencies_cleared" {
		t.Errorf("reason = %q", m.Reasons[QueueReady])
	}
}

func TestVelocityAndStuck(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	db.SetClock(func() time.Time { return clock })

	mustCreate(t, db, &models.Task{ID: "T1", Title: "fast"})
	mustCreate(t, db, &models.Task{ID: "T2", Title: "slow"})
	mustTransition(t, db, "T1", models.TaskStatusInProgress)
	mustTransition(t, db, "T2", models.TaskStatusInProgress)
	clock = base.Add(20 * time.Minute)
	mustTransition(t, db, "T1", models.TaskStatusDone)

	s := New(db, Config{StuckAfter: 30 * time.Minute})
	s.SetClock(func() time.Time { return base.Add(time.Hour) })

	v, err := s.GetVelocityMetrics(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("GetVelocityMetrics: %v", err)
	}
	if v.Completed != 1 || v.TasksPerHour != 0.5 {
		t.Errorf("completed = %d tph = %v, want 1 and 0.5", v.Completed, v.TasksPerHour)
	}
	if v.AverageCompletionTime != 20*time.Minute {
		t.Errorf("AverageCompletionTime = %v, want 20m", v.AverageCompletionTime)
	}
	if v.StalledCount != 1 {
		t.Errorf("StalledCount = %d, want 1 (T2)", v.StalledCount)
	}

	stuck, _ := s.DetectStuckTasks(ctx)
	if len(stuck) != 1 || stuck[0].Task.ID != "T2" || stuck[0].IdleFor != time.Hour {
		t.Errorf("stuck = %+v, want T2 idle 1h", stuck)
	}
}

func TestResearchSignal(t *testing.T) {
	s := New(nil, DefaultConfig())
	tests := []struct {
		name string
		task *models.Task
		want bool
	}{
		{"plain task", &models.Task{Title: "Add button"}, false},
		{"one keyword below threshold", &models.Task{Title: "Investigate flaky test"}, false},
		{"three keywords", &models.Task{Title: "Spike: investigate and benchmark parser"}, true},
		{"repeated failures plus keyword", &models.Task{Title: "Explore cache", Metadata: models.TaskMetadata{FailureCount: 2}}, true},
		{"repeated failures alone", &models.Task{Title: "Fix it", Metadata: models.TaskMetadata{FailureCount: 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := s.ResearchSignal(tt.task)
			if sig.Triggered != tt.want {
				t.Errorf("Triggered = %v (confidence %.2f, %v), want %v", sig.Triggered, sig.Confidence, sig.Reasons, tt.want)
			}
		})
	}
}
