package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

func TestAgentPool_CoordinatorIsIndex(t *testing.T) {
	p := NewAgentPool()
	first, err := p.Add(models.Agent{ID: "w1", ProviderType: "anthropic"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, _ := p.Add(models.Agent{ProviderType: "anthropic"})
	if second == "" {
		t.Fatal("generated id should not be empty")
	}
	if _, err := p.Add(models.Agent{ID: "w1"}); !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("duplicate Add err = %v", err)
	}

	c, ok := p.Coordinator()
	if !ok || c.ID != first || c.Role != models.AgentRoleCoordinator {
		t.Fatalf("coordinator = %+v, want w1", c)
	}

	if err := p.Promote(second); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	coordinators := 0
	for _, a := range p.List() {
		if a.Role == models.AgentRoleCoordinator {
			coordinators++
			if a.ID != second {
				t.Errorf("coordinator = %s, want %s", a.ID, second)
			}
		}
	}
	if coordinators != 1 {
		t.Errorf("coordinators = %d, want exactly 1", coordinators)
	}
	if err := p.Promote("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Promote(missing) err = %v", err)
	}
}

func TestAgentPool_ReserveBlocksUntilRelease(t *testing.T) {
	p := NewAgentPool()
	p.Add(models.Agent{ID: "w1", ProviderType: "anthropic"})
	ctx := context.Background()

	a, err := p.Reserve(ctx, "anthropic", "T1")
	if err != nil || a.ID != "w1" || a.CurrentTaskID != "T1" {
		t.Fatalf("Reserve = %+v, %v", a, err)
	}

	got := make(chan models.Agent, 1)
	go func() {
		b, err := p.Reserve(ctx, "anthropic", "T2")
		if err == nil {
			got <- b
		}
	}()

	select {
	case <-got:
		t.Fatal("Reserve returned while the only agent was busy")
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Release("w1", true, 2*time.Second); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case b := <-got:
		if b.CurrentTaskID != "T2" {
			t.Errorf("CurrentTaskID = %s, want T2", b.CurrentTaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve did not wake after Release")
	}

	p.Release("w1", false, 4*time.Second)
	w, _ := p.Get("w1")
	if w.CompletedTasks != 1 || w.FailedTasks != 1 || w.AvgDurationSeconds != 3 {
		t.Errorf("stats = %+v, want 1/1 avg 3s", w)
	}
	if w.Status != models.AgentStatusIdle {
		t.Errorf("status = %s, want idle", w.Status)
	}
}

func TestAgentPool_ReserveFailFastAndCancel(t *testing.T) {
	p := NewAgentPool()
	p.Add(models.Agent{ID: "w1", ProviderType: "anthropic"})

	if _, err := p.Reserve(context.Background(), "other", "T1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Reserve for unserved provider err = %v, want ErrNotFound", err)
	}

	p.Reserve(context.Background(), "anthropic", "T1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Reserve(ctx, "anthropic", "T2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Reserve err = %v, want deadline exceeded", err)
	}
}

func TestAgentPool_AnyProviderAgent(t *testing.T) {
	p := NewAgentPool()
	p.Add(models.Agent{ID: "generic"})
	a, err := p.Reserve(context.Background(), "beta", "T1")
	if err != nil || a.ID != "generic" {
		t.Errorf("Reserve = %+v, %v; want the generic agent", a, err)
	}
}

func TestAgentPool_Offline(t *testing.T) {
	p := NewAgentPool()
	p.Add(models.Agent{ID: "w1"})
	p.SetOffline("w1", true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Reserve(ctx, "any", "T1"); err == nil {
		t.Error("offline agent should not be reserved")
	}

	p.SetOffline("w1", false)
	if _, err := p.Reserve(context.Background(), "any", "T1"); err != nil {
		t.Errorf("Reserve after back online: %v", err)
	}
}
