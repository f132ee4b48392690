package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// QueueMetrics is a read-only summary of the queues for a supervising console.
type QueueMetrics struct {
	TakenAt     time.Time          `json:"taken_at"`
	Counts      map[Queue]int      `json:"counts"`
	SampleHeads map[Queue][]string `json:"sample_heads"`
	Reasons     map[Queue]string   `json:"reasons"`
	Waiting     int                `json:"waiting"`
	InProgress  int                `json:"in_progress"`
	Blocked     int                `json:"blocked"`
	Remaining   int                `json:"remaining"`
	Completable int                `json:"completable"`
	Resources   ResourceState      `json:"resources"`
}

// queueReasons explains why a task sits in each queue.
var queueReasons = map[Queue]string{
	QueueReview: "requires_review",
	QueueFixup:  "requires_follow_up",
	QueueReady:  "dependencies_cleared",
}

// GetQueueMetrics summarizes the current snapshot.
func (s *Scheduler) GetQueueMetrics(ctx context.Context) (*QueueMetrics, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue metrics: %w", err)
	}
	m := &QueueMetrics{
		TakenAt:     snap.TakenAt,
		Counts:      make(map[Queue]int, len(Queues)),
		SampleHeads: make(map[Queue][]string, len(Queues)),
		Waiting:     snap.Waiting,
		InProgress:  len(snap.InProgress),
		Blocked:     snap.Blocked,
		Remaining:   snap.Remaining,
		Completable: len(snap.Completable),
		Resources:   s.Resources(snap),
		Reasons:     queueReasons,
	}
	for _, q := range Queues {
		tasks := snap.Queue(q)
		m.Counts[q] = len(tasks)
		n := s.cfg.SampleSize
		if n > len(tasks) {
			n = len(tasks)
		}
		heads := make([]string, 0, n)
		for _, t := range tasks[:n] {
			heads = append(heads, t.ID)
		}
		m.SampleHeads[q] = heads
	}
	return m, nil
}

// VelocityMetrics summarizes throughput over a window.
type VelocityMetrics struct {
	Window                time.Duration `json:"window"`
	Completed             int           `json:"completed"`
	TasksPerHour          float64       `json:"tasks_per_hour"`
	AverageCompletionTime time.Duration `json:"average_completion_time"`
	StalledCount          int           `json:"stalled_count"`
}

// GetVelocityMetrics computes throughput from the event log. Completion
// time runs from the last move to in_progress to the move to done.
func (s *Scheduler) GetVelocityMetrics(ctx context.Context, window time.Duration) (*VelocityMetrics, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := s.now()
	since := now.Add(-window)

	entries, err := s.store.ListContextEntries(ctx, state.ContextFilter{
		EventTypes: []models.EventType{models.EventStatusChanged},
	})
	if err != nil {
		return nil, fmt.Errorf("velocity metrics: %w", err)
	}

	started := make(map[string]time.Time)
	var completed int
	var total time.Duration
	var timed int
	for _, e := range entries {
		from, to := e.String("from"), e.String("to")
		if from == to {
			continue
		}
		switch models.TaskStatus(to) {
		case models.TaskStatusInProgress:
			started[e.TaskID] = e.CreatedAt
		case models.TaskStatusDone:
			if e.CreatedAt.Before(since) {
				continue
			}
			completed++
			if start, ok := started[e.TaskID]; ok {
				total += e.CreatedAt.Sub(start)
				timed++
			}
		}
	}

	stuck, err := s.DetectStuckTasks(ctx)
	if err != nil {
		return nil, err
	}

	v := &VelocityMetrics{
		Window:       window,
		Completed:    completed,
		TasksPerHour: float64(completed) / window.Hours(),
		StalledCount: len(stuck),
	}
	if timed > 0 {
		v.AverageCompletionTime = total / time.Duration(timed)
	}
	return v, nil
}

// StuckTask is an in_progress task idle beyond the threshold.
type StuckTask struct {
	Task    *models.Task
	IdleFor time.Duration
}

// DetectStuckTasks flags in_progress tasks whose last update is older than
// the configured threshold.
func (s *Scheduler) DetectStuckTasks(ctx context.Context) ([]StuckTask, error) {
	tasks, err := s.store.GetTasks(ctx, state.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskStatusInProgress},
	})
	if err != nil {
		return nil, fmt.Errorf("detect stuck tasks: %w", err)
	}
	now := s.now()
	var out []StuckTask
	for _, t := range tasks {
		idle := now.Sub(t.UpdatedAt)
		if idle > s.cfg.StuckAfter {
			out = append(out, StuckTask{Task: t, IdleFor: idle})
		}
	}
	return out, nil
}
