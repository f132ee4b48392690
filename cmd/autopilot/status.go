package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var statusWindow time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queues, velocity and sessions",
	Long: `Display a read-only snapshot of the backlog.

Shows:
  - Queue sizes and heads (review, fixup, ready)
  - Heavy-task budget
  - Throughput over the window and stalled tasks
  - The active session and recent sessions`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().DurationVar(&statusWindow, "window", 24*time.Hour, "Velocity window")
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(14)
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))
)

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		fmt.Println(err)
		return nil
	}
	defer db.Close()

	ctx := context.Background()
	sched := scheduler.New(db, p.cfg.SchedulerConfig())

	queues, err := sched.GetQueueMetrics(ctx)
	if err != nil {
		return err
	}
	velocity, err := sched.GetVelocityMetrics(ctx, statusWindow)
	if err != nil {
		return err
	}
	stuck, err := sched.DetectStuckTasks(ctx)
	if err != nil {
		return err
	}
	sessions, err := db.ListSessions(ctx, nil)
	if err != nil {
		return err
	}

	fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top,
		renderQueues(queues),
		renderVelocity(velocity, stuck),
	))
	fmt.Println(renderSessions(sessions))
	return nil
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func renderQueues(m *scheduler.QueueMetrics) string {
	lines := []string{titleStyle.Render("Queues")}
	for _, q := range scheduler.Queues {
		heads := strings.Join(m.SampleHeads[q], ", ")
		if heads == "" {
			heads = "-"
		}
		lines = append(lines, row(string(q), fmt.Sprintf("%d  %s", m.Counts[q], heads)))
	}
	lines = append(lines,
		row("in progress", fmt.Sprintf("%d", m.InProgress)),
		row("waiting", fmt.Sprintf("%d", m.Waiting)),
		row("blocked", blockedValue(m.Blocked)),
		row("remaining", fmt.Sprintf("%d", m.Remaining)),
		row("heavy", fmt.Sprintf("%d/%d active, %d queued",
			m.Resources.ActiveHeavyTasks, m.Resources.HeavyTaskLimit, m.Resources.QueuedHeavyTasks)),
	)
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func blockedValue(n int) string {
	if n == 0 {
		return okStyle.Render("0")
	}
	return warnStyle.Render(fmt.Sprintf("%d", n))
}

func renderVelocity(v *scheduler.VelocityMetrics, stuck []scheduler.StuckTask) string {
	avg := "-"
	if v.AverageCompletionTime > 0 {
		avg = formatDuration(v.AverageCompletionTime)
	}
	lines := []string{
		titleStyle.Render(fmt.Sprintf("Velocity (%s)", formatDuration(v.Window))),
		row("completed", fmt.Sprintf("%d", v.Completed)),
		row("per hour", fmt.Sprintf("%.2f", v.TasksPerHour)),
		row("avg time", avg),
		row("stalled", blockedValue(v.StalledCount)),
	}
	for _, st := range stuck {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("  %s idle %s", st.Task.ID, formatDuration(st.IdleFor))))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderSessions(sessions []*models.Session) string {
	lines := []string{titleStyle.Render("Sessions")}
	if len(sessions) == 0 {
		lines = append(lines, "No sessions yet. Run 'autopilot run' to start.")
	}
	for i, s := range sessions {
		if i == 5 {
			break
		}
		status := string(s.Status)
		if s.Status == models.SessionActive {
			status = okStyle.Render(status)
		}
		line := fmt.Sprintf("%-16s %-20s %s ago, %d decomposed", s.ID, status,
			formatDuration(time.Since(s.StartedAt)), s.Decomposed)
		if s.Reason != "" {
			line += " (" + s.Reason + ")"
		}
		lines = append(lines, line)
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

// formatNumber formats a number with commas.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	offset := len(s) % 3
	if offset > 0 {
		result.WriteString(s[:offset])
		result.WriteString(",")
	}
	for i := offset; i < len(s); i += 3 {
		result.WriteString(s[i : i+3])
		if i+3 < len(s) {
			result.WriteString(",")
		}
	}
	return result.String()
}
