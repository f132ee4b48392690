package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/state"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var (
	taskAddID             string
	taskAddDescription    string
	taskAddEpic           bool
	taskAddComplexity     int
	taskAddDependsOn      []string
	taskAddExitCriteria   []string
	taskAddRequiresReview bool

	taskListStatus string
	taskListType   string
	taskListParent string
	taskListLimit  int
)

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task or epic to the backlog",
	Example: `  autopilot task add --id E3 --epic --complexity 8 "Payments integration"
  autopilot task add --id T7 --depends-on E3 "Document the payments API"`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task with its critic status and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Return a blocked task to pending with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRetry,
}

func init() {
	taskAddCmd.Flags().StringVar(&taskAddID, "id", "", "Hierarchical task ID, e.g. E1 or E1.2 (required)")
	taskAddCmd.Flags().StringVarP(&taskAddDescription, "description", "d", "", "Task description")
	taskAddCmd.Flags().BoolVar(&taskAddEpic, "epic", false, "Create an epic to be decomposed before execution")
	taskAddCmd.Flags().IntVarP(&taskAddComplexity, "complexity", "c", 0, "Estimated complexity (1-10)")
	taskAddCmd.Flags().StringSliceVar(&taskAddDependsOn, "depends-on", nil, "IDs that must be done first")
	taskAddCmd.Flags().StringSliceVar(&taskAddExitCriteria, "exit-criteria", nil, "Exit criteria")
	taskAddCmd.Flags().BoolVar(&taskAddRequiresReview, "requires-review", false, "Schedule in the review queue")
	_ = taskAddCmd.MarkFlagRequired("id")

	taskListCmd.Flags().StringVarP(&taskListStatus, "status", "s", "", "Comma-separated statuses to include")
	taskListCmd.Flags().StringVarP(&taskListType, "type", "t", "", "epic or task")
	taskListCmd.Flags().StringVar(&taskListParent, "parent", "", "Only children of this task")
	taskListCmd.Flags().IntVarP(&taskListLimit, "limit", "n", 0, "Maximum tasks to show")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskRetryCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	t := &models.Task{
		ID:                  taskAddID,
		Title:               args[0],
		Description:         taskAddDescription,
		Type:                models.TaskTypeTask,
		EstimatedComplexity: taskAddComplexity,
	}
	if taskAddEpic {
		t.Type = models.TaskTypeEpic
	}
	t.Metadata.DependsOn = taskAddDependsOn
	t.Metadata.ExitCriteria = taskAddExitCriteria
	t.Metadata.RequiresReview = taskAddRequiresReview

	ctx := context.Background()
	if len(t.Metadata.DependsOn) > 0 {
		existing, err := db.GetTasks(ctx, state.TaskFilter{})
		if err != nil {
			return err
		}
		if err := graph.New().Build(append(existing, t)); err != nil {
			return err
		}
	}

	created, err := db.CreateTask(ctx, t, "cli:task-add")
	if err != nil {
		return err
	}
	fmt.Printf("%s Created %s %s: %s\n", color.GreenString("✓"), created.Type, created.ID, created.Title)
	return nil
}

// parseStatuses splits a comma-separated status list.
func parseStatuses(s string) ([]models.TaskStatus, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []models.TaskStatus
	for _, part := range strings.Split(s, ",") {
		st := models.TaskStatus(strings.TrimSpace(part))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(taskListStatus)
	if err != nil {
		return err
	}
	typ := models.TaskType(taskListType)
	if typ != "" && !typ.Valid() {
		return fmt.Errorf("unknown type %q", taskListType)
	}

	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := db.GetTasks(context.Background(), state.TaskFilter{
		Statuses: statuses,
		Type:     typ,
		ParentID: taskListParent,
		Limit:    taskListLimit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCX\tAGENT\tTITLE")
	for _, t := range tasks {
		agent := t.AssignedTo
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Type, colorStatus(t.Status), t.EstimatedComplexity, agent, t.Title)
	}
	return w.Flush()
}

func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusDone:
		return color.GreenString(string(s))
	case models.TaskStatusInProgress:
		return color.CyanString(string(s))
	case models.TaskStatusNeedsImprovement:
		return color.YellowString(string(s))
	case models.TaskStatusBlocked:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	t, err := db.GetTask(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(t.ID), t.Title)
	fmt.Printf("  Type:       %s\n", t.Type)
	fmt.Printf("  Status:     %s\n", colorStatus(t.Status))
	fmt.Printf("  Depth:      %d\n", t.Depth())
	fmt.Printf("  Complexity: %d\n", t.EstimatedComplexity)
	if t.AssignedTo != "" {
		fmt.Printf("  Assigned:   %s\n", t.AssignedTo)
	}
	fmt.Printf("  Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}

	meta, err := json.MarshalIndent(t.Metadata, "  ", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("\nMetadata:\n  %s\n", meta)

	all, err := db.GetTasks(ctx, state.TaskFilter{})
	if err != nil {
		return err
	}
	g := graph.New()
	if err := g.Build(all); err == nil {
		if deps := g.Dependents(t.ID); len(deps) > 0 {
			fmt.Printf("\nBlocks: %s\n", strings.Join(deps, ", "))
		}
	}

	engine, err := critics.NewEngine(db, p.cfg.Critics.Rules)
	if err != nil {
		return err
	}
	if st, err := engine.GetCriticApprovalStatus(ctx, t.ID); err == nil && len(st.Required) > 0 {
		fmt.Println()
		printCriticStatus(st)
	}

	entries, err := db.ListContextEntries(ctx, state.ContextFilter{TaskID: t.ID})
	if err != nil {
		return err
	}
	fmt.Println("\nHistory:")
	for _, e := range entries {
		fmt.Printf("  %s  %-24s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, describeEntry(e))
	}
	return nil
}

// describeEntry renders the interesting keys of a context entry.
func describeEntry(e *models.ContextEntry) string {
	switch e.EventType {
	case models.EventStatusChanged:
		s := e.String("from") + " -> " + e.String("to")
		if r := e.String("reason"); r != "" {
			s += " (" + r + ")"
		}
		return s
	default:
		if r := e.String("reason"); r != "" {
			return r
		}
		if s := e.String("summary"); s != "" {
			return s
		}
		return e.CorrelationID
	}
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.Transition(context.Background(), state.TransitionRequest{
		TaskID:        args[0],
		From:          models.TaskStatusBlocked,
		To:            models.TaskStatusPending,
		CorrelationID: state.TaskCorrelationID(args[0]) + ".retry",
		Reason:        "operator retry",
		Mutate: func(m *models.TaskMetadata) {
			m.FailureCount = 0
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s is pending again\n", color.GreenString("✓"), t.ID)
	return nil
}
