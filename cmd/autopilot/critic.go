package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var criticCmd = &cobra.Command{
	Use:   "critic",
	Short: "Record and inspect critic verdicts",
	Long: `Critics are external reviewers. Their verdicts are fed in here and
gate completion of every task matched by a critics rule in the config.`,
}

var (
	criticPass   bool
	criticFail   bool
	criticReason string
	criticLimit  int
)

var criticRecordCmd = &cobra.Command{
	Use:   "record <task-id> <critic>",
	Short: "Record a pass or fail verdict",
	Example: `  autopilot critic record T12.0.1 data_quality --pass
  autopilot critic record T12.0.1 modeling_reality_v2 --fail --reason "ignores seasonality"`,
	Args: cobra.ExactArgs(2),
	RunE: runCriticRecord,
}

var criticStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show required, passed, failed and awaited critics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCriticStatus,
}

var criticHistoryCmd = &cobra.Command{
	Use:   "history <critic>",
	Short: "Show recent verdicts of one critic, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runCriticHistory,
}

func init() {
	criticRecordCmd.Flags().BoolVar(&criticPass, "pass", false, "Record a pass")
	criticRecordCmd.Flags().BoolVar(&criticFail, "fail", false, "Record a fail")
	criticRecordCmd.Flags().StringVar(&criticReason, "reason", "", "Reason given by the critic")
	criticRecordCmd.MarkFlagsMutuallyExclusive("pass", "fail")
	criticRecordCmd.MarkFlagsOneRequired("pass", "fail")

	criticHistoryCmd.Flags().IntVarP(&criticLimit, "limit", "n", 20, "Maximum entries")

	criticCmd.AddCommand(criticRecordCmd)
	criticCmd.AddCommand(criticStatusCmd)
	criticCmd.AddCommand(criticHistoryCmd)
}

func runCriticRecord(cmd *cobra.Command, args []string) error {
	taskID, critic := args[0], args[1]

	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := critics.NewEngine(db, p.cfg.Critics.Rules)
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := engine.RecordCriticResult(ctx, taskID, critic, criticPass, criticReason)
	if err != nil {
		return err
	}
	verdict := color.GreenString("pass")
	if !criticPass {
		verdict = color.RedString("fail")
	}
	fmt.Printf("Recorded %s for %s on %s\n", verdict, critic, taskID)

	// A task parked for critics is settled right away; one still executing
	// is settled by the loop when its dispatch finishes.
	task, err := db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == models.TaskStatusInProgress && task.Metadata.AwaitingCritics {
		v, err := engine.Apply(ctx, taskID, "critic:"+critic)
		if err != nil {
			return err
		}
		fmt.Printf("Decision: %s\n", v.Decision)
		return nil
	}
	printCriticStatus(st)
	return nil
}

func runCriticStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	engine, err := critics.NewEngine(db, p.cfg.Critics.Rules)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if _, err := db.GetTask(ctx, args[0]); err != nil {
		return err
	}
	st, err := engine.GetCriticApprovalStatus(ctx, args[0])
	if err != nil {
		return err
	}
	v, err := engine.Decide(ctx, args[0])
	if err != nil {
		return err
	}
	printCriticStatus(st)
	fmt.Printf("Decision:  %s\n", v.Decision)
	return nil
}

func printCriticStatus(st *models.CriticApprovalStatus) {
	list := func(names []string) string {
		if len(names) == 0 {
			return "-"
		}
		return strings.Join(names, ", ")
	}
	fmt.Printf("Required:  %s\n", list(st.Required))
	fmt.Printf("Passed:    %s\n", color.GreenString(list(st.Passed)))
	fmt.Printf("Failed:    %s\n", color.RedString(list(st.Failed)))
	fmt.Printf("Awaiting:  %s\n", list(st.Awaiting))
	for _, c := range st.Failed {
		if r := st.Reasons[c]; r != "" {
			fmt.Printf("  %s: %s\n", c, r)
		}
	}
}

func runCriticHistory(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openExistingStore()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.CriticHistory(context.Background(), args[0], criticLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No verdicts recorded for %s.\n", args[0])
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTASK\tVERDICT\tREASON")
	for _, e := range entries {
		verdict := "pass"
		if !e.Passed {
			verdict = "fail"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.TaskID, verdict, e.Reason)
	}
	return w.Flush()
}
