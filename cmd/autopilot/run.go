package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/api"
	"github.com/ShayCichocki/autopilot/internal/config"
	"github.com/ShayCichocki/autopilot/internal/critics"
	"github.com/ShayCichocki/autopilot/internal/decompose"
	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/internal/router"
	"github.com/ShayCichocki/autopilot/internal/scheduler"
	"github.com/ShayCichocki/autopilot/internal/telemetry"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	runUntilIdle bool
	runAgents    int
	runHeuristic bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration loop over the backlog",
	Long: `Run the orchestration loop until stopped.

Each step settles finished epics and critic verdicts, decomposes epics and
dispatches the highest priority admissible task to an idle agent. Tasks left
in_progress by a session that died are released back to pending first.

Control a running loop from another terminal:
  autopilot pause    # stop dispatching new work
  autopilot resume   # continue
  autopilot stop     # cancel in-flight work and exit

Use --until-idle to exit once nothing is runnable.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().BoolVar(&runUntilIdle, "until-idle", false, "Exit when no task is runnable or in flight")
	runCmd.Flags().IntVar(&runAgents, "agents", 0, "Override the number of worker agents")
	runCmd.Flags().BoolVar(&runHeuristic, "heuristic", false, "Decompose epics without calling a model")
}

func runLoop(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	cfg := p.cfg
	if runAgents > 0 {
		cfg.Agents.Count = runAgents
	}
	if runHeuristic {
		cfg.Decomposer.Strategy = "heuristic"
	}

	db, err := p.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nReceived interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("[run] telemetry shutdown: %v", err)
		}
	}()

	r, err := router.New(cfg.RouterConfig())
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	r.SetUsageLimitFunc(api.ClassifyUsageLimit)

	clients := api.NewClientPool(clientConfig(cfg))

	agents, err := buildAgentPool(cfg.Agents)
	if err != nil {
		return err
	}

	engine, err := critics.NewEngine(db, cfg.Critics.Rules)
	if err != nil {
		return fmt.Errorf("create critic engine: %w", err)
	}

	pol, err := cfg.Policy()
	if err != nil {
		return err
	}
	if runUntilIdle {
		pol.Loop.ExitWhenIdle = true
	}

	signals, err := api.NewSignals(p.stateDir)
	if err != nil {
		return fmt.Errorf("prepare signal files: %w", err)
	}
	defer signals.Close()
	// A kill file left by an earlier stop must not end this session.
	signals.ClearSignals()

	executor := api.NewTaskExecutor(clients)
	executor.Decisions = signals.ReadDecisions

	logger := orchestrator.NewDebugLoggerForStateDir(p.stateDir)
	defer logger.Close()

	orch, err := orchestrator.New(orchestrator.RequiredConfig{
		Store:    db,
		Executor: executor,
		Router:   r,
		Agents:   agents,
	},
		orchestrator.WithScheduler(scheduler.New(db, cfg.SchedulerConfig())),
		orchestrator.WithDecomposer(decompose.New(db, buildStrategy(cfg, r, clients), cfg.DecomposeConfig())),
		orchestrator.WithCritics(engine),
		orchestrator.WithPolicy(pol),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithSignals(signals),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer orch.Close()

	// Pick up tasks added by other processes, e.g. 'autopilot task add'.
	go func() {
		if err := db.Watch(ctx); err != nil {
			log.Printf("[run] store watcher stopped: %v", err)
		}
	}()

	fmt.Printf("Session %s: %d agents, store %s\n", orch.SessionID(), cfg.Agents.Count, db.Path())

	summary := newRunSummary()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range orch.Events() {
			summary.add(ev)
			printEvent(ev)
		}
	}()

	runErr := orch.Run(ctx)
	<-printed
	summary.print()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// clientConfig builds the base client settings every account inherits.
func clientConfig(cfg *config.Config) api.ClientConfig {
	key, _ := config.GetAPIKey(cfg)
	return api.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        key,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
		BaseURL:       cfg.Anthropic.BaseURL,
	}
}

// buildAgentPool creates cfg.Count idle agents named agent-1..agent-N.
func buildAgentPool(cfg config.AgentsConfig) (*router.AgentPool, error) {
	count := cfg.Count
	if count < 1 {
		count = 1
	}
	pool := router.NewAgentPool()
	for i := 1; i <= count; i++ {
		if _, err := pool.Add(models.Agent{
			ID:           fmt.Sprintf("agent-%d", i),
			ProviderType: cfg.Provider,
		}); err != nil {
			return nil, fmt.Errorf("add agent: %w", err)
		}
	}
	return pool, nil
}

// buildStrategy returns the configured decomposition strategy. The model
// strategy falls back to the heuristic one when a call fails.
func buildStrategy(cfg *config.Config, r *router.Router, clients *api.ClientPool) decompose.Strategy {
	heuristic := decompose.NewHeuristicStrategy()
	if cfg.Decomposer.Strategy == "heuristic" {
		return heuristic
	}
	return &decompose.FallbackStrategy{
		Primary:   decompose.NewLLMStrategy(api.NewRoutedCompleter(r, clients), cfg.Decomposer.MaxSubtasks),
		Secondary: heuristic,
	}
}

// printEvent writes one orchestrator event as a status line.
func printEvent(ev orchestrator.OrchestratorEvent) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case orchestrator.EventTaskDispatched:
		fmt.Printf("%s %s %s %s -> %s (%s/%s)\n", ts, cyan("→"), ev.TaskID, ev.TaskTitle, ev.AgentID, ev.Provider, ev.Model)
	case orchestrator.EventTaskCompleted, orchestrator.EventEpicCompleted:
		fmt.Printf("%s %s %s done\n", ts, green("✓"), ev.TaskID)
	case orchestrator.EventTaskAwaitingCritics:
		fmt.Printf("%s %s %s awaiting critics: %s\n", ts, yellow("…"), ev.TaskID, ev.Message)
	case orchestrator.EventTaskNeedsImprovement, orchestrator.EventTaskFailed:
		fmt.Printf("%s %s %s %s: %s\n", ts, yellow("✗"), ev.TaskID, ev.Type, eventDetail(ev))
	case orchestrator.EventTaskBlocked:
		fmt.Printf("%s %s %s blocked: %s\n", ts, red("■"), ev.TaskID, eventDetail(ev))
	case orchestrator.EventEpicDecomposed:
		fmt.Printf("%s %s %s decomposed: %s\n", ts, cyan("⑂"), ev.TaskID, ev.Message)
	case orchestrator.EventProvidersExhausted:
		fmt.Printf("%s %s all providers cooling down: %s\n", ts, red("!"), eventDetail(ev))
	case orchestrator.EventSessionDone:
		fmt.Printf("%s session finished: %s\n", ts, ev.Message)
	default:
		msg := ev.Message
		if ev.TaskID != "" {
			msg = ev.TaskID + " " + msg
		}
		fmt.Printf("%s   %s %s\n", ts, ev.Type, msg)
	}
}

func eventDetail(ev orchestrator.OrchestratorEvent) string {
	if ev.Error != nil {
		return ev.Error.Error()
	}
	return ev.Message
}

// runSummary counts outcomes for the closing report.
type runSummary struct {
	started time.Time
	counts  map[orchestrator.EventType]int
	tokens  int64
}

func newRunSummary() *runSummary {
	return &runSummary{started: time.Now(), counts: make(map[orchestrator.EventType]int)}
}

func (s *runSummary) add(ev orchestrator.OrchestratorEvent) {
	s.counts[ev.Type]++
	s.tokens += ev.TokensUsed
}

func (s *runSummary) print() {
	fmt.Println()
	fmt.Printf("Ran for %s\n", formatDuration(time.Since(s.started)))
	fmt.Printf("  Dispatched: %d\n", s.counts[orchestrator.EventTaskDispatched])
	fmt.Printf("  Completed:  %d\n", s.counts[orchestrator.EventTaskCompleted])
	fmt.Printf("  Failed:     %d\n", s.counts[orchestrator.EventTaskFailed])
	fmt.Printf("  Blocked:    %d\n", s.counts[orchestrator.EventTaskBlocked])
	fmt.Printf("  Decomposed: %d\n", s.counts[orchestrator.EventEpicDecomposed])
	fmt.Printf("  Tokens:     %s\n", formatNumber(s.tokens))
}
