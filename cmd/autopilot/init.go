package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/api"
	"github.com/ShayCichocki/autopilot/internal/config"
)

var (
	initForce  bool
	initAgents int
	initDriver string
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize an autopilot project",
	Long: `Initialize a directory for use with autopilot.

This command sets up:
  - .autopilot.yaml with the default configuration
  - .autopilot/ with the task database, logs and signal files
  - .autopilot/decisions.md, shared with every dispatched task

The directory argument is optional and defaults to the current directory.

Examples:
  autopilot init              # Initialize current directory
  autopilot init ./myproject  # Initialize specific directory
  autopilot init --agents 4   # Size the worker pool
  autopilot init --force      # Overwrite an existing .autopilot.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing project config")
	initCmd.Flags().IntVar(&initAgents, "agents", 0, "Number of worker agents (default from config)")
	initCmd.Flags().StringVar(&initDriver, "driver", "", "SQLite driver: sqlite (pure Go) or sqlite3 (cgo)")
}

func runInit(cmd *cobra.Command, args []string) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}
	if err := os.Chdir(absPath); err != nil {
		return fmt.Errorf("changing to directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing autopilot in %s...\n\n", absPath)

	configPath := filepath.Join(absPath, config.ProjectConfigName)
	if _, err := os.Stat(configPath); err == nil && !initForce {
		fmt.Printf("  %s %s already exists (use --force to overwrite)\n", yellow("!"), config.ProjectConfigName)
	} else {
		cfg := config.Default()
		if initAgents > 0 {
			cfg.Agents.Count = initAgents
		}
		if initDriver != "" {
			cfg.Store.Driver = initDriver
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveTo(cfg, configPath); err != nil {
			return fmt.Errorf("writing %s: %w", config.ProjectConfigName, err)
		}
		fmt.Printf("  %s Wrote %s\n", green("✓"), config.ProjectConfigName)
	}

	p, err := loadProject()
	if err != nil {
		return err
	}

	signals, err := api.NewSignals(p.stateDir)
	if err != nil {
		return fmt.Errorf("creating %s: %w", stateDirName, err)
	}
	signals.ClearSignals()
	signals.Close()
	if err := os.MkdirAll(filepath.Join(p.stateDir, "logs"), 0755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	fmt.Printf("  %s Created %s/ (signals, logs, decisions.md)\n", green("✓"), stateDirName)

	db, err := p.openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("  %s Task database ready at %s\n", green("✓"), p.cfg.StorePath(p.root))

	if _, err := config.GetAPIKey(p.cfg); err != nil && !p.cfg.Anthropic.UseBedrock {
		fmt.Printf("  %s No Anthropic API key found. Set ANTHROPIC_API_KEY or add it to .env\n", yellow("!"))
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  autopilot roadmap import roadmap.yaml")
	fmt.Println("  autopilot run")
	return nil
}
