package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Display the configuration after merging defaults, the user config,
the project .autopilot.yaml and environment variables.

Configuration is stored at ~/.config/autopilot/config.yaml
Project-specific overrides can be placed in .autopilot.yaml
Any key can be overridden with AUTOPILOT_<SECTION>_<KEY>, e.g.
AUTOPILOT_LOOP_MAX_FAILURES=5.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("# user:    %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("# project: %s\n", p)
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	os.Stdout.Write(out)

	fmt.Println()
	fmt.Println("Credentials:")
	for _, k := range config.AccountKeys(cfg) {
		mark := color.GreenString("✓")
		detail := k.Masked
		switch k.Source {
		case config.KeySourceNone:
			mark = color.RedString("✗")
			detail = "missing"
			if k.EnvVar != "" {
				detail += " (" + k.EnvVar + ")"
			}
		case config.KeySourceBedrock:
			detail = "AWS credentials"
		}
		fmt.Printf("  %s %s/%s: %s [%s]\n", mark, k.Provider, k.AccountID, detail, k.Source)
	}
	return nil
}
