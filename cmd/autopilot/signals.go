package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/api"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running loop",
	Long: `Ask the loop running in this project to stop. In-flight tasks are
interrupted and released back to pending.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(func(s *api.Signals) error {
			if err := s.SendKill(); err != nil {
				return err
			}
			fmt.Println("Stop requested.")
			return nil
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause dispatching new tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(func(s *api.Signals) error {
			if err := s.SendPause(); err != nil {
				return err
			}
			fmt.Println("Paused. In-flight tasks will finish; run 'autopilot resume' to continue.")
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatching after a pause",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSignals(func(s *api.Signals) error {
			if err := s.Resume(); err != nil {
				return err
			}
			fmt.Println("Resumed.")
			return nil
		})
	},
}

func withSignals(fn func(*api.Signals) error) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	s, err := api.NewSignals(p.stateDir)
	if err != nil {
		return fmt.Errorf("open signal files: %w", err)
	}
	defer s.Close()
	return fn(s)
}
