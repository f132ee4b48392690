package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/roadmap"
)

var roadmapCmd = &cobra.Command{
	Use:   "roadmap",
	Short: "Import a roadmap of epics and tasks",
}

var (
	roadmapSkipExisting bool
	roadmapDryRun       bool
)

var roadmapImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create the epics and tasks listed in a roadmap file",
	Long: `Create the epics and tasks listed in a YAML roadmap file.

An epic that lists its tasks is imported already decomposed. An epic
without tasks is decomposed by 'autopilot run'. Children without an id
get the next free <epic>.N.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoadmapImport,
}

func init() {
	roadmapImportCmd.Flags().BoolVar(&roadmapSkipExisting, "skip-existing", false, "Leave tasks whose id is taken untouched")
	roadmapImportCmd.Flags().BoolVar(&roadmapDryRun, "dry-run", false, "Validate and list the ids without writing")
	roadmapCmd.AddCommand(roadmapImportCmd)
}

func runRoadmapImport(cmd *cobra.Command, args []string) error {
	rm, err := roadmap.Load(args[0])
	if err != nil {
		return err
	}
	if roadmapDryRun {
		for _, id := range rm.IDs() {
			fmt.Println(id)
		}
		return nil
	}

	p, err := loadProject()
	if err != nil {
		return err
	}
	db, err := p.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := roadmap.Import(context.Background(), db, rm, roadmap.Options{SkipExisting: roadmapSkipExisting})
	if res != nil && len(res.Created) > 0 {
		fmt.Printf("%s Created %d tasks (%s)\n", color.GreenString("✓"), len(res.Created), res.CorrelationID)
	}
	if err != nil {
		return err
	}
	if len(res.Skipped) > 0 {
		fmt.Printf("%s Skipped %d existing: %v\n", color.YellowString("!"), len(res.Skipped), res.Skipped)
	}
	return nil
}
