package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/smartvm/imgderive/internal/config"
	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/imgadm"
	"github.com/smartvm/imgderive/pkg/journal"
	"github.com/smartvm/imgderive/pkg/vmadm"
)

var (
	cleanupAll      bool
	cleanupRun      int64
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up leftover run resources (working areas, images, instances)",
	Long: `Clean up resources left behind by failed or debug runs:
  --all         Clean leftovers of every non-cleaned run
  --run <id>    Clean leftovers of a specific run
  --orphaned    Remove working areas no journaled run owns`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all runs")
	cleanupCmd.Flags().Int64Var(&cleanupRun, "run", 0, "Clean a specific run by id")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned working areas")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer jnl.Close()

	ctx := context.Background()
	registry := imgadm.NewCLI()
	instances := vmadm.NewCLI()

	switch {
	case cleanupAll:
		runs, err := jnl.List()
		if err != nil {
			return errors.Wrap(err, "list failed")
		}

		fmt.Printf("Cleaning up %d runs...\n", len(runs))
		for _, run := range runs {
			if run.State == journal.StateCleaned {
				continue
			}
			if err := cleanupRunResources(ctx, jnl, registry, instances, run); err != nil {
				fmt.Printf("Failed to clean run %d: %v\n", run.ID, err)
			} else {
				fmt.Printf("Cleaned run %d (%s)\n", run.ID, run.Source)
			}
		}
		return nil

	case cleanupRun != 0:
		run, err := jnl.Get(cleanupRun)
		if err != nil {
			return errors.Wrap(err, "journal lookup failed")
		}
		if run == nil {
			return fmt.Errorf("run not found: id=%d", cleanupRun)
		}
		if err := cleanupRunResources(ctx, jnl, registry, instances, run); err != nil {
			return errors.Wrap(err, "cleanup failed")
		}
		fmt.Printf("Cleaned run %d (%s)\n", run.ID, run.Source)
		return nil

	case cleanupOrphaned:
		return cleanupOrphanedWorkAreas(jnl, cfg.WorkDir)

	default:
		return fmt.Errorf("must specify --all, --run, or --orphaned")
	}
}

// cleanupOrphanedWorkAreas removes run-<id> directories under the work
// base that no journaled run owns.
func cleanupOrphanedWorkAreas(jnl *journal.Journal, workDir string) error {
	fmt.Println("Scanning for orphaned working areas...")

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read work directory")
	}

	orphanCount := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		var id int64
		if _, err := fmt.Sscanf(entry.Name(), "run-%d", &id); err != nil {
			continue
		}

		run, err := jnl.Get(id)
		if err != nil {
			return errors.Wrap(err, "journal lookup failed")
		}
		if run != nil && run.State != journal.StateCleaned {
			continue
		}

		orphanPath := filepath.Join(workDir, entry.Name())
		if err := os.RemoveAll(orphanPath); err != nil {
			fmt.Printf("Failed to remove orphaned working area %s: %v\n", entry.Name(), err)
			continue
		}
		fmt.Printf("Removed orphaned working area: %s\n", entry.Name())
		orphanCount++
	}

	fmt.Printf("Removed %d orphaned working areas\n", orphanCount)
	return nil
}

// cleanupRunResources removes whatever the run left behind, in reverse
// creation order, tolerating resources already gone. Deliverables of
// succeeded runs are never touched.
func cleanupRunResources(ctx context.Context, jnl *journal.Journal, registry *imgadm.CLI, instances *vmadm.CLI, run *journal.Run) error {
	if run.InstanceUUID != "" {
		if err := instances.Destroy(ctx, run.InstanceUUID); err != nil {
			fmt.Printf("Instance cleanup warning (run %d): %v\n", run.ID, err)
		}
		run.InstanceUUID = ""
	}

	if run.ImageUUID != "" {
		if err := registry.Uninstall(ctx, run.ImageUUID); err != nil {
			fmt.Printf("Image cleanup warning (run %d): %v\n", run.ID, err)
		}
		run.ImageUUID = ""
	}

	if run.WorkDir != "" {
		if err := os.RemoveAll(run.WorkDir); err != nil {
			return errors.Wrap(err, "failed to remove working area")
		}
		run.WorkDir = ""
	}

	run.State = journal.StateCleaned
	if err := jnl.Update(run); err != nil {
		return errors.Wrap(err, "failed to update journal")
	}

	return nil
}
