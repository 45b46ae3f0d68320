package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartvm/imgderive/internal/config"
	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/journal"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversion runs and their outcomes",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.JournalPath, "", "", ""); err != nil {
		return err
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer jnl.Close()

	runs, err := jnl.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-5s %-42s %-10s %-50s\n", "ID", "SOURCE", "STATE", "ARTIFACT")
	fmt.Println("---------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		artifact := run.ArtifactPath
		if artifact == "" {
			artifact = "-"
		}
		fmt.Printf("%-5d %-42s %-10s %-50s\n", run.ID, run.Source, run.State, artifact)
	}

	return nil
}
