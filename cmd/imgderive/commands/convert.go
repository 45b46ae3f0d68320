package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/smartvm/imgderive/internal/config"
	"github.com/smartvm/imgderive/pkg/catalog"
	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/extract"
	"github.com/smartvm/imgderive/pkg/imgadm"
	"github.com/smartvm/imgderive/pkg/journal"
	"github.com/smartvm/imgderive/pkg/pipeline"
	"github.com/smartvm/imgderive/pkg/transfer"
	"github.com/smartvm/imgderive/pkg/verify"
	"github.com/smartvm/imgderive/pkg/vmadm"
)

var (
	convertImageID string
	convertURL     string
	convertMinor   string
	convertDebug   bool
	convertPrepare bool
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a certified cloud image into a derived local image",
	Long: `Fetches a certified source image (by short identifier or direct URL),
verifies its detached signature, installs it, boots a throwaway instance,
and produces the derived disk artifact and manifest in the output directory.

A failed run tears down everything it created; a successful run keeps only
the two deliverables.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVarP(&convertImageID, "image", "i", "", "Short source image identifier, e.g. ubuntu-certified-16.04-20190514")
	convertCmd.Flags().StringVarP(&convertURL, "url", "u", "", "Direct source artifact URL")
	convertCmd.Flags().StringVarP(&convertMinor, "minor", "v", "1", "Minor version suffix of the derived image")
	convertCmd.Flags().BoolVarP(&convertDebug, "debug", "d", false, "Keep all created resources for postmortem inspection")
	convertCmd.Flags().BoolVarP(&convertPrepare, "prepare", "p", false, "")
	convertCmd.Flags().MarkHidden("prepare")
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Source selection is validated before anything touches the network or
	// local state. Identifier shape and release support are checked by the
	// resolve state, which also runs before any network traffic.
	source := catalog.SourceRef{ImageID: convertImageID, URL: convertURL}
	if (convertImageID == "") == (convertURL == "") {
		return fmt.Errorf("exactly one of --image or --url is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.JournalPath, cfg.FSMDBPath, cfg.WorkDir, cfg.OutputDir); err != nil {
		return err
	}

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer jnl.Close()

	sourceLabel := convertImageID
	if sourceLabel == "" {
		sourceLabel = convertURL
	}
	run := &journal.Run{Source: sourceLabel, State: journal.StateRunning}
	if err := jnl.Create(run); err != nil {
		return errors.Wrap(err, "journal create failed")
	}

	settings := pipeline.Settings{
		WorkArea:      filepath.Join(cfg.WorkDir, fmt.Sprintf("run-%d", run.ID)),
		OutputDir:     cfg.OutputDir,
		PrepareScript: cfg.PrepareScript,
		Compression:   cfg.Compression,
		InstanceBrand: cfg.InstanceBrand,
		InstanceRAMMB: cfg.InstanceRAMMB,
		InstanceVCPUs: cfg.InstanceVCPUs,
		KeepResources: convertDebug,
	}

	machine := pipeline.NewMachine(
		jnl,
		run,
		catalog.NewLocator(cfg.SourceBaseURL),
		transfer.NewClient(cfg.InsecureTransfer, cfg.S3Region),
		verify.NewVerifier(cfg.KeyringPath),
		imgadm.NewCLI(),
		vmadm.NewCLI(),
		extract.NewLimits(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio),
		settings,
	)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &pipeline.RunRequest{Source: source, MinorVersion: convertMinor}
	resp := &pipeline.RunResponse{}

	key := fmt.Sprintf("run-%d", run.ID)
	version, err := start(ctx, key, fsm.NewRequest(req, resp))
	if err != nil {
		machine.Rollback(ctx, err)
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		machine.Rollback(ctx, err)
		return errors.Wrap(err, "conversion failed")
	}

	slog.Info("convert completed",
		"status", resp.Status,
		"artifact", resp.ArtifactPath,
		"manifest", resp.DerivedManifestPath,
	)

	fmt.Printf("Derived image written:\n  %s\n  %s\n", resp.ArtifactPath, resp.DerivedManifestPath)
	return nil
}
