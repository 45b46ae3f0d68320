// Package pipeline drives the transactional image-conversion workflow:
// an ordered sequence of side-effecting states, each creating one external
// resource and pushing its reversal onto the compensation stack. The run
// is fail-fast: every state error aborts the machine, and the caller rolls
// back whatever was created. On success the deliverables are protected and
// everything else is torn down in reverse creation order.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/smartvm/imgderive/pkg/catalog"
	"github.com/smartvm/imgderive/pkg/compensate"
	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/extract"
	"github.com/smartvm/imgderive/pkg/journal"
)

// Machine holds dependencies for the conversion pipeline transitions.
type Machine struct {
	journal   *journal.Journal
	run       *journal.Run
	locator   *catalog.Locator
	transfer  Transferrer
	verifier  SignatureVerifier
	registry  ImageRegistry
	instances InstanceManager
	limits    *extract.Limits
	settings  Settings
	comp      *compensate.Stack

	// extractArchive is swapped in tests.
	extractArchive func(archivePath, destDir string, limits *extract.Limits) error
}

// NewMachine creates a conversion pipeline machine. The compensation stack
// is owned exclusively by the machine for the run's duration.
func NewMachine(
	jnl *journal.Journal,
	run *journal.Run,
	locator *catalog.Locator,
	transferrer Transferrer,
	verifier SignatureVerifier,
	registry ImageRegistry,
	instances InstanceManager,
	limits *extract.Limits,
	settings Settings,
) *Machine {
	comp := compensate.NewStack()
	comp.Disabled = settings.KeepResources

	return &Machine{
		journal:        jnl,
		run:            run,
		locator:        locator,
		transfer:       transferrer,
		verifier:       verifier,
		registry:       registry,
		instances:      instances,
		limits:         limits,
		settings:       settings,
		comp:           comp,
		extractArchive: extract.Archive,
	}
}

// Register registers the conversion pipeline FSM.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[RunRequest, RunResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[RunRequest, RunResponse](manager, "image-convert").
		Start(StateResolveSource, m.handleResolveSource).
		To(StateDownload, m.handleDownload).
		To(StateVerifySignature, m.handleVerifySignature).
		To(StateExtract, m.handleExtract).
		To(StateParseManifest, m.handleParseManifest).
		To(StateInstallImage, m.handleInstallImage).
		To(StateCreateInstance, m.handleCreateInstance).
		To(StateConvert, m.handleConvert).
		To(StateFinalizeManifest, m.handleFinalizeManifest).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register pipeline")
	}

	return start, resume, nil
}

// Rollback tears down every resource the failed run created, in reverse
// creation order, and journals the originating error. Teardown failures
// are logged, never escalated: the run's outcome is the original error.
func (m *Machine) Rollback(ctx context.Context, cause error) {
	slog.Error("run_failed", "run_id", m.run.ID, "error", cause, "pending_compensations", m.comp.Len())

	failures := m.comp.RunAll(ctx)
	for _, err := range failures {
		slog.Warn("rollback_incomplete", "run_id", m.run.ID, "error", err)
	}

	m.run.State = journal.StateFailed
	m.run.ErrorMessage = cause.Error()
	m.recordRun()
}

// recordRun persists the current run record. Journal failures never affect
// the pipeline outcome.
func (m *Machine) recordRun() {
	if m.journal == nil {
		return
	}
	if err := m.journal.Update(m.run); err != nil {
		slog.Warn("journal_update_failed", "run_id", m.run.ID, "error", err)
	}
}
