package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/superfly/fsm"

	"github.com/smartvm/imgderive/pkg/catalog"
	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/extract"
	"github.com/smartvm/imgderive/pkg/imgadm"
	"github.com/smartvm/imgderive/pkg/journal"
	"github.com/smartvm/imgderive/pkg/manifest"
	"github.com/smartvm/imgderive/pkg/vmadm"
)

// handleResolveSource produces the fully-qualified source location. No
// resources exist yet, so a failure here needs no compensation.
func (m *Machine) handleResolveSource(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_resolve_source", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		resp = &RunResponse{}
	}

	url, err := m.locator.Locate(req.Msg.Source)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	resp.SourceURL = url
	return fsm.NewResponse(resp), nil
}

// handleDownload creates the working area and fetches the artifact plus
// its detached signature. The working-area compensation is pushed the
// moment the directory exists, so even a failed download leaves nothing
// behind.
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	slog.Info("state_download", "run_id", m.run.ID, "url", resp.SourceURL)

	workArea := m.settings.WorkArea
	if err := os.MkdirAll(workArea, 0o755); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to create working area"))
	}
	resp.WorkArea = workArea
	m.run.WorkDir = workArea
	m.recordRun()

	m.comp.Push("remove working area "+workArea, func(ctx context.Context) error {
		return os.RemoveAll(workArea)
	})

	archivePath := filepath.Join(workArea, "source"+catalog.ArchiveExt)
	if _, err := m.transfer.Fetch(ctx, resp.SourceURL, archivePath); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to download source artifact"))
	}

	sigPath := archivePath + catalog.SignatureExt
	if _, err := m.transfer.Fetch(ctx, resp.SourceURL+catalog.SignatureExt, sigPath); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to download detached signature"))
	}

	resp.ArchivePath = archivePath
	resp.SignaturePath = sigPath
	return fsm.NewResponse(resp), nil
}

// handleVerifySignature checks the detached signature against the fixed
// trust anchor.
func (m *Machine) handleVerifySignature(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_verify_signature", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.verifier.Detached(ctx, resp.SignaturePath, resp.ArchivePath); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleExtract unpacks the verified artifact into the working area.
func (m *Machine) handleExtract(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_extract", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	extractDir := filepath.Join(resp.WorkArea, "extracted")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to create extraction directory"))
	}

	if err := m.extractArchive(resp.ArchivePath, extractDir, m.limits); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to extract source artifact"))
	}

	resp.ExtractDir = extractDir
	return fsm.NewResponse(resp), nil
}

// handleParseManifest locates and validates the source manifest, applies
// the pre-install normalization, and writes the normalized manifest back
// into the working area for the registry install.
func (m *Machine) handleParseManifest(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_parse_manifest", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	contents, err := extract.FindContents(resp.ExtractDir)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	doc, err := manifest.Load(contents.ManifestPath)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	if err := manifest.ValidateSource(doc); err != nil {
		return nil, fsm.Abort(err)
	}

	normalized, err := manifest.Transform(doc, manifest.NormalizeOps())
	if err != nil {
		return nil, fsm.Abort(err)
	}

	normalizedPath := filepath.Join(resp.WorkArea, "source.imgmanifest")
	if err := manifest.WriteAtomic(normalizedPath, normalized); err != nil {
		return nil, fsm.Abort(err)
	}

	resp.SourceManifestPath = normalizedPath
	resp.SourceDiskPath = contents.DiskPath
	resp.SourceName = doc.String("name")
	resp.SourceVersion = doc.String("version")

	slog.Info("source_manifest_parsed",
		"run_id", m.run.ID,
		"name", resp.SourceName,
		"version", resp.SourceVersion,
		"uuid", doc.String("uuid"),
	)
	return fsm.NewResponse(resp), nil
}

// handleInstallImage registers the source image with the image registry
// and pushes its removal.
func (m *Machine) handleInstallImage(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_install_image", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	imageID, err := m.registry.Install(ctx, resp.SourceManifestPath, resp.SourceDiskPath)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	resp.ImageID = imageID
	m.run.ImageUUID = imageID
	m.recordRun()

	m.comp.Push("uninstall image "+imageID, func(ctx context.Context) error {
		return m.registry.Uninstall(ctx, imageID)
	})
	return fsm.NewResponse(resp), nil
}

// handleCreateInstance requests the throwaway instance and pushes its
// destruction.
func (m *Machine) handleCreateInstance(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	slog.Info("state_create_instance", "run_id", m.run.ID, "image_uuid", resp.ImageID)

	instanceID, err := m.instances.Create(ctx, vmadm.InstanceSpec{
		ImageID: resp.ImageID,
		Brand:   m.settings.InstanceBrand,
		RAMMB:   m.settings.InstanceRAMMB,
		VCPUs:   m.settings.InstanceVCPUs,
	})
	if err != nil {
		return nil, fsm.Abort(err)
	}

	resp.InstanceID = instanceID
	m.run.InstanceUUID = instanceID
	m.recordRun()

	m.comp.Push("destroy instance "+instanceID, func(ctx context.Context) error {
		return m.instances.Destroy(ctx, instanceID)
	})
	return fsm.NewResponse(resp), nil
}

// handleConvert derives the new manifest and drives the external
// conversion to produce the derived artifact and manifest. They are
// created and destroyed together, so a single combined compensation
// protects against a later failure.
func (m *Machine) handleConvert(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	slog.Info("state_convert_image", "run_id", m.run.ID, "instance_uuid", resp.InstanceID)

	doc, err := manifest.Load(resp.SourceManifestPath)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	derived, err := manifest.Transform(doc, manifest.DeriveOps(req.Msg.MinorVersion))
	if err != nil {
		return nil, fsm.Abort(err)
	}

	stream, err := json.Marshal(derived)
	if err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to encode derived manifest"))
	}

	result, err := m.registry.Create(ctx, imgadm.CreateRequest{
		OutputDir:     m.settings.OutputDir,
		Compression:   m.settings.Compression,
		PrepareScript: m.settings.PrepareScript,
		Manifest:      bytes.NewReader(stream),
		InstanceID:    resp.InstanceID,
		Name:          derived.String("name"),
		Version:       derived.String("version"),
	})
	if err != nil {
		return nil, fsm.Abort(err)
	}

	resp.ArtifactPath = result.ArtifactPath
	resp.DerivedManifestPath = result.ManifestPath
	m.run.ArtifactPath = result.ArtifactPath
	m.run.ManifestPath = result.ManifestPath
	m.recordRun()

	m.comp.Push("remove derived artifact and manifest", func(ctx context.Context) error {
		var firstErr error
		for _, path := range []string{result.ArtifactPath, result.ManifestPath} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
	return fsm.NewResponse(resp), nil
}

// handleFinalizeManifest strips the hypervisor brand constraint from the
// freshly produced manifest, persisting it atomically.
func (m *Machine) handleFinalizeManifest(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_finalize_manifest", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	doc, err := manifest.Load(resp.DerivedManifestPath)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	stripped, err := manifest.Transform(doc, manifest.StripBrandOps())
	if err != nil {
		return nil, fsm.Abort(err)
	}

	if err := manifest.WriteAtomic(resp.DerivedManifestPath, stripped); err != nil {
		return nil, fsm.Abort(err)
	}
	return fsm.NewResponse(resp), nil
}

// handleComplete is the two-phase finalize: first remove the protection
// entry so the deliverables survive, then run the remaining teardown in
// reverse creation order, then report.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error) {
	slog.Info("state_complete", "run_id", m.run.ID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if entry, ok := m.comp.PopLast(); ok {
		slog.Info("deliverables_protected", "run_id", m.run.ID, "entry", entry.Name)
	}

	for _, err := range m.comp.RunAll(ctx) {
		slog.Warn("teardown_incomplete", "run_id", m.run.ID, "error", err)
	}

	resp.Status = journal.StateSucceeded
	m.run.State = journal.StateSucceeded
	m.run.ErrorMessage = ""
	m.recordRun()

	slog.Info("run_complete",
		"run_id", m.run.ID,
		"artifact", resp.ArtifactPath,
		"manifest", resp.DerivedManifestPath,
	)
	return fsm.NewResponse(resp), nil
}
