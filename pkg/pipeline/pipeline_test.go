package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/superfly/fsm"

	"github.com/smartvm/imgderive/pkg/catalog"
	"github.com/smartvm/imgderive/pkg/extract"
	"github.com/smartvm/imgderive/pkg/imgadm"
	"github.com/smartvm/imgderive/pkg/journal"
	"github.com/smartvm/imgderive/pkg/manifest"
	"github.com/smartvm/imgderive/pkg/transfer"
	"github.com/smartvm/imgderive/pkg/vmadm"
)

const (
	testImageUUID    = "47e6af92-daf0-11e0-ac11-473ca1173ab0"
	testInstanceUUID = "9a2c8bfa-1111-2222-3333-444455556666"
)

// fakeTransfer writes a dummy payload to the requested local path.
type fakeTransfer struct {
	events  *[]string
	failURL string
}

func (f *fakeTransfer) Fetch(ctx context.Context, rawURL, localPath string) (*transfer.Result, error) {
	if f.failURL != "" && rawURL == f.failURL {
		return nil, fmt.Errorf("fetch failed: %s", rawURL)
	}
	payload := []byte("payload for " + rawURL)
	if err := os.WriteFile(localPath, payload, 0o644); err != nil {
		return nil, err
	}
	*f.events = append(*f.events, "fetch "+filepath.Base(localPath))
	return &transfer.Result{LocalPath: localPath, Size: int64(len(payload))}, nil
}

type fakeVerifier struct {
	events *[]string
	err    error
}

func (f *fakeVerifier) Detached(ctx context.Context, sigPath, filePath string) error {
	*f.events = append(*f.events, "verify")
	return f.err
}

// fakeRegistry mimics the registry tool: Create consumes the streamed
// manifest and materializes both deliverables in the output directory.
type fakeRegistry struct {
	events    *[]string
	createErr error
}

func (f *fakeRegistry) Install(ctx context.Context, manifestPath, diskPath string) (string, error) {
	*f.events = append(*f.events, "install image")
	return testImageUUID, nil
}

func (f *fakeRegistry) Uninstall(ctx context.Context, imageID string) error {
	*f.events = append(*f.events, "uninstall image "+imageID)
	return nil
}

func (f *fakeRegistry) Create(ctx context.Context, req imgadm.CreateRequest) (imgadm.CreateResult, error) {
	if f.createErr != nil {
		return imgadm.CreateResult{}, f.createErr
	}
	streamed, err := io.ReadAll(req.Manifest)
	if err != nil {
		return imgadm.CreateResult{}, err
	}

	base := req.Name + "-" + req.Version
	result := imgadm.CreateResult{
		ArtifactPath: filepath.Join(req.OutputDir, base+imgadm.DiskExt),
		ManifestPath: filepath.Join(req.OutputDir, base+imgadm.ManifestExt),
	}
	if err := os.WriteFile(result.ArtifactPath, []byte("derived disk"), 0o644); err != nil {
		return imgadm.CreateResult{}, err
	}
	if err := os.WriteFile(result.ManifestPath, streamed, 0o644); err != nil {
		return imgadm.CreateResult{}, err
	}

	*f.events = append(*f.events, "create derived image")
	return result, nil
}

type fakeInstances struct {
	events *[]string
	spec   vmadm.InstanceSpec
}

func (f *fakeInstances) Create(ctx context.Context, spec vmadm.InstanceSpec) (string, error) {
	f.spec = spec
	*f.events = append(*f.events, "create instance")
	return testInstanceUUID, nil
}

func (f *fakeInstances) Destroy(ctx context.Context, instanceID string) error {
	*f.events = append(*f.events, "destroy instance "+instanceID)
	return nil
}

type harness struct {
	machine   *Machine
	events    []string
	transfer  *fakeTransfer
	verifier  *fakeVerifier
	registry  *fakeRegistry
	instances *fakeInstances
	settings  Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()

	h := &harness{
		settings: Settings{
			WorkArea:      filepath.Join(base, "work"),
			OutputDir:     filepath.Join(base, "out"),
			PrepareScript: "/usr/share/prepare-image.sh",
			Compression:   "gzip",
			InstanceBrand: "bhyve",
			InstanceRAMMB: 256,
			InstanceVCPUs: 1,
		},
	}
	if err := os.MkdirAll(h.settings.OutputDir, 0o755); err != nil {
		t.Fatal(err)
	}

	h.transfer = &fakeTransfer{events: &h.events}
	h.verifier = &fakeVerifier{events: &h.events}
	h.registry = &fakeRegistry{events: &h.events}
	h.instances = &fakeInstances{events: &h.events}

	h.machine = NewMachine(
		nil,
		&journal.Run{ID: 1, Source: "test", State: journal.StateRunning},
		catalog.NewLocator("https://images.test/images"),
		h.transfer,
		h.verifier,
		h.registry,
		h.instances,
		extract.NewLimits(1<<20, 10<<20, 100),
		h.settings,
	)
	h.machine.extractArchive = func(archivePath, destDir string, limits *extract.Limits) error {
		doc := map[string]any{
			"uuid":         "src-uuid-1234",
			"name":         "ubuntu-certified-16.04",
			"version":      "20190514",
			"image_size":   "10240",
			"published_at": "2019-05-14T19:13:28Z",
			"type":         "zvol",
			"os":           "linux",
			"requirements": map[string]any{"brand": "kvm"},
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, "source.imgmanifest"), raw, 0o644); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(destDir, "source.zvol.gz"), []byte("compressed disk"), 0o644)
	}
	return h
}

// runHandlers drives the machine through its states in order, stopping at
// the first error, the way the state machine would.
func (h *harness) runHandlers(req RunRequest) (*RunResponse, error) {
	freq := fsm.NewRequest(&req, &RunResponse{})
	handlers := []func(context.Context, *fsm.Request[RunRequest, RunResponse]) (*fsm.Response[RunResponse], error){
		h.machine.handleResolveSource,
		h.machine.handleDownload,
		h.machine.handleVerifySignature,
		h.machine.handleExtract,
		h.machine.handleParseManifest,
		h.machine.handleInstallImage,
		h.machine.handleCreateInstance,
		h.machine.handleConvert,
		h.machine.handleFinalizeManifest,
		h.machine.handleComplete,
	}

	ctx := context.Background()
	for _, handle := range handlers {
		if _, err := handle(ctx, freq); err != nil {
			return freq.W.Msg, err
		}
	}
	return freq.W.Msg, nil
}

func TestPipeline_SuccessEndToEnd(t *testing.T) {
	h := newHarness(t)

	resp, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "7",
	})
	if err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if resp.Status != journal.StateSucceeded {
		t.Errorf("status = %q, want %q", resp.Status, journal.StateSucceeded)
	}

	// The two deliverables survive, named after the derived name-version.
	wantBase := "ubuntu-certified-16.04-20190514.7"
	if filepath.Base(resp.ArtifactPath) != wantBase+imgadm.DiskExt {
		t.Errorf("artifact = %s, want %s", filepath.Base(resp.ArtifactPath), wantBase+imgadm.DiskExt)
	}
	for _, path := range []string{resp.ArtifactPath, resp.DerivedManifestPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("deliverable missing: %v", err)
		}
	}

	// The finalized manifest has the hypervisor constraint stripped and the
	// derived fields in place.
	doc, err := manifest.Load(resp.DerivedManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, hasUUID := doc["uuid"]; hasUUID {
		t.Error("derived manifest still carries the source uuid")
	}
	if got := doc.String("version"); got != "20190514.7" {
		t.Errorf("derived version = %q, want 20190514.7", got)
	}
	if reqs, ok := doc["requirements"].(map[string]any); ok {
		if _, hasBrand := reqs["brand"]; hasBrand {
			t.Error("finalized manifest still carries requirements.brand")
		}
	}

	// Everything else is torn down: instance, image, working area.
	if _, err := os.Stat(h.settings.WorkArea); !os.IsNotExist(err) {
		t.Errorf("working area not removed: %v", err)
	}
	assertEvent(t, h.events, "uninstall image "+testImageUUID)
	assertEvent(t, h.events, "destroy instance "+testInstanceUUID)

	if h.machine.comp.Len() != 0 {
		t.Errorf("compensation stack not drained: %d entries", h.machine.comp.Len())
	}
}

func TestPipeline_TeardownOrderIsReverseOfCreation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "1",
	}); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	// Creation order: work area, image, instance, deliverables. The
	// deliverables entry is popped, so teardown must run instance, image,
	// work area. The work-area removal is untracked by the fakes, so check
	// the relative order of the tracked pair.
	destroyIdx, uninstallIdx := -1, -1
	for i, e := range h.events {
		switch e {
		case "destroy instance " + testInstanceUUID:
			destroyIdx = i
		case "uninstall image " + testImageUUID:
			uninstallIdx = i
		}
	}
	if destroyIdx == -1 || uninstallIdx == -1 {
		t.Fatalf("teardown events missing: %v", h.events)
	}
	if destroyIdx > uninstallIdx {
		t.Errorf("instance destroyed after image uninstalled: %v", h.events)
	}
}

func TestPipeline_FailureDuringConversionRollsBackEverything(t *testing.T) {
	h := newHarness(t)
	h.registry.createErr = fmt.Errorf("conversion tool exited 1")

	_, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "1",
	})
	if err == nil {
		t.Fatal("expected pipeline failure")
	}

	h.machine.Rollback(context.Background(), err)

	assertEvent(t, h.events, "destroy instance "+testInstanceUUID)
	assertEvent(t, h.events, "uninstall image "+testImageUUID)
	if _, statErr := os.Stat(h.settings.WorkArea); !os.IsNotExist(statErr) {
		t.Errorf("working area not removed after rollback: %v", statErr)
	}

	// No deliverables escaped.
	entries, readErr := os.ReadDir(h.settings.OutputDir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Errorf("output directory not empty after failed run: %v", entries)
	}

	if h.machine.run.State != journal.StateFailed {
		t.Errorf("run state = %q, want %q", h.machine.run.State, journal.StateFailed)
	}
	if h.machine.run.ErrorMessage == "" {
		t.Error("run error message not recorded")
	}
}

func TestPipeline_EarlyFailureNeedsNoExternalTeardown(t *testing.T) {
	h := newHarness(t)
	h.transfer.failURL = "https://images.test/images/xenial/ubuntu-certified-16.04-20190514.tgz"

	_, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "1",
	})
	if err == nil {
		t.Fatal("expected download failure")
	}

	h.machine.Rollback(context.Background(), err)

	// Only the working area existed; no image or instance calls happened.
	for _, e := range h.events {
		if e == "install image" || e == "create instance" {
			t.Errorf("unexpected external resource event %q", e)
		}
	}
	if _, statErr := os.Stat(h.settings.WorkArea); !os.IsNotExist(statErr) {
		t.Errorf("working area not removed: %v", statErr)
	}
}

func TestPipeline_DebugRunKeepsResources(t *testing.T) {
	h := newHarness(t)
	h.machine.comp.Disabled = true
	h.registry.createErr = fmt.Errorf("conversion tool exited 1")

	resp, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "1",
	})
	if err == nil {
		t.Fatal("expected pipeline failure")
	}

	h.machine.Rollback(context.Background(), err)

	// Nothing torn down: work area intact, no uninstall/destroy events.
	if _, statErr := os.Stat(resp.WorkArea); statErr != nil {
		t.Errorf("working area removed in debug run: %v", statErr)
	}
	for _, e := range h.events {
		if e == "uninstall image "+testImageUUID || e == "destroy instance "+testInstanceUUID {
			t.Errorf("unexpected teardown event %q in debug run", e)
		}
	}
}

func TestPipeline_ResolveSourceRejectsBadRefs(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		source catalog.SourceRef
	}{
		{"both set", catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514", URL: "https://x/y.tgz"}},
		{"neither set", catalog.SourceRef{}},
		{"malformed identifier", catalog.SourceRef{ImageID: "UbuntuCertified"}},
		{"unsupported release", catalog.SourceRef{ImageID: "ubuntu-certified-12.04-20190514"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freq := fsm.NewRequest(&RunRequest{Source: tt.source}, &RunResponse{})
			if _, err := h.machine.handleResolveSource(context.Background(), freq); err == nil {
				t.Error("expected resolve failure")
			}
		})
	}
}

func TestPipeline_InstanceSpecFromSettings(t *testing.T) {
	h := newHarness(t)

	if _, err := h.runHandlers(RunRequest{
		Source:       catalog.SourceRef{ImageID: "ubuntu-certified-16.04-20190514"},
		MinorVersion: "1",
	}); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	spec := h.instances.spec
	if spec.ImageID != testImageUUID {
		t.Errorf("instance image = %q, want %q", spec.ImageID, testImageUUID)
	}
	if spec.Brand != "bhyve" || spec.RAMMB != 256 || spec.VCPUs != 1 {
		t.Errorf("instance spec = %+v, want settings values", spec)
	}
}

func assertEvent(t *testing.T, events []string, want string) {
	t.Helper()
	for _, e := range events {
		if e == want {
			return
		}
	}
	t.Errorf("event %q not recorded; got %v", want, events)
}
