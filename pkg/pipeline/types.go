package pipeline

import (
	"context"

	"github.com/smartvm/imgderive/pkg/catalog"
	"github.com/smartvm/imgderive/pkg/imgadm"
	"github.com/smartvm/imgderive/pkg/transfer"
	"github.com/smartvm/imgderive/pkg/vmadm"
)

// RunRequest is the pipeline input.
type RunRequest struct {
	Source       catalog.SourceRef
	MinorVersion string
}

// RunResponse is the pipeline output, accumulated across states.
type RunResponse struct {
	// From resolve_source
	SourceURL string

	// From download
	WorkArea      string
	ArchivePath   string
	SignaturePath string

	// From extract / parse_manifest
	ExtractDir         string
	SourceManifestPath string
	SourceDiskPath     string
	SourceName         string
	SourceVersion      string

	// From install_image / create_instance
	ImageID    string
	InstanceID string

	// From convert_image / finalize_manifest
	ArtifactPath        string
	DerivedManifestPath string

	// From complete
	Status string
}

// State names.
const (
	StateResolveSource    = "resolve_source"
	StateDownload         = "download"
	StateVerifySignature  = "verify_signature"
	StateExtract          = "extract"
	StateParseManifest    = "parse_manifest"
	StateInstallImage     = "install_image"
	StateCreateInstance   = "create_instance"
	StateConvert          = "convert_image"
	StateFinalizeManifest = "finalize_manifest"
	StateComplete         = "complete"
	StateFailed           = "failed"
)

// Transferrer fetches a remote artifact to a local path.
type Transferrer interface {
	Fetch(ctx context.Context, rawURL, localPath string) (*transfer.Result, error)
}

// SignatureVerifier checks a detached signature against the trust anchor.
type SignatureVerifier interface {
	Detached(ctx context.Context, sigPath, filePath string) error
}

// ImageRegistry installs, removes, and derives images.
type ImageRegistry interface {
	Install(ctx context.Context, manifestPath, diskPath string) (string, error)
	Uninstall(ctx context.Context, imageID string) error
	Create(ctx context.Context, req imgadm.CreateRequest) (imgadm.CreateResult, error)
}

// InstanceManager creates and destroys the throwaway conversion instance.
type InstanceManager interface {
	Create(ctx context.Context, spec vmadm.InstanceSpec) (string, error)
	Destroy(ctx context.Context, instanceID string) error
}

// Settings is the per-run configuration handed to the Machine, built once
// from parsed input and never mutated.
type Settings struct {
	WorkArea      string // per-run working directory, created by the download state
	OutputDir     string
	PrepareScript string
	Compression   string
	InstanceBrand string
	InstanceRAMMB int
	InstanceVCPUs int

	// KeepResources suppresses all compensation execution (debug runs).
	KeepResources bool
}
