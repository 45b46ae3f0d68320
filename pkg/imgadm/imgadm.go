// Package imgadm adapts the external image registry tool: installing
// source images, removing them, and creating derived images from a
// stopped instance.
package imgadm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/smartvm/imgderive/pkg/errors"
	"github.com/smartvm/imgderive/pkg/manifest"
)

// DiskExt is the derived disk artifact extension produced by the registry tool.
const DiskExt = ".zvol.gz"

// ManifestExt is the derived manifest extension produced by the registry tool.
const ManifestExt = ".imgmanifest"

// CreateRequest describes a derived-image creation.
type CreateRequest struct {
	OutputDir     string
	Compression   string
	PrepareScript string
	Manifest      io.Reader // proto manifest streamed to the tool
	InstanceID    string

	// Name and Version determine the output file names the tool produces.
	Name    string
	Version string
}

// CreateResult names the two deliverables of a derived-image creation.
type CreateResult struct {
	ArtifactPath string
	ManifestPath string
}

// CLI invokes the imgadm tool.
type CLI struct{}

// NewCLI returns an imgadm adapter.
func NewCLI() *CLI {
	return &CLI{}
}

// Install registers the image described by manifestPath with the disk
// payload at diskPath and returns the installed image identifier (the
// manifest uuid, confirmed by the tool's exit status).
func (c *CLI) Install(ctx context.Context, manifestPath, diskPath string) (string, error) {
	doc, err := manifest.Load(manifestPath)
	if err != nil {
		return "", err
	}
	imageID := doc.String("uuid")
	if imageID == "" {
		return "", fmt.Errorf("%w: install manifest has no uuid", manifest.ErrMalformed)
	}

	slog.Info("image_install_start", "image_uuid", imageID, "manifest", manifestPath, "disk", diskPath)

	cmd := exec.CommandContext(ctx, "imgadm", "install", "-m", manifestPath, "-f", diskPath)
	if err := run(cmd); err != nil {
		return "", errors.Wrap(err, "failed to install source image")
	}

	slog.Info("image_installed", "image_uuid", imageID)
	return imageID, nil
}

// Uninstall removes an installed image from the registry.
func (c *CLI) Uninstall(ctx context.Context, imageID string) error {
	slog.Info("image_uninstall", "image_uuid", imageID)

	cmd := exec.CommandContext(ctx, "imgadm", "delete", imageID)
	if err := run(cmd); err != nil {
		return errors.Wrap(err, "failed to uninstall image")
	}
	return nil
}

// Create drives the registry tool to produce a derived image from the
// given instance, writing the compressed disk artifact and its manifest
// into req.OutputDir. The proto manifest is streamed on stdin.
func (c *CLI) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	slog.Info("image_create_start",
		"instance_uuid", req.InstanceID,
		"output_dir", req.OutputDir,
		"compression", req.Compression,
	)

	cmd := exec.CommandContext(ctx, "imgadm", "create",
		"-c", req.Compression,
		"-s", req.PrepareScript,
		"-o", req.OutputDir,
		"-m", "-",
		req.InstanceID,
	)
	cmd.Stdin = req.Manifest
	if err := run(cmd); err != nil {
		return CreateResult{}, errors.Wrap(err, "failed to create derived image")
	}

	base := req.Name + "-" + req.Version
	result := CreateResult{
		ArtifactPath: filepath.Join(req.OutputDir, base+DiskExt),
		ManifestPath: filepath.Join(req.OutputDir, base+ManifestExt),
	}

	for _, path := range []string{result.ArtifactPath, result.ManifestPath} {
		if _, err := os.Stat(path); err != nil {
			return CreateResult{}, errors.Wrap(err, "derived image output missing")
		}
	}

	slog.Info("image_created", "artifact", result.ArtifactPath, "manifest", result.ManifestPath)
	return result, nil
}

// run executes cmd, folding captured stderr into the returned error.
func run(cmd *exec.Cmd) error {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
