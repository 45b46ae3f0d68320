// Package vmadm adapts the external VM manager: creating the throwaway
// instance the conversion runs against, and destroying it afterwards.
package vmadm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/smartvm/imgderive/pkg/errors"
)

// InstanceSpec describes the minimal instance the pipeline needs: one
// bootable disk bound to the installed source image, hardware-virtualized
// brand, and guest metadata selecting automated console fix-up and a
// disabled root password.
type InstanceSpec struct {
	ImageID string
	Brand   string
	RAMMB   int
	VCPUs   int
}

type diskPayload struct {
	ImageUUID string `json:"image_uuid"`
	Boot      bool   `json:"boot"`
	Model     string `json:"model"`
}

type createPayload struct {
	UUID             string            `json:"uuid"`
	Alias            string            `json:"alias"`
	Brand            string            `json:"brand"`
	Autoboot         bool              `json:"autoboot"`
	RAM              int               `json:"ram"`
	VCPUs            int               `json:"vcpus"`
	Disks            []diskPayload     `json:"disks"`
	CustomerMetadata map[string]string `json:"customer_metadata"`
}

// CLI invokes the vmadm tool.
type CLI struct{}

// NewCLI returns a vmadm adapter.
func NewCLI() *CLI {
	return &CLI{}
}

// Create requests a fresh instance from the VM manager and returns its
// identifier. The identifier is generated here so concurrent unrelated
// runs cannot collide on it.
func (c *CLI) Create(ctx context.Context, spec InstanceSpec) (string, error) {
	instanceID := uuid.NewString()

	payload := createPayload{
		UUID:     instanceID,
		Alias:    "imgderive-" + instanceID[:8],
		Brand:    spec.Brand,
		Autoboot: false,
		RAM:      spec.RAMMB,
		VCPUs:    spec.VCPUs,
		Disks: []diskPayload{
			{ImageUUID: spec.ImageID, Boot: true, Model: "virtio"},
		},
		CustomerMetadata: map[string]string{
			"fix-console":      "true",
			"root-pw-disabled": "true",
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode instance payload")
	}

	slog.Info("instance_create_start", "instance_uuid", instanceID, "image_uuid", spec.ImageID, "brand", spec.Brand)

	cmd := exec.CommandContext(ctx, "vmadm", "create")
	cmd.Stdin = bytes.NewReader(data)
	if err := run(cmd); err != nil {
		return "", errors.Wrap(err, "failed to create instance")
	}

	slog.Info("instance_created", "instance_uuid", instanceID)
	return instanceID, nil
}

// Destroy removes an instance.
func (c *CLI) Destroy(ctx context.Context, instanceID string) error {
	slog.Info("instance_destroy", "instance_uuid", instanceID)

	cmd := exec.CommandContext(ctx, "vmadm", "delete", instanceID)
	if err := run(cmd); err != nil {
		return errors.Wrap(err, "failed to destroy instance")
	}
	return nil
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
