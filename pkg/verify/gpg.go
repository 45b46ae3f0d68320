// Package verify checks detached signatures on downloaded artifacts
// against a fixed trust-anchor keyring, via the external gpg tool.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/smartvm/imgderive/pkg/errors"
)

// Verifier validates detached signatures with a pinned keyring.
type Verifier struct {
	keyringPath string
}

// NewVerifier creates a Verifier bound to the trust-anchor keyring.
func NewVerifier(keyringPath string) *Verifier {
	return &Verifier{keyringPath: keyringPath}
}

// Detached verifies sigPath as a detached signature over filePath. Any
// verification failure is terminal for the run.
func (v *Verifier) Detached(ctx context.Context, sigPath, filePath string) error {
	slog.Info("signature_verify_start", "file", filePath, "signature", sigPath, "keyring", v.keyringPath)

	cmd := exec.CommandContext(ctx, "gpg",
		"--batch",
		"--no-default-keyring",
		"--keyring", v.keyringPath,
		"--verify", sigPath, filePath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		slog.Error("signature_verify_failed", "file", filePath, "error", err)
		return errors.Wrap(err, "signature verification failed")
	}

	slog.Info("signature_verify_ok", "file", filePath)
	return nil
}
