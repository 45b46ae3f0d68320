package commands

import (
	"os"
	"path/filepath"

	"github.com/smartvm/imgderive/pkg/errors"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(journalPath, fsmDBPath, workDir, outputDir string) error {
	// Create journal directory
	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create journal directory")
	}

	// Create FSM database directory (only needed for convert)
	if fsmDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(fsmDBPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed for convert)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	// Create output directory (only needed for convert)
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}

	return nil
}
