// Package catalog maps OS release identifiers and short image identifiers
// to fully-qualified source locations in the upstream image catalog.
package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors for the input-validation taxonomy.
var (
	ErrUnsupportedVersion = errors.New("unsupported OS version")
	ErrInvalidIdentifier  = errors.New("invalid image identifier")
	ErrMissingSource      = errors.New("no image identifier or source URL supplied")
	ErrConflictingSource  = errors.New("image identifier and source URL are mutually exclusive")
)

// codenameEntry pairs a supported OS release with its catalog codename.
type codenameEntry struct {
	Version  string
	Codename string
}

// codenames is the fixed, ordered table of supported releases. Releases
// before 14.04 are rejected by design, not merely unlisted.
var codenames = []codenameEntry{
	{"14.04", "trusty"},
	{"16.04", "xenial"},
	{"18.04", "bionic"},
	{"19.04", "disco"},
	{"19.10", "eoan"},
	{"20.04", "focal"},
}

// Resolve maps an OS release identifier to its catalog codename.
// Input must exactly match a supported release; there is no partial
// matching and no fallback.
func Resolve(osVersion string) (string, error) {
	for _, e := range codenames {
		if e.Version == osVersion {
			return e.Codename, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, osVersion)
}

// SupportedVersions returns the supported OS releases in catalog order.
func SupportedVersions() []string {
	versions := make([]string, 0, len(codenames))
	for _, e := range codenames {
		versions = append(versions, e.Version)
	}
	return versions
}
