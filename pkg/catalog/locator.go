package catalog

import (
	"fmt"
	"log/slog"
	"regexp"
)

// ArchiveExt is the file extension of catalog source artifacts.
const ArchiveExt = ".tgz"

// SignatureExt is appended to the artifact URL to locate its detached signature.
const SignatureExt = ".asc"

// identifierPattern is the required shape of a short image identifier:
// <prefix>-<two-digit>.<two-digit>-<suffix>, e.g. ubuntu-certified-18.04-20190514.
var identifierPattern = regexp.MustCompile(`^([a-z][a-z0-9-]*)-(\d{2}\.\d{2})-([A-Za-z0-9._-]+)$`)

// SourceRef selects the source artifact for a run. Exactly one of ImageID
// (short identifier) or URL (direct location) must be set.
type SourceRef struct {
	ImageID string
	URL     string
}

// Locator composes fully-qualified source locations from short identifiers.
type Locator struct {
	baseURL string
}

// NewLocator creates a Locator rooted at the given catalog base URL.
func NewLocator(baseURL string) *Locator {
	return &Locator{baseURL: baseURL}
}

// Locate produces the fully-qualified source location for ref.
//
// Direct URLs pass through unchanged; the caller is trusted. Short
// identifiers are validated against the required shape, the embedded OS
// release is resolved to its catalog codename, and the final location is
// <base>/<codename>/<identifier>.tgz.
func (l *Locator) Locate(ref SourceRef) (string, error) {
	switch {
	case ref.ImageID != "" && ref.URL != "":
		return "", ErrConflictingSource
	case ref.ImageID == "" && ref.URL == "":
		return "", ErrMissingSource
	case ref.URL != "":
		slog.Info("source_located", "url", ref.URL, "kind", "direct")
		return ref.URL, nil
	}

	m := identifierPattern.FindStringSubmatch(ref.ImageID)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, ref.ImageID)
	}

	codename, err := Resolve(m[2])
	if err != nil {
		return "", fmt.Errorf("failed to resolve source location for %q: %w", ref.ImageID, err)
	}

	url := fmt.Sprintf("%s/%s/%s%s", l.baseURL, codename, ref.ImageID, ArchiveExt)
	slog.Info("source_located", "url", url, "kind", "identifier", "codename", codename)
	return url, nil
}
