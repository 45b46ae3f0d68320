// Package manifest reads, validates, transforms, and persists image
// metadata documents.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/smartvm/imgderive/pkg/errors"
)

// ErrMalformed reports a manifest that violates the document contract:
// a missing required field or a value that cannot be coerced.
var ErrMalformed = errors.New("malformed manifest")

// Document is a parsed manifest. Field paths use "." to address nested
// objects, e.g. "requirements.brand".
type Document map[string]any

// Parse decodes a JSON manifest.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc, nil
}

// Load reads and decodes a JSON manifest from disk.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read manifest")
	}
	return Parse(data)
}

// Clone returns a deep copy of the document. Transforms always operate on
// copies so the source manifest stays immutable for the rest of the run.
func (d Document) Clone() Document {
	data, err := json.Marshal(d)
	if err != nil {
		// Document came from json.Unmarshal, so it always round-trips.
		panic(fmt.Sprintf("manifest clone: %v", err))
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("manifest clone: %v", err))
	}
	return out
}

// String returns the string value at a top-level field, or "" if the field
// is absent or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// ValidateSource enforces the source-manifest contract: uuid, name and
// version must be present and non-empty.
func ValidateSource(doc Document) error {
	for _, field := range []string{"uuid", "name", "version"} {
		if doc.String(field) == "" {
			return fmt.Errorf("%w: required field %q is missing or empty", ErrMalformed, field)
		}
	}
	return nil
}

// WriteAtomic persists the document as JSON via a temporary file in the
// destination directory followed by a rename.
func WriteAtomic(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, "failed to encode manifest")
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperrors.Wrap(err, "failed to create temp manifest")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperrors.Wrap(err, "failed to write temp manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperrors.Wrap(err, "failed to close temp manifest")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apperrors.Wrap(err, "failed to rename manifest into place")
	}

	slog.Info("manifest_written", "path", path, "bytes", len(data))
	return nil
}

// lookupParent walks all but the last segment of a dotted field path.
// Returns the parent map, the final key, and whether the parent exists.
func lookupParent(doc Document, field string) (map[string]any, string, bool) {
	segments := strings.Split(field, ".")
	current := map[string]any(doc)
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return nil, "", false
		}
		current = next
	}
	return current, segments[len(segments)-1], true
}
