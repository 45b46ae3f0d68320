package manifest

import (
	"fmt"
	"math"
	"strconv"
)

// FieldOp is a single declarative field rewrite applied to a Document.
type FieldOp struct {
	Name  string
	apply func(Document) error
}

// Transform applies ops in order to a copy of doc. The input document is
// never mutated. The first failing op aborts the transform.
func Transform(doc Document, ops []FieldOp) (Document, error) {
	out := doc.Clone()
	for _, op := range ops {
		if err := op.apply(out); err != nil {
			return nil, fmt.Errorf("transform %s: %w", op.Name, err)
		}
	}
	return out, nil
}

// Delete removes a field. Absent fields (including absent parents of a
// nested path) are a no-op.
func Delete(field string) FieldOp {
	return FieldOp{
		Name: "delete " + field,
		apply: func(doc Document) error {
			parent, key, ok := lookupParent(doc, field)
			if !ok {
				return nil
			}
			delete(parent, key)
			return nil
		},
	}
}

// SetLiteral sets a field to a fixed value, creating nothing: an absent
// parent of a nested path is an error.
func SetLiteral(field string, value any) FieldOp {
	return FieldOp{
		Name: "set " + field,
		apply: func(doc Document) error {
			parent, key, ok := lookupParent(doc, field)
			if !ok {
				return fmt.Errorf("%w: parent of field %q does not exist", ErrMalformed, field)
			}
			parent[key] = value
			return nil
		},
	}
}

// SetComputed sets a field to a value computed from the document as it
// stands when the op runs.
func SetComputed(field string, fn func(Document) (any, error)) FieldOp {
	return FieldOp{
		Name: "compute " + field,
		apply: func(doc Document) error {
			parent, key, ok := lookupParent(doc, field)
			if !ok {
				return fmt.Errorf("%w: parent of field %q does not exist", ErrMalformed, field)
			}
			value, err := fn(doc)
			if err != nil {
				return err
			}
			parent[key] = value
			return nil
		},
	}
}

// CoerceToInteger rewrites a numeric or numeric-string field to an integer.
// Absent fields are a no-op; anything non-numeric is terminal.
func CoerceToInteger(field string) FieldOp {
	return FieldOp{
		Name: "coerce " + field,
		apply: func(doc Document) error {
			parent, key, ok := lookupParent(doc, field)
			if !ok {
				return nil
			}
			value, present := parent[key]
			if !present {
				return nil
			}
			n, err := toInteger(value)
			if err != nil {
				return err
			}
			parent[key] = n
			return nil
		},
	}
}

func toInteger(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrMalformed, v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrMalformed, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: cannot coerce %T to integer", ErrMalformed, value)
	}
}

// NormalizeOps is the pre-install normalization sequence: upstream source
// manifests sometimes encode image_size as a string.
func NormalizeOps() []FieldOp {
	return []FieldOp{
		CoerceToInteger("image_size"),
	}
}

// DeriveOps is the new-manifest derivation sequence. The derived manifest
// drops the source identity, starts with no files, and carries
// <source version>.<minor> as its version.
func DeriveOps(minorVersion string) []FieldOp {
	return []FieldOp{
		Delete("uuid"),
		SetLiteral("files", []any{}),
		Delete("published_at"),
		CoerceToInteger("image_size"),
		SetComputed("version", func(doc Document) (any, error) {
			source := doc.String("version")
			if source == "" {
				return nil, fmt.Errorf("%w: source manifest has no version", ErrMalformed)
			}
			return source + "." + minorVersion, nil
		}),
	}
}

// StripBrandOps removes the hypervisor brand constraint from a freshly
// produced manifest so the image is usable under either brand. A no-op
// when the constraint is absent.
func StripBrandOps() []FieldOp {
	return []FieldOp{
		Delete("requirements.brand"),
	}
}
