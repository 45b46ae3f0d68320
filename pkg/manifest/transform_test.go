package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTransform_DeriveOps(t *testing.T) {
	doc := Document{
		"uuid":         "X",
		"name":         "ubuntu-certified-16.04",
		"image_size":   "2048",
		"version":      "20190514",
		"published_at": "2019-05-14T00:00:00Z",
		"files":        []any{map[string]any{"path": "disk0.zvol.gz"}},
	}

	out, err := Transform(doc, DeriveOps("7"))
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}

	if _, ok := out["uuid"]; ok {
		t.Error("uuid should be removed from derived manifest")
	}
	if _, ok := out["published_at"]; ok {
		t.Error("published_at should be removed from derived manifest")
	}
	if size, ok := out["image_size"].(int64); !ok || size != 2048 {
		t.Errorf("image_size = %v (%T), want int64 2048", out["image_size"], out["image_size"])
	}
	if out["version"] != "20190514.7" {
		t.Errorf("version = %v, want 20190514.7", out["version"])
	}
	files, ok := out["files"].([]any)
	if !ok || len(files) != 0 {
		t.Errorf("files = %v, want empty sequence", out["files"])
	}

	// The source document must not be mutated.
	if doc["uuid"] != "X" || doc["version"] != "20190514" {
		t.Error("Transform mutated the input document")
	}
}

func TestCoerceToInteger(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{"numeric string", "2048", 2048, false},
		{"integer", int64(2048), 2048, false},
		{"json number", float64(2048), 2048, false},
		{"non-numeric string", "not-a-number", 0, true},
		{"fractional number", 20.48, 0, true},
		{"wrong type", []any{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Document{"image_size": tt.value}
			out, err := Transform(doc, []FieldOp{CoerceToInteger("image_size")})
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("error = %v, want ErrMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := out["image_size"].(int64); got != tt.want {
				t.Errorf("image_size = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCoerceToInteger_AbsentFieldIsNoOp(t *testing.T) {
	out, err := Transform(Document{"name": "x"}, []FieldOp{CoerceToInteger("image_size")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["image_size"]; ok {
		t.Error("absent field should stay absent")
	}
}

func TestDelete_NestedAndAbsent(t *testing.T) {
	doc := Document{
		"requirements": map[string]any{
			"brand":    "kvm",
			"networks": []any{},
		},
	}

	out, err := Transform(doc, StripBrandOps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := out["requirements"].(map[string]any)
	if _, ok := reqs["brand"]; ok {
		t.Error("requirements.brand should be removed")
	}
	if _, ok := reqs["networks"]; !ok {
		t.Error("sibling fields must survive the brand strip")
	}

	// Absent constraint and absent requirements section are both no-ops.
	if _, err := Transform(Document{"requirements": map[string]any{}}, StripBrandOps()); err != nil {
		t.Errorf("strip on absent brand returned error: %v", err)
	}
	if _, err := Transform(Document{}, StripBrandOps()); err != nil {
		t.Errorf("strip on absent requirements returned error: %v", err)
	}
}

func TestValidateSource(t *testing.T) {
	valid := Document{"uuid": "u", "name": "n", "version": "v"}
	if err := ValidateSource(valid); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	for _, field := range []string{"uuid", "name", "version"} {
		doc := valid.Clone()
		delete(doc, field)
		if err := ValidateSource(doc); !errors.Is(err, ErrMalformed) {
			t.Errorf("missing %s: error = %v, want ErrMalformed", field, err)
		}

		doc = valid.Clone()
		doc[field] = ""
		if err := ValidateSource(doc); !errors.Is(err, ErrMalformed) {
			t.Errorf("empty %s: error = %v, want ErrMalformed", field, err)
		}
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.imgmanifest")

	doc := Document{"name": "derived", "version": "20190514.7"}
	if err := WriteAtomic(path, doc); err != nil {
		t.Fatalf("WriteAtomic returned error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded["name"] != "derived" || loaded["version"] != "20190514.7" {
		t.Errorf("round-trip mismatch: %v", loaded)
	}

	// No temp files may be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the manifest in %s, found %d entries", dir, len(entries))
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("{not json")); !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}
