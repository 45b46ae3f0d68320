package catalog

import (
	"errors"
	"testing"
)

func TestResolve_SupportedVersions(t *testing.T) {
	tests := []struct {
		version  string
		codename string
	}{
		{"14.04", "trusty"},
		{"16.04", "xenial"},
		{"18.04", "bionic"},
		{"19.04", "disco"},
		{"19.10", "eoan"},
		{"20.04", "focal"},
	}

	for _, tt := range tests {
		codename, err := Resolve(tt.version)
		if err != nil {
			t.Errorf("Resolve(%q) returned error: %v", tt.version, err)
			continue
		}
		if codename != tt.codename {
			t.Errorf("Resolve(%q) = %q, want %q", tt.version, codename, tt.codename)
		}
	}
}

func TestResolve_UnsupportedVersions(t *testing.T) {
	for _, version := range []string{"12.04", "13.10", "15.04", "18.10", "21.04", "xenial", "", "16", "16.04.1"} {
		_, err := Resolve(version)
		if err == nil {
			t.Errorf("Resolve(%q) succeeded, want error", version)
			continue
		}
		if !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnsupportedVersion", version, err)
		}
	}
}

func TestSupportedVersions_Ordered(t *testing.T) {
	versions := SupportedVersions()
	if len(versions) != 6 {
		t.Fatalf("expected 6 supported versions, got %d", len(versions))
	}
	if versions[0] != "14.04" || versions[len(versions)-1] != "20.04" {
		t.Errorf("unexpected version ordering: %v", versions)
	}
}
