package extract

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func testLimits() *Limits {
	return NewLimits(10*1024*1024, 100*1024*1024, 1000.0)
}

// writeArchive builds a small .tgz at path from name -> content pairs.
func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestArchive_Extracts(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tgz")
	writeArchive(t, archive, map[string]string{
		"img/manifest.json": `{"uuid":"u"}`,
		"img/disk0.zvol.gz": "not-really-a-zvol",
	})

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Archive(archive, dest, testLimits()); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "img", "manifest.json"))
	if err != nil {
		t.Fatalf("extracted manifest missing: %v", err)
	}
	if string(data) != `{"uuid":"u"}` {
		t.Errorf("extracted content mismatch: %s", data)
	}
}

func TestArchive_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tgz")
	writeArchive(t, archive, map[string]string{
		"../outside.txt": "escape",
	})

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Archive(archive, dest, testLimits()); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestArchive_RejectsOversizedMember(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "big.tgz")
	writeArchive(t, archive, map[string]string{
		"big.bin": string(make([]byte, 2048)),
	})

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	limits := NewLimits(1024, 100*1024*1024, 1000.0)
	if err := Archive(archive, dest, limits); err == nil {
		t.Fatal("expected per-file size error")
	}
}

func TestFindContents(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "img")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	mustWrite := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(sub, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mustWrite("source.imgmanifest", "{}")
	mustWrite("disk0.zvol.gz", "payload")

	c, err := FindContents(dir)
	if err != nil {
		t.Fatalf("FindContents returned error: %v", err)
	}
	if filepath.Base(c.ManifestPath) != "source.imgmanifest" {
		t.Errorf("manifest = %s", c.ManifestPath)
	}
	if filepath.Base(c.DiskPath) != "disk0.zvol.gz" {
		t.Errorf("disk = %s", c.DiskPath)
	}
}

func TestFindContents_FallbacksAndErrors(t *testing.T) {
	// manifest.json + largest-file fallback.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "payload.raw"), make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := FindContents(dir)
	if err != nil {
		t.Fatalf("FindContents returned error: %v", err)
	}
	if filepath.Base(c.DiskPath) != "payload.raw" {
		t.Errorf("disk fallback = %s, want payload.raw", c.DiskPath)
	}

	// No manifest at all.
	empty := t.TempDir()
	if err := os.WriteFile(filepath.Join(empty, "disk0.zvol.gz"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := FindContents(empty); err == nil {
		t.Error("expected error for missing manifest")
	}
}
