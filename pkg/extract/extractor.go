package extract

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/smartvm/imgderive/pkg/errors"
)

// Archive unpacks a gzip-compressed tar artifact into destDir, enforcing
// the given limits. Member metadata beyond file mode is not preserved.
func Archive(archivePath, destDir string, limits *Limits) error {
	limits.reset()

	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "failed to read gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	members := 0

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "failed to read archive")
		}

		if err := limits.checkPath(header.Name); err != nil {
			return err
		}
		target := filepath.Join(destDir, header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrap(err, "failed to create directory")
			}

		case tar.TypeReg:
			if err := limits.checkFileSize(header.Size); err != nil {
				return err
			}
			if err := limits.addExtracted(header.Size); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrap(err, "failed to create parent directory")
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return errors.Wrap(err, "failed to create file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrap(err, "failed to write file")
			}
			if err := out.Close(); err != nil {
				return errors.Wrap(err, "failed to close file")
			}
			members++

		case tar.TypeSymlink:
			if err := limits.checkSymlink(header.Name, header.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return errors.Wrap(err, "failed to create symlink")
			}
		}
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to stat archive")
	}
	if err := limits.checkRatio(fi.Size()); err != nil {
		return err
	}

	slog.Info("extraction_complete", "archive", archivePath, "dest", destDir, "files", members)
	return nil
}

// Contents names the two files every source artifact must carry.
type Contents struct {
	ManifestPath string
	DiskPath     string
}

// FindContents locates the source manifest and disk payload in an
// extracted artifact directory. The manifest is a *.imgmanifest (fallback
// manifest.json); the disk is a *.zvol.gz, falling back to the largest
// remaining regular file. Either one missing is a terminal error.
func FindContents(dir string) (Contents, error) {
	var c Contents
	var largest string
	var largestSize int64

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		name := info.Name()
		switch {
		case strings.HasSuffix(name, ".imgmanifest"):
			c.ManifestPath = path
		case name == "manifest.json" && c.ManifestPath == "":
			c.ManifestPath = path
		case strings.HasSuffix(name, ".zvol.gz"):
			c.DiskPath = path
		default:
			if info.Size() > largestSize {
				largest, largestSize = path, info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return Contents{}, errors.Wrap(err, "failed to scan extracted artifact")
	}

	if c.DiskPath == "" {
		c.DiskPath = largest
	}
	if c.ManifestPath == "" {
		return Contents{}, fmt.Errorf("extracted artifact has no manifest in %s", dir)
	}
	if c.DiskPath == "" {
		return Contents{}, fmt.Errorf("extracted artifact has no disk payload in %s", dir)
	}
	return c, nil
}
