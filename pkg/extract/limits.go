// Package extract unpacks verified source artifacts (gzip-compressed tar)
// into a run's working area, enforcing extraction security limits.
package extract

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Limits guards a single extraction against hostile archives: path
// traversal, symlink escapes, oversized members, and compression bombs.
type Limits struct {
	maxFileSize  int64
	maxTotalSize int64
	maxRatio     float64

	mu        sync.Mutex
	extracted int64
}

// NewLimits creates extraction limits.
func NewLimits(maxFileSize, maxTotalSize int64, maxRatio float64) *Limits {
	return &Limits{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
		maxRatio:     maxRatio,
	}
}

// checkPath rejects absolute archive member paths and paths escaping the
// destination directory.
func (l *Limits) checkPath(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute path not allowed in archive: %s", name)
	}
	if clean := filepath.Clean(name); strings.HasPrefix(clean, "..") {
		return fmt.Errorf("path traversal in archive: %s", name)
	}
	return nil
}

// checkSymlink validates a symlink target in the context of the link's
// location. Absolute targets are allowed (image-root relative); relative
// targets must not resolve above the extraction root.
func (l *Limits) checkSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
		if depth < 0 {
			return fmt.Errorf("symlink escapes archive root: %s -> %s", linkPath, target)
		}
	}
	return nil
}

// checkFileSize rejects a member larger than the per-file limit.
func (l *Limits) checkFileSize(size int64) error {
	if size > l.maxFileSize {
		return fmt.Errorf("archive member size %d exceeds limit %d", size, l.maxFileSize)
	}
	return nil
}

// addExtracted accounts a member against the total-size limit.
func (l *Limits) addExtracted(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extracted += size
	if l.extracted > l.maxTotalSize {
		return fmt.Errorf("total extracted size %d exceeds limit %d", l.extracted, l.maxTotalSize)
	}
	return nil
}

// checkRatio rejects compression-bomb archives after extraction.
func (l *Limits) checkRatio(compressed int64) error {
	if compressed <= 0 {
		return fmt.Errorf("invalid compressed size %d", compressed)
	}

	l.mu.Lock()
	extracted := l.extracted
	l.mu.Unlock()

	ratio := float64(extracted) / float64(compressed)
	if ratio > l.maxRatio {
		return fmt.Errorf("compression ratio %.2f exceeds limit %.2f (compressed %d, extracted %d)",
			ratio, l.maxRatio, compressed, extracted)
	}
	slog.Info("extraction_ratio_ok", "ratio", fmt.Sprintf("%.2f", ratio), "extracted_bytes", extracted)
	return nil
}

// reset clears the accounting for a fresh extraction.
func (l *Limits) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extracted = 0
}
