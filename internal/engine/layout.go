package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maneesh/labfetch/internal/models"
)

// Layout places final files and part temp files on disk.
type Layout struct {
	DownloadDir string
	ProgressDir string
}

// NewLayout returns a layout rooted at downloadDir with part files in progressDir.
func NewLayout(downloadDir, progressDir string) Layout {
	return Layout{DownloadDir: downloadDir, ProgressDir: progressDir}
}

// Prepare creates both directories.
func (l Layout) Prepare() error {
	for _, dir := range []string{l.DownloadDir, l.ProgressDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// PartPath is the temp file holding part index of the task.
func (l Layout) PartPath(id models.Identity, index int) string {
	return filepath.Join(l.ProgressDir, fmt.Sprintf("task_%s.part%d", id, index))
}

// FinalPath is where the merged file lands.
func (l Layout) FinalPath(name string) string {
	return filepath.Join(l.DownloadDir, filepath.Base(name))
}

// OnDisk returns a function reporting the length of each part file, 0 when absent.
func (l Layout) OnDisk(id models.Identity) func(int) int64 {
	return func(index int) int64 {
		return fileSize(l.PartPath(id, index))
	}
}

// RemoveParts deletes every part file stored for id, whatever the part count.
func (l Layout) RemoveParts(id models.Identity) error {
	matches, err := filepath.Glob(filepath.Join(l.ProgressDir, fmt.Sprintf("task_%s.part*", id)))
	if err != nil {
		return fmt.Errorf("failed to list part files: %w", err)
	}
	var errs []error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
