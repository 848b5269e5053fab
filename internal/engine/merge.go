package engine

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/maneesh/labfetch/internal/chunker"
	"github.com/maneesh/labfetch/internal/models"
)

type mergeResult struct {
	Path   string
	Size   int64
	SHA256 string
}

// merge concatenates the part files of task in index order into the final file,
// removing each part file once it has been copied.
func merge(layout Layout, task *models.Task, bufSize int) (mergeResult, error) {
	parts := make([]models.Part, len(task.Parts))
	copy(parts, task.Parts)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

	id := task.ID()
	for _, p := range parts {
		if _, err := os.Stat(layout.PartPath(id, p.Index)); err != nil {
			return mergeResult{}, fmt.Errorf("part %d missing: %w", p.Index, err)
		}
	}

	final := layout.FinalPath(task.FileName)
	out, err := os.OpenFile(final, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return mergeResult{}, fmt.Errorf("failed to create final file: %w", err)
	}

	h := chunker.NewHash()
	w := io.MultiWriter(out, h)
	buf := make([]byte, max(bufSize, 32*1024))

	var total int64
	for _, p := range parts {
		n, err := copyPart(w, layout.PartPath(id, p.Index), buf)
		total += n
		if err != nil {
			out.Close()
			return mergeResult{}, fmt.Errorf("failed to merge part %d: %w", p.Index, err)
		}
	}
	if err := out.Close(); err != nil {
		return mergeResult{}, fmt.Errorf("failed to close final file: %w", err)
	}

	if task.FileSize > 0 && total != task.FileSize {
		os.Remove(final)
		return mergeResult{}, fmt.Errorf("%s has %d bytes, expected %d: %w", final, total, task.FileSize, ErrIntegrityMismatch)
	}

	return mergeResult{Path: final, Size: total, SHA256: chunker.HashString(h)}, nil
}

func copyPart(w io.Writer, path string, buf []byte) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(w, in, buf)
	in.Close()
	if err != nil {
		return n, err
	}
	return n, os.Remove(path)
}
