package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/maneesh/labfetch/internal/models"
)

func mergeFixture(t *testing.T) (Layout, *models.Task, []byte) {
	t.Helper()
	dir := t.TempDir()
	layout := NewLayout(dir, filepath.Join(dir, ".progress"))
	if err := layout.Prepare(); err != nil {
		t.Fatal(err)
	}
	data := randomData(2500, 20)
	task := &models.Task{
		MessageID: 1,
		ChatID:    9,
		FileName:  "merged.bin",
		FileSize:  2500,
		Parts: []models.Part{
			{Index: 0, StartOffset: 0, EndOffset: 999, Status: models.PartCompleted},
			{Index: 1, StartOffset: 1000, EndOffset: 1999, Status: models.PartCompleted},
			{Index: 2, StartOffset: 2000, EndOffset: 2499, Status: models.PartCompleted},
		},
	}
	return layout, task, data
}

func TestMergeIsIndexOrdered(t *testing.T) {
	layout, task, data := mergeFixture(t)
	// Completion order on disk is reversed; the result must not depend on it.
	for i := len(task.Parts) - 1; i >= 0; i-- {
		p := task.Parts[i]
		if err := os.WriteFile(layout.PartPath(task.ID(), p.Index), data[p.StartOffset:p.EndOffset+1], 0o644); err != nil {
			t.Fatal(err)
		}
	}
	task.Parts[0], task.Parts[2] = task.Parts[2], task.Parts[0]

	res, err := merge(layout, task, 512)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, _ := os.ReadFile(res.Path)
	if string(got) != string(data) || res.Size != 2500 || len(res.SHA256) != 64 {
		t.Fatalf("unexpected merge result %+v", res)
	}
	for _, p := range task.Parts {
		if _, err := os.Stat(layout.PartPath(task.ID(), p.Index)); !os.IsNotExist(err) {
			t.Fatalf("part %d not removed", p.Index)
		}
	}
}

func TestMergeSizeMismatch(t *testing.T) {
	layout, task, data := mergeFixture(t)
	for _, p := range task.Parts {
		end := p.EndOffset + 1
		if p.Index == 1 {
			end -= 10
		}
		os.WriteFile(layout.PartPath(task.ID(), p.Index), data[p.StartOffset:end], 0o644)
	}

	_, err := merge(layout, task, 512)
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("expected ErrIntegrityMismatch, got %v", err)
	}
	if _, err := os.Stat(layout.FinalPath(task.FileName)); !os.IsNotExist(err) {
		t.Fatal("mismatched final file should be removed")
	}
}

func TestMergeMissingPart(t *testing.T) {
	layout, task, data := mergeFixture(t)
	os.WriteFile(layout.PartPath(task.ID(), 0), data[:1000], 0o644)

	if _, err := merge(layout, task, 512); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing part error, got %v", err)
	}
	if _, err := os.Stat(layout.FinalPath(task.FileName)); !os.IsNotExist(err) {
		t.Fatal("final file should not be created")
	}
}

func TestPartErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("reset")
	var err error = &PartError{Index: 2, Start: 20, End: 29, Err: cause}
	joined := errors.Join(err)
	var pe *PartError
	if !errors.Is(joined, ErrPartStream) || !errors.Is(joined, cause) || !errors.As(joined, &pe) || pe.Index != 2 {
		t.Fatalf("unexpected error chain: %v", joined)
	}
}
