package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maneesh/labfetch/internal/models"
)

const (
	snapshotPrefix = "task_"
	snapshotSuffix = ".json"
)

// FileTaskStore keeps one JSON snapshot per task in a directory. Writes go to a
// temporary file that is renamed into place, so a crash never leaves a torn snapshot.
type FileTaskStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileTaskStore creates the directory if needed
func NewFileTaskStore(dir string) (*FileTaskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	return &FileTaskStore{dir: dir}, nil
}

// SnapshotPath returns the snapshot file for an identity
func (s *FileTaskStore) SnapshotPath(id models.Identity) string {
	return filepath.Join(s.dir, snapshotPrefix+id.String()+snapshotSuffix)
}

func (s *FileTaskStore) Save(ctx context.Context, task *models.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.SnapshotPath(task.ID())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *FileTaskStore) Load(ctx context.Context, id models.Identity) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.SnapshotPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decodeTask(data)
}

func (s *FileTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var out []*models.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		task, err := decodeTask(data)
		if err != nil {
			// Unreadable snapshots are rebuilt when their item is next seen.
			continue
		}
		if task.Status == status {
			out = append(out, task)
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (s *FileTaskStore) Delete(ctx context.Context, id models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.SnapshotPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
