package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maneesh/labfetch/internal/models"
)

// ErrNotFound is returned when deleting a snapshot that does not exist.
var ErrNotFound = errors.New("task snapshot not found")

func encodeTask(task *models.Task) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return data, nil
}

func decodeTask(data []byte) (*models.Task, error) {
	var task models.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// sortByUpdated orders snapshots most recently updated first.
func sortByUpdated(tasks []*models.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
}

// MemoryTaskStore keeps snapshots in process memory
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[models.Identity]*models.Task
}

// NewMemoryTaskStore creates an empty in-memory store
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[models.Identity]*models.Task)}
}

func (s *MemoryTaskStore) Save(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID()] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Load(ctx context.Context, id models.Identity) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return task.Clone(), nil
}

func (s *MemoryTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task.Clone())
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (s *MemoryTaskStore) Delete(ctx context.Context, id models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

// Len returns the number of stored snapshots
func (s *MemoryTaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
