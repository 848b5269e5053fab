package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/storage"
)

// TaskStore persists task snapshots keyed by identity.
type TaskStore interface {
	Save(ctx context.Context, task *models.Task) error
	// Load returns nil, nil when no snapshot exists.
	Load(ctx context.Context, id models.Identity) (*models.Task, error)
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	// Delete returns ErrNotFound when no snapshot exists.
	Delete(ctx context.Context, id models.Identity) error
}

// HistoryRecorder is told about every finished download.
type HistoryRecorder interface {
	RecordCompletion(ctx context.Context, c models.Completion) error
}

type nopHistory struct{}

func (nopHistory) RecordCompletion(context.Context, models.Completion) error { return nil }

// resilientStore falls back to an in-memory copy when the primary store fails, so a
// backend outage degrades persistence instead of aborting downloads.
type resilientStore struct {
	primary  TaskStore
	fallback *storage.MemoryTaskStore
	logger   *slog.Logger
}

func newResilientStore(primary TaskStore, logger *slog.Logger) *resilientStore {
	return &resilientStore{primary: primary, fallback: storage.NewMemoryTaskStore(), logger: logger}
}

func (s *resilientStore) Save(ctx context.Context, task *models.Task) error {
	_ = s.fallback.Save(ctx, task)
	if err := s.primary.Save(ctx, task); err != nil {
		s.logger.Error("task store save failed, keeping snapshot in memory", "task", task.ID().String(), "err", err)
	}
	return nil
}

// Load returns the newer of the primary and in-memory snapshots. The memory copy
// can be ahead after the primary missed saves during an outage.
func (s *resilientStore) Load(ctx context.Context, id models.Identity) (*models.Task, error) {
	task, err := s.primary.Load(ctx, id)
	if err != nil {
		s.logger.Error("task store load failed, using memory copy", "task", id.String(), "err", err)
	}
	mem, _ := s.fallback.Load(ctx, id)
	switch {
	case mem == nil && task == nil:
		return nil, err
	case mem == nil:
		return task, nil
	case task == nil || mem.UpdatedAt.After(task.UpdatedAt):
		return mem, nil
	default:
		return task, nil
	}
}

func (s *resilientStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	tasks, err := s.primary.ListByStatus(ctx, status)
	if err != nil {
		s.logger.Error("task store list failed, using memory copies", "status", string(status), "err", err)
		return s.fallback.ListByStatus(ctx, status)
	}
	return tasks, nil
}

func (s *resilientStore) Delete(ctx context.Context, id models.Identity) error {
	memErr := s.fallback.Delete(ctx, id)
	err := s.primary.Delete(ctx, id)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		if memErr == nil {
			return nil
		}
		return ErrNotFound
	}
	s.logger.Error("task store delete failed", "task", id.String(), "err", err)
	return err
}
