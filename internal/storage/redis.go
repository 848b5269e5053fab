package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/maneesh/labfetch/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	taskKeyPrefix   = "labfetch:task:"
	statusKeyPrefix = "labfetch:status:"
)

var allTaskStatuses = []models.TaskStatus{
	models.TaskPending,
	models.TaskDownloading,
	models.TaskCompleted,
	models.TaskError,
	models.TaskCancelled,
}

// RedisTaskStore keeps task snapshots in Redis with a sorted set per status,
// scored by update time
type RedisTaskStore struct {
	client *redis.Client
}

// NewRedisTaskStore initializes a new Redis client
func NewRedisTaskStore(addr, password string, db int) (*RedisTaskStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisTaskStore{client: client}, nil
}

// Close closes the Redis connection
func (rs *RedisTaskStore) Close() error {
	return rs.client.Close()
}

func taskKey(id models.Identity) string {
	return taskKeyPrefix + id.String()
}

func statusKey(status models.TaskStatus) string {
	return statusKeyPrefix + string(status)
}

// Save writes the snapshot and moves it into its status index in one transaction
func (rs *RedisTaskStore) Save(ctx context.Context, task *models.Task) error {
	ctx, span := tracer.Start(ctx, "redis.save_task",
		trace.WithAttributes(
			attribute.String("task_id", task.ID().String()),
			attribute.String("status", string(task.Status)),
		),
	)
	defer span.End()

	data, err := encodeTask(task)
	if err != nil {
		span.RecordError(err)
		return err
	}

	member := task.ID().String()
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, status := range allTaskStatuses {
			if status != task.Status {
				pipe.ZRem(ctx, statusKey(status), member)
			}
		}
		pipe.Set(ctx, taskKey(task.ID()), data, 0)
		pipe.ZAdd(ctx, statusKey(task.Status), redis.Z{
			Score:  float64(task.UpdatedAt.UnixMilli()),
			Member: member,
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Load returns the snapshot, or nil when none exists
func (rs *RedisTaskStore) Load(ctx context.Context, id models.Identity) (*models.Task, error) {
	ctx, span := tracer.Start(ctx, "redis.load_task",
		trace.WithAttributes(
			attribute.String("task_id", id.String()),
		),
	)
	defer span.End()

	data, err := rs.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return decodeTask(data)
}

// ListByStatus returns snapshots with the given status, most recently updated first
func (rs *RedisTaskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	ctx, span := tracer.Start(ctx, "redis.list_tasks",
		trace.WithAttributes(
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	members, err := rs.client.ZRevRange(ctx, statusKey(status), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read status index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = taskKeyPrefix + m
	}
	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	tasks := make([]*models.Task, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		task, err := decodeTask([]byte(s))
		if err != nil || task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sortByUpdated(tasks)

	span.SetAttributes(attribute.Int("task_count", len(tasks)))
	return tasks, nil
}

// Delete removes the snapshot and its index entry
func (rs *RedisTaskStore) Delete(ctx context.Context, id models.Identity) error {
	ctx, span := tracer.Start(ctx, "redis.delete_task",
		trace.WithAttributes(
			attribute.String("task_id", id.String()),
		),
	)
	defer span.End()

	var del *redis.IntCmd
	member := id.String()
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, taskKey(id))
		for _, status := range allTaskStatuses {
			pipe.ZRem(ctx, statusKey(status), member)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}
