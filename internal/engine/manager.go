// Package engine runs resumable multi-part downloads: one task at a time from a FIFO
// queue, its parts fetched concurrently over pooled transport sessions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/labfetch/internal/chunker"
	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/progress"
	"github.com/maneesh/labfetch/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const historyTimeout = 5 * time.Second

// Options tunes a Manager.
type Options struct {
	PartSize        int64
	ReadSize        int
	MaxWorkers      int
	MonitorInterval time.Duration
	// NewRenderer builds the progress renderer for a task; nil disables rendering.
	NewRenderer func(fileName string) progress.Renderer
	// Now defaults to time.Now.
	Now func() time.Time
}

// StatusSnapshot describes what the manager is doing.
type StatusSnapshot struct {
	Running    bool            `json:"running"`
	QueueDepth int             `json:"queue_depth"`
	Current    *models.Summary `json:"current,omitempty"`
	Progress   *progress.Stats `json:"progress,omitempty"`
}

// Manager owns the download queue. At most one task runs at a time.
type Manager struct {
	resolver  transport.Resolver
	pool      *transport.Pool
	store     TaskStore
	history   HistoryRecorder
	layout    Layout
	chunker   *chunker.Chunker
	scheduler *Scheduler
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	queue    []*models.Task
	running  bool
	stopping bool
	idle     chan struct{}
	current  *run
	monitor  *progress.Monitor
	cancel   context.CancelFunc
}

// NewManager wires a manager. history may be nil.
func NewManager(resolver transport.Resolver, pool *transport.Pool, store TaskStore, history HistoryRecorder, layout Layout, opts Options, logger *slog.Logger) *Manager {
	if history == nil {
		history = nopHistory{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	idle := make(chan struct{})
	close(idle)
	return &Manager{
		resolver:  resolver,
		pool:      pool,
		store:     newResilientStore(store, logger),
		history:   history,
		layout:    layout,
		chunker:   chunker.NewChunker(opts.PartSize),
		scheduler: NewScheduler(pool, opts.MaxWorkers, opts.ReadSize, logger),
		opts:      opts,
		logger:    logger,
		idle:      idle,
	}
}

func (m *Manager) activeLocked(id models.Identity) bool {
	if m.current != nil && m.current.task.ID() == id {
		return true
	}
	for _, t := range m.queue {
		if t.ID() == id {
			return true
		}
	}
	return false
}

func (m *Manager) isActive(id models.Identity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(id)
}

// Enqueue queues the item for download. It reports false when the item is already
// queued or running, or when its final file is already complete on disk.
func (m *Manager) Enqueue(ctx context.Context, item models.Item) (bool, error) {
	id := item.Identity()
	if m.isActive(id) {
		return false, nil
	}

	task, err := m.store.Load(ctx, id)
	if err != nil {
		m.logger.Warn("discarding unreadable snapshot", "task", id.String(), "err", err)
		task = nil
	}
	if task != nil && task.FileSize != item.Size() {
		m.logger.Warn("source size changed, rebuilding task", "task", id.String(), "was", task.FileSize, "now", item.Size())
		task = nil
	}

	name := item.SuggestedName()
	if task != nil {
		name = task.FileName
	}
	if size := item.Size(); size > 0 && fileSize(m.layout.FinalPath(name)) == size {
		if task != nil {
			if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Warn("failed to delete stale snapshot", "task", id.String(), "err", err)
			}
		}
		m.logger.Info("file already downloaded, skipping", "task", id.String(), "file", name)
		return false, nil
	}

	now := m.opts.Now()
	if task == nil {
		// Leftover part files belong to an unreadable snapshot or an older version of
		// the object and must not be resumed from.
		if err := m.layout.RemoveParts(id); err != nil {
			return false, fmt.Errorf("failed to clear stale parts: %w", err)
		}
		task = &models.Task{
			MessageID: id.MessageID,
			ChatID:    id.ChatID,
			FileName:  name,
			FileSize:  item.Size(),
			Parts:     m.chunker.Split(item.Size()),
			CreatedAt: now,
		}
	}
	task.Item = item
	task.Status = models.TaskPending
	task.ErrorMessage = ""
	for i := range task.Parts {
		if task.Parts[i].Status != models.PartCompleted {
			task.Parts[i].Status = models.PartPending
		}
	}
	task.Recount(m.layout.OnDisk(id))
	task.UpdatedAt = now
	if err := m.store.Save(ctx, task); err != nil {
		return false, fmt.Errorf("failed to save task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return false, ErrStopped
	}
	if m.activeLocked(id) {
		return false, nil
	}
	m.queue = append(m.queue, task)
	if !m.running {
		m.running = true
		m.idle = make(chan struct{})
		go m.drain(m.idle)
	}
	m.logger.Info("task queued", "task", id.String(), "file", task.FileName, "size", task.FileSize, "parts", len(task.Parts))
	return true, nil
}

func (m *Manager) drain(idle chan struct{}) {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.current = nil
			close(idle)
			m.mu.Unlock()
			return
		}
		task := m.queue[0]
		m.queue = m.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		r := &run{
			attempt: uuid.NewString(),
			task:    task,
			layout:  m.layout,
			store:   m.store,
			now:     m.opts.Now,
		}
		r.logger = m.logger.With("task", task.ID().String(), "attempt", r.attempt)
		m.revalidate(r)
		r.tracker = progress.NewTracker(task, m.layout.OnDisk(task.ID()))
		m.current = r
		m.cancel = cancel
		m.mu.Unlock()

		m.process(ctx, r)
		cancel()

		m.mu.Lock()
		m.current = nil
		m.monitor = nil
		m.cancel = nil
		m.mu.Unlock()
	}
}

// process runs one task to a terminal state. Failures are recorded on the task and
// never stop the queue.
func (m *Manager) process(ctx context.Context, r *run) {
	task := r.task
	ctx, span := tracer.Start(ctx, "download_task",
		trace.WithAttributes(
			attribute.String("task_id", task.ID().String()),
			attribute.String("attempt", r.attempt),
			attribute.String("file_name", task.FileName),
			attribute.Int64("file_size", task.FileSize),
			attribute.Int("parts", len(task.Parts)),
		),
	)
	defer span.End()

	started := m.opts.Now()

	if err := m.layout.Prepare(); err != nil {
		span.RecordError(err)
		m.fail(ctx, r, err)
		return
	}
	if err := m.pool.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			m.finishCancelled(ctx, r)
			return
		}
		span.RecordError(err)
		m.fail(ctx, r, fmt.Errorf("failed to prepare sessions: %w", err))
		return
	}

	r.setTaskStatus(ctx, models.TaskDownloading, "")
	r.logger.Info("download started", "file", task.FileName, "size", task.FileSize, "parts", len(task.Parts))

	var renderer progress.Renderer
	if m.opts.NewRenderer != nil {
		renderer = m.opts.NewRenderer(task.FileName)
	}
	monitor := progress.NewMonitor(r.tracker, renderer, m.opts.MonitorInterval, m.opts.Now)
	m.mu.Lock()
	m.monitor = monitor
	m.mu.Unlock()
	monitor.Start()

	done := make(chan error, 1)
	go func() {
		done <- m.scheduler.Run(ctx, r)
	}()

	var runErr error
	select {
	case runErr = <-done:
		monitor.Stop()
	case <-ctx.Done():
		monitor.Stop()
		m.pool.HardReset()
		runErr = <-done
	}

	r.persist(ctx)
	r.mu.Lock()
	complete := task.AllCompleted()
	r.mu.Unlock()

	switch {
	case complete:
		m.finalize(ctx, r, started)
	case ctx.Err() != nil:
		m.finishCancelled(ctx, r)
	default:
		if runErr == nil {
			runErr = errors.New("parts left incomplete")
		}
		span.RecordError(runErr)
		m.fail(ctx, r, runErr)
	}
}

// revalidate demotes completed parts whose temp file no longer holds the full span
// and resets parts left mid-flight by an earlier run.
func (m *Manager) revalidate(r *run) {
	task := r.task
	onDisk := m.layout.OnDisk(task.ID())
	for i, p := range task.Parts {
		switch p.Status {
		case models.PartCompleted:
			have := onDisk(p.Index)
			if (p.Open() && have == 0) || (!p.Open() && have != p.Size()) {
				r.logger.Warn("completed part missing on disk, downloading again", "part", p.Index, "have", have, "want", p.Size())
				task.Parts[i].Status = models.PartPending
			}
		case models.PartPending:
		default:
			task.Parts[i].Status = models.PartPending
		}
	}
}

func (m *Manager) finalize(ctx context.Context, r *run, started time.Time) {
	task := r.task
	_, span := tracer.Start(ctx, "merge",
		trace.WithAttributes(
			attribute.String("task_id", task.ID().String()),
			attribute.Int("parts", len(task.Parts)),
		),
	)
	res, err := merge(m.layout, task, m.opts.ReadSize)
	if err != nil {
		span.RecordError(err)
		span.End()
		m.fail(ctx, r, err)
		return
	}
	span.SetAttributes(attribute.Int64("size_bytes", res.Size))
	span.End()

	r.mu.Lock()
	if task.FileSize == 0 {
		task.FileSize = res.Size
	}
	task.DownloadedBytes = res.Size
	task.Status = models.TaskCompleted
	task.ErrorMessage = ""
	task.UpdatedAt = m.opts.Now()
	r.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	if err := m.store.Save(bg, task); err != nil {
		r.logger.Error("failed to save completed task", "err", err)
	}
	if err := m.store.Delete(bg, task.ID()); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("failed to delete snapshot", "err", err)
	}

	elapsed := m.opts.Now().Sub(started)
	r.logger.Info("download completed", "file", res.Path, "size", res.Size, "duration", elapsed, "sha256", res.SHA256)

	hctx, cancel := context.WithTimeout(bg, historyTimeout)
	defer cancel()
	err = m.history.RecordCompletion(hctx, models.Completion{
		FileName:    task.FileName,
		Size:        res.Size,
		Duration:    elapsed,
		SHA256:      res.SHA256,
		CompletedAt: m.opts.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to record history", "err", err)
	}
}

func (m *Manager) finishCancelled(ctx context.Context, r *run) {
	if r.tracker != nil {
		for i := 0; i < r.tracker.Len(); i++ {
			if r.tracker.Status(i) != models.PartCompleted {
				r.tracker.SetStatus(i, models.PartPending)
			}
		}
	}
	m.mu.Lock()
	status := models.TaskCancelled
	if m.stopping {
		status = models.TaskPending
	}
	m.mu.Unlock()
	r.setTaskStatus(ctx, status, "")
	r.logger.Info("download interrupted", "file", r.task.FileName, "status", status, "downloaded", r.task.DownloadedBytes)
}

func (m *Manager) fail(ctx context.Context, r *run, err error) {
	r.setTaskStatus(ctx, models.TaskError, err.Error())
	r.logger.Error("download failed", "file", r.task.FileName, "err", err)
}

// CancelCurrent aborts the running task. It reports false when nothing is running.
func (m *Manager) CancelCurrent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.cancel == nil {
		return false
	}
	m.logger.Info("cancelling current task", "task", m.current.task.ID().String())
	m.cancel()
	return true
}

// ListCancelled returns cancelled tasks, most recently updated first.
func (m *Manager) ListCancelled(ctx context.Context) ([]models.Summary, error) {
	tasks, err := m.store.ListByStatus(ctx, models.TaskCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list cancelled tasks: %w", err)
	}
	out := make([]models.Summary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, models.Summarize(t))
	}
	return out, nil
}

// Resume re-resolves a stored task's source and queues it again. Resuming a task
// that is already queued or running is a no-op.
func (m *Manager) Resume(ctx context.Context, id models.Identity) error {
	if m.isActive(id) {
		return nil
	}
	task, err := m.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	item, err := m.resolver.Resolve(ctx, id)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrSourceUnreachable)
		}
		return fmt.Errorf("failed to resolve %s: %w", id, err)
	}
	if _, err := m.Enqueue(ctx, item); err != nil {
		return err
	}
	return nil
}

// Delete removes a stored task and its part files.
func (m *Manager) Delete(ctx context.Context, id models.Identity) error {
	if m.isActive(id) {
		return fmt.Errorf("%s: %w", id, ErrBusy)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if err := m.layout.RemoveParts(id); err != nil {
		m.logger.Warn("failed to remove part files", "task", id.String(), "err", err)
	}
	m.logger.Info("task deleted", "task", id.String())
	return nil
}

// Status reports the running task, its progress and the queue depth.
func (m *Manager) Status() StatusSnapshot {
	m.mu.Lock()
	s := StatusSnapshot{Running: m.running, QueueDepth: len(m.queue)}
	current, monitor := m.current, m.monitor
	m.mu.Unlock()

	if current != nil && current.tracker != nil {
		summary := current.summary()
		s.Current = &summary
	}
	if monitor != nil {
		stats := monitor.Latest()
		s.Progress = &stats
	}
	return s
}

// Recover queues stored tasks left pending or downloading by an earlier process,
// oldest first. Tasks whose source cannot be resolved are skipped. It returns the
// number queued.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	var tasks []*models.Task
	for _, status := range []models.TaskStatus{models.TaskDownloading, models.TaskPending} {
		listed, err := m.store.ListByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		tasks = append(tasks, listed...)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	queued := 0
	for _, t := range tasks {
		item, err := m.resolver.Resolve(ctx, t.ID())
		if err != nil {
			m.logger.Warn("skipping unrecoverable task", "task", t.ID().String(), "err", err)
			continue
		}
		ok, err := m.Enqueue(ctx, item)
		if err != nil {
			m.logger.Warn("failed to requeue task", "task", t.ID().String(), "err", err)
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

// Shutdown stops the queue and interrupts the running task. Interrupted and queued
// tasks stay pending so Recover picks them up on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopping = true
	m.queue = nil
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.Wait()
}

// Wait blocks until the queue is empty and no task is running.
func (m *Manager) Wait() {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	<-idle
}
