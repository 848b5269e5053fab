package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/progress"
	"github.com/maneesh/labfetch/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labfetch-engine")

// run is the state shared by the workers of one task attempt.
type run struct {
	attempt string
	task    *models.Task
	tracker *progress.Tracker
	layout  Layout
	store   TaskStore
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex
}

// setStatus records a part transition and persists the snapshot.
func (r *run) setStatus(ctx context.Context, index int, status models.PartStatus) {
	r.tracker.SetStatus(index, status)
	r.persist(ctx)
}

// persist copies tracker statuses into the task, recounts the bytes on disk and saves.
func (r *run) persist(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.task.Parts {
		r.task.Parts[i].Status = r.tracker.Status(i)
	}
	r.task.Recount(r.layout.OnDisk(r.task.ID()))
	r.task.UpdatedAt = r.now()
	if err := r.store.Save(context.WithoutCancel(ctx), r.task); err != nil {
		r.logger.Error("failed to save snapshot", "err", err)
	}
}

// setTaskStatus changes the task status and persists.
func (r *run) setTaskStatus(ctx context.Context, status models.TaskStatus, msg string) {
	r.mu.Lock()
	r.task.Status = status
	r.task.ErrorMessage = msg
	r.mu.Unlock()
	r.persist(ctx)
}

func (r *run) summary() models.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := models.Summarize(r.task)
	if r.task.FileSize > 0 {
		s.Percent = float64(r.tracker.Done()) * 100 / float64(r.task.FileSize)
	}
	return s
}

type bufferPool struct {
	pool sync.Pool
	size int
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = 1024 * 1024
	}
	return &bufferPool{
		size: size,
		pool: sync.Pool{New: func() interface{} { return make([]byte, size) }},
	}
}

func (b *bufferPool) Get() []byte { return b.pool.Get().([]byte)[:b.size] }

func (b *bufferPool) Put(buf []byte) {
	if cap(buf) >= b.size {
		b.pool.Put(buf[:cap(buf)])
	}
}

// Scheduler downloads the parts of a task concurrently. At most maxWorkers parts
// stream at once, each over a session borrowed from the pool.
type Scheduler struct {
	pool       *transport.Pool
	maxWorkers int
	buffers    *bufferPool
	logger     *slog.Logger
}

// NewScheduler creates a scheduler reading readSize bytes per call.
func NewScheduler(pool *transport.Pool, maxWorkers, readSize int, logger *slog.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Scheduler{
		pool:       pool,
		maxWorkers: maxWorkers,
		buffers:    newBufferPool(readSize),
		logger:     logger,
	}
}

// Run dispatches every part that is not completed and waits for all of them. The
// returned error joins every part failure.
func (s *Scheduler) Run(ctx context.Context, r *run) error {
	sem := make(chan struct{}, s.maxWorkers)
	parts := make([]models.Part, len(r.task.Parts))
	r.mu.Lock()
	copy(parts, r.task.Parts)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errChan := make(chan error, len(parts))
	for _, p := range parts {
		if r.tracker.Status(p.Index) == models.PartCompleted {
			continue
		}
		wg.Add(1)
		go func(p models.Part) {
			defer wg.Done()
			if err := s.downloadPart(ctx, r, sem, p); err != nil {
				errChan <- err
			}
		}(p)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) downloadPart(ctx context.Context, r *run, sem chan struct{}, p models.Part) error {
	ctx, span := tracer.Start(ctx, "download_part",
		trace.WithAttributes(
			attribute.String("task_id", r.task.ID().String()),
			attribute.Int("part", p.Index),
			attribute.Int64("start", p.StartOffset),
			attribute.Int64("end", p.EndOffset),
		),
	)
	defer span.End()

	r.setStatus(ctx, p.Index, models.PartWaiting)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return s.cancelled(ctx, r, p)
	}
	defer func() { <-sem }()

	session, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, r, p)
		}
		return s.failed(ctx, r, p, span, fmt.Errorf("failed to acquire session: %w", err))
	}
	defer s.pool.Release(session)

	r.setStatus(ctx, p.Index, models.PartDownloading)

	err = s.stream(ctx, r, session, p)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, r, p)
		}
		return s.failed(ctx, r, p, span, err)
	}

	r.setStatus(ctx, p.Index, models.PartCompleted)
	span.SetAttributes(attribute.Bool("download_success", true))
	return nil
}

// stream appends the missing bytes of p to its temp file. The file holds exactly
// the part span when it returns nil.
func (s *Scheduler) stream(ctx context.Context, r *run, session transport.Session, p models.Part) error {
	path := r.layout.PartPath(r.task.ID(), p.Index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat part file: %w", err)
	}
	have := info.Size()
	size := p.Size()
	if size >= 0 && have > size {
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("failed to truncate part file: %w", err)
		}
		have = size
	}
	r.tracker.SetBytes(p.Index, have)
	if size >= 0 && have == size {
		return nil
	}
	if _, err := f.Seek(have, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek part file: %w", err)
	}

	var limit int64
	if size >= 0 {
		limit = size - have
	}
	rc, err := session.OpenRange(ctx, r.task.Item, p.StartOffset+have, limit)
	if err != nil {
		return fmt.Errorf("failed to open range: %w", err)
	}
	defer rc.Close()

	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	written := have
	for size < 0 || written < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := rc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if size >= 0 && int64(n) > size-written {
				chunk = buf[:size-written]
			}
			if _, err := f.Write(chunk); err != nil {
				return fmt.Errorf("failed to write part file: %w", err)
			}
			written += int64(len(chunk))
			r.tracker.AddBytes(p.Index, int64(len(chunk)))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read range: %w", rerr)
		}
	}

	if size >= 0 && written < size {
		return fmt.Errorf("stream ended at %d of %d bytes: %w", written, size, io.ErrUnexpectedEOF)
	}
	if err := f.Truncate(written); err != nil {
		return fmt.Errorf("failed to truncate part file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close part file: %w", err)
	}
	return nil
}

func (s *Scheduler) cancelled(ctx context.Context, r *run, p models.Part) error {
	r.setStatus(ctx, p.Index, models.PartPending)
	return fmt.Errorf("part %d: %w", p.Index, ErrCancelled)
}

func (s *Scheduler) failed(ctx context.Context, r *run, p models.Part, span trace.Span, err error) error {
	span.RecordError(err)
	r.setStatus(ctx, p.Index, models.PartError)
	r.logger.Error("part download failed",
		"part", p.Index,
		"start", p.StartOffset,
		"end", p.EndOffset,
		"err", err,
	)
	return &PartError{Index: p.Index, Start: p.StartOffset, End: p.EndOffset, Err: err}
}
