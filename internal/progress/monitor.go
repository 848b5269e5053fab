package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maneesh/labfetch/internal/models"
)

// MinRateWindow is the shortest interval over which throughput is sampled.
const MinRateWindow = 500 * time.Millisecond

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	Percent   float64
	RateBps   float64
	ETA       time.Duration
	ETAKnown  bool
	Elapsed   time.Duration
	Parts     int
	Completed []int
	Active    []PartView
}

// Sampler turns successive byte totals into throughput and ETA. The rate only
// moves once at least window has passed since the previous sample.
type Sampler struct {
	window    time.Duration
	now       func() time.Time
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	started   bool
}

// NewSampler returns a sampler with a custom time source (nil means time.Now).
func NewSampler(window time.Duration, now func() time.Time) *Sampler {
	if now == nil {
		now = time.Now
	}
	if window < MinRateWindow {
		window = MinRateWindow
	}
	return &Sampler{window: window, now: now}
}

// Observe folds in the current byte count.
func (s *Sampler) Observe(done, total int64) Stats {
	now := s.now()
	if !s.started {
		s.started = true
		s.startedAt = now
		s.lastAt = now
		s.lastDone = done
	}
	if dt := now.Sub(s.lastAt); dt >= s.window {
		delta := done - s.lastDone
		if delta < 0 {
			delta = 0
		}
		s.rateBps = float64(delta) / dt.Seconds()
		s.lastAt = now
		s.lastDone = done
	}

	stats := Stats{
		BytesDone: done,
		Total:     total,
		RateBps:   s.rateBps,
		Elapsed:   now.Sub(s.startedAt),
	}
	if total > 0 {
		stats.Percent = float64(done) / float64(total) * 100
	}
	if s.rateBps > 0 && total > done {
		stats.ETA = time.Duration(float64(total-done) / s.rateBps * float64(time.Second))
		stats.ETAKnown = true
	} else if total > 0 && done >= total {
		stats.ETAKnown = true
	}
	return stats
}

// Renderer displays stats. Finish is called once when the monitor stops.
type Renderer interface {
	Render(Stats)
	Finish(Stats)
}

// Monitor periodically aggregates a Tracker and hands the result to a Renderer.
// It never writes to the tracker.
type Monitor struct {
	tracker  *Tracker
	renderer Renderer
	interval time.Duration
	sampler  *Sampler

	latest   atomic.Pointer[Stats]
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	startOne sync.Once
	stopOne  sync.Once
}

// NewMonitor creates a monitor ticking every interval.
func NewMonitor(tracker *Tracker, renderer Renderer, interval time.Duration, now func() time.Time) *Monitor {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Monitor{
		tracker:  tracker,
		renderer: renderer,
		interval: interval,
		sampler:  NewSampler(MinRateWindow, now),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (m *Monitor) Start() {
	m.startOne.Do(func() {
		m.started.Store(true)
		m.sample()
		go m.loop()
	})
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := m.sample()
			if m.renderer != nil {
				m.renderer.Render(stats)
			}
		case <-m.stop:
			stats := m.sample()
			if m.renderer != nil {
				m.renderer.Finish(stats)
			}
			return
		}
	}
}

func (m *Monitor) sample() Stats {
	views := m.tracker.Snapshot()
	var done int64
	stats := Stats{Parts: len(views)}
	for _, v := range views {
		done += v.Bytes
		switch v.Status {
		case models.PartCompleted:
			stats.Completed = append(stats.Completed, v.Index)
		case models.PartDownloading:
			stats.Active = append(stats.Active, v)
		}
	}
	if total := m.tracker.Total(); total > 0 && done > total {
		done = total
	}
	agg := m.sampler.Observe(done, m.tracker.Total())
	agg.Parts = stats.Parts
	agg.Completed = stats.Completed
	agg.Active = stats.Active
	m.latest.Store(&agg)
	return agg
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Stats {
	if s := m.latest.Load(); s != nil {
		return *s
	}
	return Stats{Total: m.tracker.Total(), Parts: m.tracker.Len()}
}

// Stop ends polling, renders a final sample and waits for the goroutine.
func (m *Monitor) Stop() {
	m.stopOne.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}
