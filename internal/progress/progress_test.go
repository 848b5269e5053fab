package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/labfetch/internal/logging"
	"github.com/maneesh/labfetch/internal/models"
)

func testTask() *models.Task {
	return &models.Task{
		FileSize: 300,
		Parts: []models.Part{
			{Index: 0, StartOffset: 0, EndOffset: 99, Status: models.PartCompleted},
			{Index: 1, StartOffset: 100, EndOffset: 199, Status: models.PartPending},
			{Index: 2, StartOffset: 200, EndOffset: 299, Status: models.PartPending},
		},
	}
}

func TestTrackerSeedsFromTaskAndDisk(t *testing.T) {
	tr := NewTracker(testTask(), func(i int) int64 {
		if i == 1 {
			return 40
		}
		return 0
	})
	if tr.Done() != 140 {
		t.Fatalf("expected 140 bytes, got %d", tr.Done())
	}
	if tr.Status(0) != models.PartCompleted || tr.Status(1) != models.PartPending {
		t.Fatalf("unexpected statuses %s/%s", tr.Status(0), tr.Status(1))
	}
	tr.SetStatus(1, models.PartDownloading)
	tr.AddBytes(1, 10)
	views := tr.Snapshot()
	if views[1].Status != models.PartDownloading || views[1].Bytes != 50 {
		t.Fatalf("unexpected view %+v", views[1])
	}
}

func TestSamplerWindowAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s := NewSampler(MinRateWindow, func() time.Time { return now })

	stats := s.Observe(0, 2000)
	if stats.RateBps != 0 || stats.ETAKnown {
		t.Fatalf("expected no rate on first sample, got %+v", stats)
	}

	// A sample inside the window must not move the rate.
	now = now.Add(200 * time.Millisecond)
	stats = s.Observe(900, 2000)
	if stats.RateBps != 0 {
		t.Fatalf("rate moved inside window: %.2f", stats.RateBps)
	}

	now = now.Add(800 * time.Millisecond)
	stats = s.Observe(1000, 2000)
	if stats.RateBps < 999 || stats.RateBps > 1001 {
		t.Fatalf("expected ~1000 B/s, got %.2f", stats.RateBps)
	}
	if !stats.ETAKnown || stats.ETA < 990*time.Millisecond || stats.ETA > 1010*time.Millisecond {
		t.Fatalf("expected ETA ~1s, got %s (known=%v)", stats.ETA, stats.ETAKnown)
	}
	if stats.Percent != 50 {
		t.Fatalf("expected 50%%, got %.2f", stats.Percent)
	}
}

func TestSamplerStalledHasUnknownETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	s := NewSampler(MinRateWindow, func() time.Time { return now })
	s.Observe(100, 1000)
	now = now.Add(time.Second)
	stats := s.Observe(100, 1000)
	if stats.RateBps != 0 || stats.ETAKnown {
		t.Fatalf("expected unknown ETA when stalled, got %+v", stats)
	}
	if FormatETA(stats) != "unknown" {
		t.Fatalf("unexpected ETA text %q", FormatETA(stats))
	}
}

type recordingRenderer struct {
	mu       sync.Mutex
	renders  int
	finished []Stats
}

func (r *recordingRenderer) Render(Stats) {
	r.mu.Lock()
	r.renders++
	r.mu.Unlock()
}

func (r *recordingRenderer) Finish(s Stats) {
	r.mu.Lock()
	r.finished = append(r.finished, s)
	r.mu.Unlock()
}

func TestMonitorRendersAndStopsPromptly(t *testing.T) {
	task := testTask()
	tr := NewTracker(task, nil)
	rec := &recordingRenderer{}
	m := NewMonitor(tr, rec, 10*time.Millisecond, nil)
	m.Start()

	tr.SetStatus(1, models.PartDownloading)
	tr.SetBytes(1, 50)
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	m.Stop()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("stop took %s", elapsed)
	}
	m.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.renders == 0 {
		t.Fatal("expected at least one render")
	}
	if len(rec.finished) != 1 {
		t.Fatalf("expected one finish, got %d", len(rec.finished))
	}
	final := rec.finished[0]
	if final.BytesDone != 150 || len(final.Completed) != 1 || len(final.Active) != 1 {
		t.Fatalf("unexpected final stats %+v", final)
	}
	if m.Latest().BytesDone != 150 {
		t.Fatalf("latest not updated: %+v", m.Latest())
	}
	// The monitor only reads.
	if tr.Status(1) != models.PartDownloading || task.Parts[1].Status != models.PartPending {
		t.Fatal("monitor mutated state")
	}
}

func TestMonitorStopWithoutStart(t *testing.T) {
	m := NewMonitor(NewTracker(testTask(), nil), nil, time.Second, nil)
	m.Stop()
	if m.Latest().Total != 300 {
		t.Fatalf("unexpected latest %+v", m.Latest())
	}
}

func TestTerminalRendererLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewTerminalRenderer(&buf, "movie.mp4")
	r.Finish(Stats{
		BytesDone: 1024 * 1024,
		Total:     2 * 1024 * 1024,
		Percent:   50,
		RateBps:   1024,
		ETAKnown:  true,
		ETA:       3 * time.Second,
		Parts:     3,
		Completed: []int{0},
		Active:    []PartView{{Index: 1, Size: 100, Bytes: 40}},
	})
	out := buf.String()
	for _, want := range []string{"movie.mp4", "50.0%", "1.0 MiB/2.0 MiB", "1.0 KiB/s", "eta 3s", "done 1/3", "P1:40%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatal("finish should end the line")
	}
}

func TestLogRendererWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRenderer(logging.NewWithWriter(&buf, "test", "info"), "a.bin")
	r.Render(Stats{Total: 0, BytesDone: 10, Completed: []int{0, 1}})
	out := buf.String()
	if !strings.Contains(out, "file=a.bin") || !strings.Contains(out, "total=?") || !strings.Contains(out, `completed="P0 P1"`) {
		t.Fatalf("unexpected log line %q", out)
	}
}

func TestFormatActiveTruncates(t *testing.T) {
	var active []PartView
	for i := 0; i < 10; i++ {
		active = append(active, PartView{Index: i, Size: 10, Bytes: 5})
	}
	out := FormatActive(active)
	if !strings.HasSuffix(out, "...") || strings.Count(out, "P") != maxActiveShown {
		t.Fatalf("unexpected %q", out)
	}
}
