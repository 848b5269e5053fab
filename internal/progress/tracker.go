package progress

import (
	"sync/atomic"

	"github.com/maneesh/labfetch/internal/models"
)

var statusCodes = []models.PartStatus{
	models.PartPending,
	models.PartWaiting,
	models.PartDownloading,
	models.PartCompleted,
	models.PartError,
	models.PartCancelled,
}

func statusCode(s models.PartStatus) int32 {
	for i, c := range statusCodes {
		if c == s {
			return int32(i)
		}
	}
	return 0
}

// Tracker holds per-part byte counters and statuses. Each slot has a single writer
// (the worker owning that part); readers may observe slightly stale values.
type Tracker struct {
	sizes  []int64
	bytes  []atomic.Int64
	status []atomic.Int32
	total  int64
}

// NewTracker seeds a tracker from the task's parts. onDisk reports bytes already
// present for parts that are not completed.
func NewTracker(task *models.Task, onDisk func(index int) int64) *Tracker {
	n := len(task.Parts)
	t := &Tracker{
		sizes:  make([]int64, n),
		bytes:  make([]atomic.Int64, n),
		status: make([]atomic.Int32, n),
		total:  task.FileSize,
	}
	for i, p := range task.Parts {
		t.sizes[i] = p.Size()
		t.status[i].Store(statusCode(p.Status))
		if p.Status == models.PartCompleted && !p.Open() {
			t.bytes[i].Store(p.Size())
		} else if onDisk != nil {
			t.bytes[i].Store(onDisk(i))
		}
	}
	return t
}

// Len returns the number of parts tracked.
func (t *Tracker) Len() int { return len(t.sizes) }

// Total returns the declared size of the transfer (0 if unknown).
func (t *Tracker) Total() int64 { return t.total }

// SetBytes records the bytes held for part i.
func (t *Tracker) SetBytes(i int, n int64) { t.bytes[i].Store(n) }

// AddBytes adds n bytes to part i.
func (t *Tracker) AddBytes(i int, n int64) { t.bytes[i].Add(n) }

// Bytes returns the bytes held for part i.
func (t *Tracker) Bytes(i int) int64 { return t.bytes[i].Load() }

// SetStatus records the status of part i.
func (t *Tracker) SetStatus(i int, s models.PartStatus) { t.status[i].Store(statusCode(s)) }

// Status returns the status of part i.
func (t *Tracker) Status(i int) models.PartStatus { return statusCodes[t.status[i].Load()] }

// PartView is a read-only copy of one slot.
type PartView struct {
	Index  int
	Size   int64
	Bytes  int64
	Status models.PartStatus
}

// Snapshot copies every slot.
func (t *Tracker) Snapshot() []PartView {
	out := make([]PartView, len(t.sizes))
	for i := range t.sizes {
		out[i] = PartView{
			Index:  i,
			Size:   t.sizes[i],
			Bytes:  t.bytes[i].Load(),
			Status: t.Status(i),
		}
	}
	return out
}

// Done returns the sum of bytes across parts, clamped to the declared total.
func (t *Tracker) Done() int64 {
	var sum int64
	for i := range t.bytes {
		sum += t.bytes[i].Load()
	}
	if t.total > 0 && sum > t.total {
		sum = t.total
	}
	return sum
}
