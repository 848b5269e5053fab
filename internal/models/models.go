package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PartStatus is the lifecycle state of a single byte range.
type PartStatus string

const (
	PartPending     PartStatus = "pending"
	PartWaiting     PartStatus = "waiting"
	PartDownloading PartStatus = "downloading"
	PartCompleted   PartStatus = "completed"
	PartError       PartStatus = "error"
	PartCancelled   PartStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a whole transfer.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskCompleted   TaskStatus = "completed"
	TaskError       TaskStatus = "error"
	TaskCancelled   TaskStatus = "cancelled"
)

// Identity names a source item by the message that carries it.
type Identity struct {
	MessageID int64 `json:"message_id"`
	ChatID    int64 `json:"chat_id"`
}

// String renders the identity as "<chat>_<message>", the form used in keys and file names.
func (id Identity) String() string {
	return fmt.Sprintf("%d_%d", id.ChatID, id.MessageID)
}

// ParseIdentity is the inverse of Identity.String.
func ParseIdentity(s string) (Identity, error) {
	chat, msg, ok := strings.Cut(s, "_")
	if !ok {
		return Identity{}, fmt.Errorf("invalid identity %q", s)
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid chat id in %q: %w", s, err)
	}
	msgID, err := strconv.ParseInt(msg, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid message id in %q: %w", s, err)
	}
	return Identity{MessageID: msgID, ChatID: chatID}, nil
}

// Item is a media-bearing source object, whatever its concrete kind.
type Item interface {
	Identity() Identity
	Size() int64
	SuggestedName() string
}

// Part is a contiguous, inclusive byte range of a task.
// An EndOffset of -1 marks an open-ended part of an object whose size is unknown.
type Part struct {
	Index       int        `json:"index"`
	StartOffset int64      `json:"start_offset"`
	EndOffset   int64      `json:"end_offset"`
	Status      PartStatus `json:"status"`
}

// Size returns the byte length of the part, or -1 when it is open-ended.
func (p Part) Size() int64 {
	if p.Open() {
		return -1
	}
	return p.EndOffset - p.StartOffset + 1
}

// Open reports whether the part runs to the end of an object of unknown size.
func (p Part) Open() bool {
	return p.EndOffset < 0
}

// Task is one end-to-end file transfer and its serializable progress.
type Task struct {
	MessageID       int64      `json:"message_id"`
	ChatID          int64      `json:"chat_id"`
	FileName        string     `json:"file_name"`
	FileSize        int64      `json:"file_size"`
	DownloadedBytes int64      `json:"downloaded_bytes"`
	Status          TaskStatus `json:"status"`
	Parts           []Part     `json:"parts"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Item is resolved from the transport and never persisted.
	Item Item `json:"-"`
}

// ID returns the task identity.
func (t *Task) ID() Identity {
	return Identity{MessageID: t.MessageID, ChatID: t.ChatID}
}

// ProgressPercent returns DownloadedBytes as a percentage of FileSize.
func (t *Task) ProgressPercent() float64 {
	if t.FileSize <= 0 {
		return 0
	}
	return float64(t.DownloadedBytes) * 100 / float64(t.FileSize)
}

// Recount recomputes DownloadedBytes: completed parts count in full, every other
// part counts the bytes already on disk as reported by onDisk.
func (t *Task) Recount(onDisk func(index int) int64) {
	var total int64
	for _, p := range t.Parts {
		if p.Status == PartCompleted && !p.Open() {
			total += p.Size()
			continue
		}
		n := onDisk(p.Index)
		if size := p.Size(); size >= 0 && n > size {
			n = size
		}
		total += n
	}
	if t.FileSize > 0 && total > t.FileSize {
		total = t.FileSize
	}
	t.DownloadedBytes = total
}

// AllCompleted reports whether every part has reached PartCompleted.
func (t *Task) AllCompleted() bool {
	for _, p := range t.Parts {
		if p.Status != PartCompleted {
			return false
		}
	}
	return len(t.Parts) > 0
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	c := *t
	c.Parts = make([]Part, len(t.Parts))
	copy(c.Parts, t.Parts)
	return &c
}

// Summary is a lightweight view of a persisted task.
type Summary struct {
	MessageID int64      `json:"message_id"`
	ChatID    int64      `json:"chat_id"`
	FileName  string     `json:"file_name"`
	FileSize  int64      `json:"file_size"`
	Percent   float64    `json:"percent"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Summarize builds a Summary from a task snapshot.
func Summarize(t *Task) Summary {
	return Summary{
		MessageID: t.MessageID,
		ChatID:    t.ChatID,
		FileName:  t.FileName,
		FileSize:  t.FileSize,
		Percent:   t.ProgressPercent(),
		Status:    t.Status,
		UpdatedAt: t.UpdatedAt,
	}
}

// Completion is the history record written when a task finishes.
type Completion struct {
	FileName    string        `json:"file_name"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	SHA256      string        `json:"sha256"`
	CompletedAt time.Time     `json:"completed_at"`
}
