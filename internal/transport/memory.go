package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/maneesh/labfetch/internal/models"
)

// MemoryObject is a source item held in memory.
type MemoryObject struct {
	ID          models.Identity
	Name        string
	ContentType string
	Data        []byte
	// HideSize makes Size report 0, as for items whose length is not advertised.
	HideSize bool
}

func (o *MemoryObject) Identity() models.Identity { return o.ID }

func (o *MemoryObject) Size() int64 {
	if o.HideSize {
		return 0
	}
	return int64(len(o.Data))
}

func (o *MemoryObject) SuggestedName() string {
	return SuggestName(o.Name, KindFromContentType(o.ContentType), o.ID.MessageID)
}

// RangeRequest records one OpenRange call.
type RangeRequest struct {
	ID     models.Identity
	Offset int64
	Limit  int64
}

// ReadHook runs before every chunk a memory stream returns. pos is the absolute
// offset of the next byte. A non-nil error aborts the read with that error.
type ReadHook func(ctx context.Context, req RangeRequest, pos int64) error

// MemorySource is an in-process Resolver and Dialer with fault injection. It backs
// the engine tests and local runs without an object store.
type MemorySource struct {
	// ChunkSize is the size of the chunks streams return (default 64 KiB).
	ChunkSize int
	// Align, when positive, makes bounded streams overshoot to the next multiple
	// of Align, like transports that only serve aligned blocks.
	Align int64

	mu        sync.Mutex
	objects   map[models.Identity]*MemoryObject
	hook      ReadHook
	failDials int
	dials     int
	requests  []RangeRequest
	sessions  []*memorySession

	active atomic.Int32
	peak   atomic.Int32
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		ChunkSize: 64 * 1024,
		objects:   make(map[models.Identity]*MemoryObject),
	}
}

// Add registers an object and returns it.
func (m *MemorySource) Add(id models.Identity, name string, data []byte) *MemoryObject {
	obj := &MemoryObject{ID: id, Name: name, Data: data}
	m.mu.Lock()
	m.objects[id] = obj
	m.mu.Unlock()
	return obj
}

// Remove makes an object unreachable.
func (m *MemorySource) Remove(id models.Identity) {
	m.mu.Lock()
	delete(m.objects, id)
	m.mu.Unlock()
}

// SetHook installs a read hook; nil removes it.
func (m *MemorySource) SetHook(hook ReadHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

// FailDials makes the next n Dial calls fail.
func (m *MemorySource) FailDials(n int) {
	m.mu.Lock()
	m.failDials = n
	m.mu.Unlock()
}

// Dials returns the number of successful Dial calls.
func (m *MemorySource) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Requests returns every range opened so far.
func (m *MemorySource) Requests() []RangeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RangeRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ResetRequests clears the range log.
func (m *MemorySource) ResetRequests() {
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

// PeakStreams returns the highest number of simultaneously open streams.
func (m *MemorySource) PeakStreams() int {
	return int(m.peak.Load())
}

// DisconnectAll marks every dialed session as disconnected without closing it.
func (m *MemorySource) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.connected.Store(false)
	}
}

// Resolve implements Resolver.
func (m *MemorySource) Resolve(ctx context.Context, id models.Identity) (models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

// Dial implements Dialer.
func (m *MemorySource) Dial(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDials > 0 {
		m.failDials--
		return nil, errors.New("dial refused")
	}
	m.dials++
	base, cancel := context.WithCancel(context.Background())
	s := &memorySession{src: m, base: base, cancel: cancel}
	s.connected.Store(true)
	m.sessions = append(m.sessions, s)
	return s, nil
}

type memorySession struct {
	src       *MemorySource
	base      context.Context
	cancel    context.CancelFunc
	connected atomic.Bool
}

func (s *memorySession) OpenRange(ctx context.Context, item models.Item, offset, limit int64) (io.ReadCloser, error) {
	if s.base.Err() != nil {
		return nil, ErrSessionClosed
	}
	m := s.src
	m.mu.Lock()
	obj, ok := m.objects[item.Identity()]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	req := RangeRequest{ID: obj.ID, Offset: offset, Limit: limit}
	m.requests = append(m.requests, req)
	hook := m.hook
	m.mu.Unlock()

	size := int64(len(obj.Data))
	end := size
	if limit > 0 {
		end = min(offset+limit, size)
		if m.Align > 0 && end%m.Align != 0 {
			end = min((end/m.Align+1)*m.Align, size)
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, cancel)

	active := m.active.Add(1)
	for {
		peak := m.peak.Load()
		if active <= peak || m.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	return &memoryStream{
		src:    m,
		ctx:    streamCtx,
		cancel: cancel,
		stop:   stop,
		data:   obj.Data,
		pos:    offset,
		end:    end,
		req:    req,
		hook:   hook,
		chunk:  max(m.ChunkSize, 1),
	}, nil
}

func (s *memorySession) Connected() bool {
	return s.connected.Load() && s.base.Err() == nil
}

func (s *memorySession) Reconnect(ctx context.Context) error {
	if s.base.Err() != nil {
		return ErrSessionClosed
	}
	s.connected.Store(true)
	return nil
}

func (s *memorySession) Close() error {
	s.connected.Store(false)
	s.cancel()
	return nil
}

type memoryStream struct {
	src    *MemorySource
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	data   []byte
	pos    int64
	end    int64
	req    RangeRequest
	hook   ReadHook
	chunk  int
	closed bool
}

func (r *memoryStream) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if r.hook != nil {
		if err := r.hook(r.ctx, r.req, r.pos); err != nil {
			return 0, err
		}
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
	}
	n := min(int64(len(p)), int64(r.chunk), r.end-r.pos)
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return int(n), nil
}

func (r *memoryStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.stop()
	r.cancel()
	r.src.active.Add(-1)
	return nil
}
