package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool lends a fixed set of sessions to workers. A lent session is absent from the
// idle queue, so no two workers ever hold the same session.
type Pool struct {
	dialer Dialer
	size   int
	logger *slog.Logger

	mu       sync.Mutex
	order    []Session
	sessions map[Session]struct{}
	idle     chan Session
}

// NewPool creates a pool of size sessions. Nothing is dialed until Ensure.
func NewPool(dialer Dialer, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		dialer:   dialer,
		size:     size,
		logger:   logger,
		sessions: make(map[Session]struct{}),
	}
}

// Ensure dials the pool on first use and health-checks it afterwards. Sessions that
// fail to dial are logged and skipped; an empty pool is ErrTransportUnavailable.
func (p *Pool) Ensure(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.sessions) > 0 {
		return p.checkHealthLocked(ctx)
	}

	idle := make(chan Session, p.size)
	for i := 0; i < p.size; i++ {
		s, err := p.dialer.Dial(ctx)
		if err != nil {
			p.logger.Warn("session dial failed", "slot", i, "err", err)
			continue
		}
		p.order = append(p.order, s)
		p.sessions[s] = struct{}{}
		idle <- s
	}
	if len(p.sessions) == 0 {
		return fmt.Errorf("failed to dial any of %d sessions: %w", p.size, ErrTransportUnavailable)
	}
	p.idle = idle
	if len(p.sessions) < p.size {
		p.logger.Warn("session pool degraded", "live", len(p.sessions), "wanted", p.size)
	} else {
		p.logger.Info("session pool ready", "sessions", len(p.sessions))
	}
	return nil
}

// checkHealthLocked samples the first session; if it is disconnected every session
// is reconnected and the ones that cannot reconnect are dropped.
func (p *Pool) checkHealthLocked(ctx context.Context) error {
	if p.order[0].Connected() {
		return nil
	}
	p.logger.Warn("session pool disconnected, reconnecting", "sessions", len(p.order))

	alive := p.order[:0]
	for _, s := range p.order {
		if err := s.Reconnect(ctx); err != nil {
			p.logger.Warn("session reconnect failed, dropping", "err", err)
			_ = s.Close()
			delete(p.sessions, s)
			continue
		}
		alive = append(alive, s)
	}
	p.order = alive

	// Rebuild the idle queue without the dropped sessions.
	idle := make(chan Session, p.size)
drain:
	for {
		select {
		case s := <-p.idle:
			if _, ok := p.sessions[s]; ok {
				idle <- s
			}
		default:
			break drain
		}
	}
	p.idle = idle

	if len(p.sessions) == 0 {
		p.idle = nil
		return fmt.Errorf("no session survived reconnect: %w", ErrTransportUnavailable)
	}
	return nil
}

// Acquire blocks until a session is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	if idle == nil {
		return nil, ErrTransportUnavailable
	}

	select {
	case s, ok := <-idle:
		if !ok {
			return nil, ErrTransportUnavailable
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands a session back. Sessions discarded by HardReset are closed instead.
func (p *Pool) Release(s Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[s]; !ok || p.idle == nil {
		_ = s.Close()
		return
	}
	p.idle <- s
}

// HardReset closes every session, lent or idle, severing in-flight reads. The next
// Ensure dials a fresh pool.
func (p *Pool) HardReset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.order {
		if err := s.Close(); err != nil {
			p.logger.Debug("session close failed", "err", err)
		}
	}
	if p.idle != nil {
		close(p.idle)
	}
	p.order = nil
	p.sessions = make(map[Session]struct{})
	p.idle = nil
	p.logger.Info("session pool reset")
}

// Size returns the number of live sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
