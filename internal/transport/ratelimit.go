package transport

import (
	"context"
	"io"

	"github.com/maneesh/labfetch/internal/models"
	"golang.org/x/time/rate"
)

// WithRateLimit wraps d so that every stream of every session it dials shares one
// bandwidth budget of bytesPerSec. A non-positive rate returns d unchanged.
func WithRateLimit(d Dialer, bytesPerSec int64) Dialer {
	if bytesPerSec <= 0 {
		return d
	}
	return &limitedDialer{
		Dialer:  d,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

type limitedDialer struct {
	Dialer
	limiter *rate.Limiter
}

func (d *limitedDialer) Dial(ctx context.Context) (Session, error) {
	s, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &limitedSession{Session: s, limiter: d.limiter}, nil
}

type limitedSession struct {
	Session
	limiter *rate.Limiter
}

func (s *limitedSession) OpenRange(ctx context.Context, item models.Item, offset, limit int64) (io.ReadCloser, error) {
	rc, err := s.Session.OpenRange(ctx, item, offset, limit)
	if err != nil {
		return nil, err
	}
	return &limitedReader{rc: rc, limiter: s.limiter, ctx: ctx}, nil
}

type limitedReader struct {
	rc      io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *limitedReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		// WaitN rejects requests larger than the burst, so wait in burst-sized steps.
		burst := r.limiter.Burst()
		for left := n; left > 0; {
			step := min(left, burst)
			if werr := r.limiter.WaitN(r.ctx, step); werr != nil {
				return n, werr
			}
			left -= step
		}
	}
	return n, err
}

func (r *limitedReader) Close() error {
	return r.rc.Close()
}
