package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	logx "librusbot/pkg/logx"
)

// A run at least this long counts as healthy and resets the backoff.
const healthyRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*backoff)

// WithRestartBackoff sets the first and the largest delay between restarts.
// Zero keeps the default.
func WithRestartBackoff(first, limit time.Duration) RestartOption {
	return func(b *backoff) {
		if first > 0 {
			b.first = first
		}
		if limit > 0 {
			b.limit = limit
		}
	}
}

// WithMaxRestarts gives up after n restarts and records the last error.
// The initial run does not count; n <= 0 means no limit.
func WithMaxRestarts(n int) RestartOption { return func(b *backoff) { b.maxRestarts = n } }

// backoff doubles from first to limit and adds up to 20% jitter.
type backoff struct {
	first, limit time.Duration
	maxRestarts  int

	cur time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur < b.first {
		b.cur = b.first
	}
	d := b.cur
	b.cur = min(b.cur*2, b.limit)
	if j := int64(d / 5); j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

func (b *backoff) reset() { b.cur = 0 }

// GoRestart runs fn and runs it again after an error or panic until the
// context ends. A nil return stops it for good.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	b := &backoff{first: 250 * time.Millisecond, limit: 30 * time.Second}
	for _, opt := range opts {
		opt(b)
	}
	b.limit = max(b.limit, b.first)

	s.Go(name, func(ctx context.Context) error {
		log := s.log.With(logx.String("goroutine", name))
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(log, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if b.maxRestarts > 0 && restarts >= b.maxRestarts {
				log.Error("giving up", logx.Int("restarts", restarts), logx.Err(err))
				return err
			}
			if time.Since(began) >= healthyRun {
				b.reset()
			}
			wait := b.next()
			log.Warn("restarting", logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	})
}
