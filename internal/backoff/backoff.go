// Package backoff implements the single-retry-after-short-backoff policy
// spec'd for TransientStore errors, and the idle-poll backoff the worker
// pool uses between empty leaseBatch results. Both are built on a token
// bucket the same way the teacher paces admission under load.
package backoff

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces repeated operations per key, handing back a delay instead of
// blocking the caller outright.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewLimiter creates a limiter allowing r events/sec per key with burst b.
func NewLimiter(r float64, b int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Reserve reports whether the key may proceed now, and if not, how long the
// caller should wait before retrying.
func (l *Limiter) Reserve(key string) (ok bool, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, exists := l.limiters[key]
	if !exists {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}

	res := lim.Reserve()
	d := res.Delay()
	if d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

// Retry runs fn once; if it fails with a non-nil error, it sleeps for a
// short backoff delay reserved from the limiter and runs fn exactly one more
// time, per spec.md §7's TransientStore policy ("retry once after a short
// backoff; if still failing, abandon the operation").
func (l *Limiter) Retry(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	_, delay := l.Reserve(key)
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	return fn(ctx)
}

// IdlePoll caps the delay a worker sleeps for after an empty leaseBatch
// result. It never exceeds ceiling (normally the configured checkInterval)
// even under sustained contention, so the empty-poll cadence stays close to
// the configured default instead of drifting arbitrarily far under backoff.
func (l *Limiter) IdlePoll(key string, ceiling time.Duration) time.Duration {
	_, delay := l.Reserve(key)
	if delay <= 0 || delay > ceiling {
		return ceiling
	}
	return delay
}
