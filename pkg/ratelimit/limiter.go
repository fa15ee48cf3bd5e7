// Package ratelimit throttles the byte throughput of outgoing upload streams
// with a token bucket sized to one second of traffic.
package ratelimit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	apperrors "rillcap/pkg/errors"

	"golang.org/x/time/rate"
)

// Limiter is a byte-rate token bucket. A nil rate disables throttling entirely.
type Limiter struct {
	mu             sync.RWMutex
	bucket         *rate.Limiter
	bytesPerSecond int64
	onWait         func(time.Duration)
}

// New creates a limiter for the given rate in bits per second (nil = unlimited).
func New(bitsPerSecond *int64) *Limiter {
	l := &Limiter{}
	l.SetRate(bitsPerSecond)
	return l
}

// SetRate reconfigures the limiter. The bucket is replaced by a full one with the
// new capacity; callers already waiting finish their current chunk on the old
// bucket and pick up the new one on their next iteration.
// A nil or non-positive rate disables throttling.
func (l *Limiter) SetRate(bitsPerSecond *int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bitsPerSecond == nil || *bitsPerSecond <= 0 {
		l.bucket = nil
		l.bytesPerSecond = 0
		return
	}

	bps := *bitsPerSecond / 8
	if bps < 1 {
		bps = 1
	}
	l.bytesPerSecond = bps
	l.bucket = rate.NewLimiter(rate.Limit(bps), int(bps))
}

// OnWait registers fn to observe how long each Consume chunk blocked.
func (l *Limiter) OnWait(fn func(time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWait = fn
}

// IsEnabled reports whether a rate is configured.
func (l *Limiter) IsEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bucket != nil
}

// BytesPerSecond returns the configured rate (0 when disabled).
func (l *Limiter) BytesPerSecond() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytesPerSecond
}

// Capacity is the one-second burst size in bytes (0 when disabled).
func (l *Limiter) Capacity() int64 {
	return l.BytesPerSecond()
}

// Tokens returns the bytes currently available without waiting.
func (l *Limiter) Tokens() float64 {
	return l.TokensAt(time.Now())
}

// TokensAt returns the bytes that will be available at t, assuming nothing is consumed in between.
func (l *Limiter) TokensAt(t time.Time) float64 {
	bucket := l.current()
	if bucket == nil {
		return 0
	}
	return bucket.TokensAt(t)
}

// AllowN takes n bytes at time now if they are available, without waiting.
func (l *Limiter) AllowN(now time.Time, n int64) bool {
	bucket := l.current()
	if bucket == nil || n <= 0 {
		return true
	}
	if n > int64(bucket.Burst()) {
		return false
	}
	return bucket.AllowN(now, int(n))
}

// Consume blocks until n bytes of budget have accrued. Requests larger than the
// bucket are taken in capacity-sized chunks. Zero or negative n is a no-op.
// Cancelling ctx while waiting returns a cancellation error and releases the
// pending reservation.
func (l *Limiter) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}

	remaining := n
	for remaining > 0 {
		bucket := l.current()
		if bucket == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return apperrors.NewCancelledError("rate limiter wait", err)
		}

		take := remaining
		if burst := int64(bucket.Burst()); take > burst {
			take = burst
		}

		start := time.Now()
		if err := bucket.WaitN(ctx, int(take)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return apperrors.NewCancelledError("rate limiter wait", ctxErr)
			}
			if _, hasDeadline := ctx.Deadline(); hasDeadline {
				// WaitN refuses up front when the wait would outlive the deadline.
				return apperrors.NewCancelledError("rate limiter wait", context.DeadlineExceeded)
			}
			return fmt.Errorf("rate limiter wait for %d bytes: %w", take, err)
		}
		l.observeWait(time.Since(start))
		remaining -= take
	}

	return nil
}

// NewThrottledReader wraps r so that every chunk read is paid for with Consume.
// Reads are capped at the bucket capacity. When the limiter is disabled, r is
// returned unchanged.
func (l *Limiter) NewThrottledReader(ctx context.Context, r io.Reader) io.Reader {
	if !l.IsEnabled() {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: l}
}

func (l *Limiter) observeWait(d time.Duration) {
	l.mu.RLock()
	fn := l.onWait
	l.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

func (l *Limiter) current() *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bucket
}

type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if err := t.ctx.Err(); err != nil {
		return 0, apperrors.NewCancelledError("throttled read", err)
	}

	if capacity := t.limiter.Capacity(); capacity > 0 && int64(len(p)) > capacity {
		p = p[:capacity]
	}

	n, readErr := t.r.Read(p)
	if n > 0 {
		if err := t.limiter.Consume(t.ctx, int64(n)); err != nil {
			return 0, err
		}
	}
	return n, readErr
}
