// Package ratelimit implements the sliding-window limiter that paces every
// outbound call to the record store and the language model.
//
// Calls beyond the budget are delayed, never dropped: Wait blocks until the
// oldest call in the window ages out, or until the context is done.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scrypster/crmsync/internal/metrics"
)

// Limiter admits at most Limit calls in any trailing Window.
type Limiter struct {
	name    string
	limit   int
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu     sync.Mutex
	stamps []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used to stamp calls.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records waits under the limiter's name.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter named for metrics ("store", "model").
func New(name string, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit < 1 {
		limit = 1
	}
	l := &Limiter{
		name:   name,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a call may proceed and records it in the window.
func (l *Limiter) Wait(ctx context.Context) error {
	start := l.now()
	waited := false
	for {
		l.mu.Lock()
		now := l.now()
		l.pruneLocked(now)
		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			if waited {
				l.metrics.LimiterWait(l.name, now.Sub(start))
			}
			return nil
		}
		delay := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		waited = true
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("ratelimit %s: %w", l.name, err)
		}
	}
}

// InWindow reports how many calls are currently counted.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.stamps)
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// ThrottledError is returned by clients when the remote side explicitly
// signalled a rate limit (HTTP 429).
type ThrottledError struct {
	// RetryAfter is the interval the remote asked for; zero means unspecified.
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// IsThrottled reports whether err carries a rate-limit signal.
func IsThrottled(err error) bool {
	var te *ThrottledError
	return errors.As(err, &te)
}

// Do paces fn through l and retries it exactly once if it reports a
// ThrottledError, after waiting RetryAfter or backoff when none was given.
// A nil limiter skips pacing.
func Do(ctx context.Context, l *Limiter, backoff time.Duration, fn func(context.Context) error) error {
	if l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}

	err := fn(ctx)
	var te *ThrottledError
	if !errors.As(err, &te) {
		return err
	}

	delay := te.RetryAfter
	if delay <= 0 {
		delay = backoff
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
