package crawler

import (
	"context"
	"sync"
	"time"
)

// Adaptive concurrency thresholds.
const (
	raiseAfterSuccesses = 25
	rateLimitQuiet      = 60 * time.Second
)

// AdaptiveLimiter is a semaphore whose ceiling moves within [min, max]:
// sustained success raises it by one, any rate-limit signal halves it.
type AdaptiveLimiter struct {
	mu   sync.Mutex
	cond *sync.Cond

	min, max int
	ceiling  int
	active   int

	successStreak int
	lastRateLimit time.Time
}

// NewAdaptiveLimiter starts at the minimum ceiling. min is clamped to at
// least 1, max to at least min.
func NewAdaptiveLimiter(min, max int) *AdaptiveLimiter {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	l := &AdaptiveLimiter{min: min, max: max, ceiling: min}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until a permit is available or ctx is done.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.cond.Broadcast()
		case <-done:
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.active >= l.ceiling {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
	}
	l.active++
	return nil
}

// Release returns a permit.
func (l *AdaptiveLimiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// OnSuccess counts a clean fetch; 25 in a row with no rate limit in the
// last minute raise the ceiling by one.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successStreak++
	if l.successStreak >= raiseAfterSuccesses &&
		time.Since(l.lastRateLimit) >= rateLimitQuiet &&
		l.ceiling < l.max {
		l.ceiling++
		l.successStreak = 0
		l.cond.Broadcast()
	}
}

// OnRateLimit halves the ceiling (never below min) and resets the streak.
func (l *AdaptiveLimiter) OnRateLimit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	half := l.ceiling / 2
	if half < l.min {
		half = l.min
	}
	l.ceiling = half
	l.successStreak = 0
	l.lastRateLimit = time.Now()
}

// Ceiling reports the current permit ceiling.
func (l *AdaptiveLimiter) Ceiling() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling
}
