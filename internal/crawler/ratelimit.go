package crawler

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Per-host delay bounds and adjustment factors.
const (
	minDelay = 500 * time.Millisecond
	maxDelay = 120 * time.Second

	// 429 backoff multiplier by time since the previous 429.
	rapid429Window = 10 * time.Second
	recent429Window = 60 * time.Second

	// Extra factor once a host keeps rate-limiting.
	sustained429Factor = 1.5
	sustained429Count  = 3

	// Recovery: shrink the delay after this many clean fetches.
	recoverySuccesses = 10
	recoveryFactor    = 0.9

	jitterFraction = 0.2
)

type hostState struct {
	mu                   sync.Mutex
	delay                time.Duration
	lastRequest          time.Time
	last429              time.Time
	consecutive429s      int
	consecutiveSuccesses int
}

// RateLimiter paces requests per host and adapts each host's delay to the
// responses it returns.
type RateLimiter struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	baseDelay time.Duration
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// NewRateLimiter builds a limiter whose hosts start at baseDelay, clamped
// into [0.5s, 120s].
func NewRateLimiter(baseDelay time.Duration) *RateLimiter {
	return &RateLimiter{
		hosts:     make(map[string]*hostState),
		baseDelay: clampDelay(baseDelay),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (rl *RateLimiter) host(host string) *hostState {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	hs, ok := rl.hosts[host]
	if !ok {
		hs = &hostState{delay: rl.baseDelay}
		rl.hosts[host] = hs
	}
	return hs
}

// Wait blocks until the host's next request slot, honoring cancellation.
// The actual wait carries ±20% jitter.
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	hs := rl.host(host)

	hs.mu.Lock()
	wait := time.Until(hs.lastRequest.Add(rl.jitter(hs.delay)))
	hs.lastRequest = time.Now().Add(maxDuration(wait, 0))
	hs.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Record429 backs the host off: the multiplier depends on how recently the
// previous 429 arrived, with an extra factor for sustained rate limiting.
func (rl *RateLimiter) Record429(host string) {
	hs := rl.host(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := time.Now()
	multiplier := 1.25
	if !hs.last429.IsZero() {
		switch since := now.Sub(hs.last429); {
		case since < rapid429Window:
			multiplier = 2.0
		case since < recent429Window:
			multiplier = 1.5
		}
	} else {
		multiplier = 2.0
	}

	hs.consecutive429s++
	hs.consecutiveSuccesses = 0
	if hs.consecutive429s >= sustained429Count {
		multiplier *= sustained429Factor
	}
	hs.last429 = now
	hs.delay = clampDelay(time.Duration(float64(hs.delay) * multiplier))
}

// RecordSuccess counts a clean fetch; ten in a row shrink the delay.
func (rl *RateLimiter) RecordSuccess(host string) {
	hs := rl.host(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	hs.consecutive429s = 0
	hs.consecutiveSuccesses++
	if hs.consecutiveSuccesses >= recoverySuccesses {
		hs.consecutiveSuccesses = 0
		hs.delay = clampDelay(time.Duration(float64(hs.delay) * recoveryFactor))
	}
}

// Delay reports the host's current delay. For tests and stats.
func (rl *RateLimiter) Delay(host string) time.Duration {
	hs := rl.host(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.delay
}

func (rl *RateLimiter) jitter(d time.Duration) time.Duration {
	rl.rngMu.Lock()
	f := 1 + jitterFraction*(2*rl.rng.Float64()-1)
	rl.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}

func clampDelay(d time.Duration) time.Duration {
	if d < minDelay {
		return minDelay
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
