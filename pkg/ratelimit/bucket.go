package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// TokenBucket is a lazily-refilled token bucket. Refill is computed from
// elapsed wall-clock time on each access; there is no background timer.
type TokenBucket struct {
	name           string
	capacity       int
	refillRate     int           // tokens added per interval
	refillInterval time.Duration

	// Protected by mutex
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// Config holds token bucket configuration.
type Config struct {
	Name           string // used in metrics labels
	Capacity       int
	RefillRate     int // tokens added every RefillInterval
	RefillInterval time.Duration
}

// Result is the outcome of a consume attempt. RetryAfter is how long the
// caller must wait before the requested tokens could be available; it is
// zero when Allowed and negative when the request can never be satisfied.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Status holds a point-in-time view of the bucket for debugging.
type Status struct {
	Name           string
	Capacity       int
	Tokens         int
	RefillRate     int
	RefillInterval time.Duration
	LastRefill     time.Time
}

// New creates a token bucket that starts full.
func New(cfg *Config) (*TokenBucket, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("refill rate must be positive")
	}
	if cfg.RefillInterval <= 0 {
		return nil, fmt.Errorf("refill interval must be positive")
	}

	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &TokenBucket{
		name:           name,
		capacity:       cfg.Capacity,
		refillRate:     cfg.RefillRate,
		refillInterval: cfg.RefillInterval,
		tokens:         cfg.Capacity,
		lastRefill:     time.Now(),
	}, nil
}

// Consume attempts to take n tokens without blocking.
func (b *TokenBucket) Consume(n int) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if n > b.capacity {
		// Can never be satisfied, report a definitive denial.
		DeniedTotal.WithLabelValues(b.name).Inc()
		return Result{Allowed: false, Remaining: b.tokens, RetryAfter: -1}
	}

	if b.tokens >= n {
		b.tokens -= n
		AllowedTotal.WithLabelValues(b.name).Inc()
		TokensRemaining.WithLabelValues(b.name).Set(float64(b.tokens))

		return Result{Allowed: true, Remaining: b.tokens}
	}

	deficit := n - b.tokens
	steps := (deficit + b.refillRate - 1) / b.refillRate
	readyAt := b.lastRefill.Add(time.Duration(steps) * b.refillInterval)

	DeniedTotal.WithLabelValues(b.name).Inc()

	return Result{
		Allowed:    false,
		Remaining:  b.tokens,
		RetryAfter: time.Until(readyAt),
	}
}

// ConsumeAndWait takes n tokens, sleeping cooperatively until they are
// available or maxWait elapses. Each sleep is the computed refill wait
// with ±10% jitter, capped to the remaining budget. A denial after the
// budget is spent is final; the only error returned is ctx.Err().
func (b *TokenBucket) ConsumeAndWait(ctx context.Context, n int, maxWait time.Duration) (Result, error) {
	deadline := time.Now().Add(maxWait)

	for {
		res := b.Consume(n)
		if res.Allowed || res.RetryAfter < 0 {
			return res, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return res, nil
		}

		wait := jitter(res.RetryAfter)
		if wait > remaining {
			wait = remaining
		}

		WaitSeconds.WithLabelValues(b.name).Observe(wait.Seconds())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Allowed: false, Remaining: res.Remaining, RetryAfter: res.RetryAfter}, ctx.Err()
		case <-timer.C:
		}
	}
}

// GetStatus returns the bucket state after applying any pending refill.
func (b *TokenBucket) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	return Status{
		Name:           b.name,
		Capacity:       b.capacity,
		Tokens:         b.tokens,
		RefillRate:     b.refillRate,
		RefillInterval: b.refillInterval,
		LastRefill:     b.lastRefill,
	}
}

// refillLocked applies lazy refill. lastRefill advances by whole intervals
// only, so partial elapsed time keeps accruing toward the next step.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.refillInterval {
		return
	}

	steps := int(elapsed / b.refillInterval)
	b.tokens += steps * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(steps) * b.refillInterval)

	TokensRemaining.WithLabelValues(b.name).Set(float64(b.tokens))
}

// jitter spreads a wait by ±10% so synchronized callers do not retry in
// lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	factor := 0.9 + 0.2*rand.Float64()

	return time.Duration(float64(d) * factor)
}
