package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/doctadg/perpstrader-sub009/pkg/ratelimit"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Limiter throttles outbound venue traffic with one bucket per endpoint
// class. Info reads and exchange writes have independent budgets.
type Limiter struct {
	info     *ratelimit.TokenBucket
	exchange *ratelimit.TokenBucket
	maxWait  time.Duration
}

// LimiterConfig holds venue rate-limiter configuration.
type LimiterConfig struct {
	InfoCapacity     int
	InfoRefill       int // tokens per second
	ExchangeCapacity int
	ExchangeRefill   int
	MaxWait          time.Duration
}

// NewLimiter creates the per-endpoint-class buckets.
func NewLimiter(cfg *LimiterConfig) (*Limiter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("max wait must be positive")
	}

	info, err := ratelimit.New(&ratelimit.Config{
		Name:           "venue-info",
		Capacity:       cfg.InfoCapacity,
		RefillRate:     cfg.InfoRefill,
		RefillInterval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("info bucket: %w", err)
	}

	exchange, err := ratelimit.New(&ratelimit.Config{
		Name:           "venue-exchange",
		Capacity:       cfg.ExchangeCapacity,
		RefillRate:     cfg.ExchangeRefill,
		RefillInterval: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("exchange bucket: %w", err)
	}

	return &Limiter{info: info, exchange: exchange, maxWait: cfg.MaxWait}, nil
}

// ExchangeWeight is the venue's batch cost formula.
func ExchangeWeight(orderCount int) int {
	if orderCount < 1 {
		orderCount = 1
	}

	return 1 + orderCount/40
}

// WaitInfo blocks until the info bucket grants weight tokens.
func (l *Limiter) WaitInfo(ctx context.Context, weight int) error {
	return l.wait(ctx, l.info, weight)
}

// WaitExchange blocks until the exchange bucket grants the batch weight.
func (l *Limiter) WaitExchange(ctx context.Context, orderCount int) error {
	return l.wait(ctx, l.exchange, ExchangeWeight(orderCount))
}

func (l *Limiter) wait(ctx context.Context, bucket *ratelimit.TokenBucket, weight int) error {
	res, err := bucket.ConsumeAndWait(ctx, weight, l.maxWait)
	if err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if !res.Allowed {
		return &types.VenueError{
			Op:        "rate-limit",
			Code:      types.VenueErrRateLimited,
			Message:   fmt.Sprintf("local limiter starved after %s", l.maxWait),
			Transient: true,
		}
	}

	return nil
}

// InfoStatus and ExchangeStatus expose bucket state for the ops endpoints.
func (l *Limiter) InfoStatus() ratelimit.Status { return l.info.GetStatus() }

// ExchangeStatus returns the exchange bucket state.
func (l *Limiter) ExchangeStatus() ratelimit.Status { return l.exchange.GetStatus() }
