package markets

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// BookSource supplies L2 depth snapshots. The venue client satisfies it.
type BookSource interface {
	L2Book(ctx context.Context, symbol string) (*types.L2Book, error)
}

const (
	defaultConditionsTTL = 5 * time.Second
	sampleWindow         = 10 * time.Minute
	maxSamples           = 64
)

// ConditionsProvider derives MarketConditions from venue order books,
// cached per symbol. Volatility is estimated from the mid prices of
// successive uncached fetches, so it sharpens as the provider is polled.
type ConditionsProvider struct {
	source BookSource
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger

	// Protected by mutex
	mu      sync.Mutex
	samples map[string][]midSample
}

type midSample struct {
	mid float64
	at  time.Time
}

// ConditionsConfig holds conditions provider configuration.
type ConditionsConfig struct {
	Source BookSource
	Cache  cache.Cache
	TTL    time.Duration // default 5s
	Logger *zap.Logger
}

// NewConditionsProvider creates a conditions provider.
func NewConditionsProvider(cfg *ConditionsConfig) (*ConditionsProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("book source cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultConditionsTTL
	}

	return &ConditionsProvider{
		source:  cfg.Source,
		cache:   cfg.Cache,
		ttl:     ttl,
		logger:  cfg.Logger,
		samples: make(map[string][]midSample),
	}, nil
}

// Get returns current market conditions for a symbol.
func (p *ConditionsProvider) Get(ctx context.Context, symbol string) (*types.MarketConditions, error) {
	cacheKey := "conditions:" + symbol
	if cached, ok := p.cache.Get(cacheKey); ok {
		if conds, ok := cached.(*types.MarketConditions); ok {
			ConditionsFetchesTotal.WithLabelValues("cache_hit").Inc()

			return conds, nil
		}
	}

	book, err := p.source.L2Book(ctx, symbol)
	if err != nil {
		ConditionsFetchesTotal.WithLabelValues("error").Inc()

		return nil, fmt.Errorf("fetch book for %s: %w", symbol, err)
	}

	conds, err := p.derive(symbol, book)
	if err != nil {
		ConditionsFetchesTotal.WithLabelValues("error").Inc()

		return nil, err
	}

	ConditionsFetchesTotal.WithLabelValues("fetched").Inc()
	p.cache.Set(cacheKey, conds, p.ttl)

	p.logger.Debug("market-conditions-derived",
		zap.String("symbol", symbol),
		zap.Float64("spread_pct", conds.SpreadPct),
		zap.Float64("bid_depth", conds.BidDepth),
		zap.Float64("ask_depth", conds.AskDepth),
		zap.Float64("volatility", conds.Volatility))

	return conds, nil
}

func (p *ConditionsProvider) derive(symbol string, book *types.L2Book) (*types.MarketConditions, error) {
	bid := book.BestBid()
	ask := book.BestAsk()
	if bid.Price <= 0 || ask.Price <= 0 {
		return nil, fmt.Errorf("book for %s has no two-sided market", symbol)
	}

	mid := (bid.Price + ask.Price) / 2
	spread := ask.Price - bid.Price

	var bidDepth, askDepth float64
	for _, level := range book.Bids {
		bidDepth += level.Price * level.Size
	}
	for _, level := range book.Asks {
		askDepth += level.Price * level.Size
	}

	return &types.MarketConditions{
		Symbol:     symbol,
		MidPrice:   mid,
		Spread:     spread,
		SpreadPct:  spread / mid,
		BidDepth:   bidDepth,
		AskDepth:   askDepth,
		Volatility: p.recordSample(symbol, mid),
		ObservedAt: time.Now(),
	}, nil
}

// recordSample appends a mid observation and returns the realized
// volatility over the retained window: the standard deviation of simple
// returns between consecutive samples. Needs three samples to say
// anything; reports zero until then.
func (p *ConditionsProvider) recordSample(symbol string, mid float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	samples := append(p.samples[symbol], midSample{mid: mid, at: now})

	cutoff := now.Add(-sampleWindow)
	start := 0
	for start < len(samples) && samples[start].at.Before(cutoff) {
		start++
	}
	samples = samples[start:]
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	p.samples[symbol] = samples

	if len(samples) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].mid
		if prev <= 0 {
			continue
		}
		returns = append(returns, samples[i].mid/prev-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}
