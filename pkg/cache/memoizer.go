package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memoizer coalesces concurrent loads of the same key and caches successful
// results with a per-call TTL. All concurrent callers of one key share a
// single in-flight load; callers arriving within the TTL get the cached
// value without touching the loader. Errors are never cached.
type Memoizer struct {
	cache  Cache
	logger *zap.Logger

	// Protected by mutex
	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

// MemoizerConfig holds memoizer configuration.
type MemoizerConfig struct {
	Cache  Cache
	Logger *zap.Logger
}

// NewMemoizer creates a memoizer backed by the given cache.
func NewMemoizer(cfg *MemoizerConfig) (*Memoizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Memoizer{
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		inflight: make(map[string]*call),
	}, nil
}

// Do returns the cached value for key or runs load once on behalf of all
// concurrent callers, caching a successful result for ttl.
func (m *Memoizer) Do(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if val, ok := m.cache.Get(key); ok {
		return val, nil
	}

	m.mu.Lock()
	if c, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		MemoizerCoalescedTotal.Inc()

		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	m.inflight[key] = c
	m.mu.Unlock()

	MemoizerLoadsTotal.Inc()
	c.val, c.err = load(ctx)
	if c.err == nil {
		m.cache.Set(key, c.val, ttl)
	} else {
		m.logger.Debug("memoizer-load-failed",
			zap.String("key", key),
			zap.Error(c.err))
	}

	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
	close(c.done)

	return c.val, c.err
}

// Invalidate drops a key from the cache. An in-flight load for the key is
// unaffected and will still populate the cache when it completes.
func (m *Memoizer) Invalidate(key string) {
	m.cache.Delete(key)
}
