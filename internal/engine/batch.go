package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/internal/venue"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// BatchVenue places grouped orders in one signed exchange action.
// Satisfied by *venue.Client.
type BatchVenue interface {
	PlaceOrders(ctx context.Context, reqs []*venue.OrderRequest) []*types.PlaceOrderResult
}

// batchKey groups orders that can share an exchange action.
type batchKey struct {
	symbol string
	side   string
	typ    string
}

type pendingOrder struct {
	req    *venue.OrderRequest
	result chan *types.PlaceOrderResult
}

// BatchProcessor queues compatible orders and submits each group as a
// single exchange action, trading a little latency for a lower rate
// cost per order.
type BatchProcessor struct {
	venue    BatchVenue
	window   time.Duration
	maxBatch int
	logger   *zap.Logger

	ctx        context.Context
	processing atomic.Bool

	// Protected by mutex
	mu      sync.Mutex
	pending map[batchKey][]pendingOrder
}

// BatchConfig holds batch processor configuration.
type BatchConfig struct {
	Venue    BatchVenue
	Window   time.Duration // flush cadence, default 250ms
	MaxBatch int           // a group this large flushes without waiting, default 5
	Logger   *zap.Logger
}

// NewBatchProcessor creates a batch processor.
func NewBatchProcessor(cfg *BatchConfig) (*BatchProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue client cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	window := cfg.Window
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 5
	}

	return &BatchProcessor{
		venue:    cfg.Venue,
		window:   window,
		maxBatch: maxBatch,
		logger:   cfg.Logger,
		pending:  make(map[batchKey][]pendingOrder),
	}, nil
}

// Start begins the flush timer. Orders queued before Start wait for the
// first window.
func (b *BatchProcessor) Start(ctx context.Context) {
	b.ctx = ctx
	b.logger.Info("batch-processor-started",
		zap.Duration("window", b.window),
		zap.Int("max_batch", b.maxBatch))

	go b.flushLoop(ctx)
}

func (b *BatchProcessor) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.failPending("batch processor shutting down")
			b.logger.Info("batch-processor-stopped")

			return
		case <-ticker.C:
			b.Flush(ctx, "window")
		}
	}
}

// Queue adds one order to its group. The returned channel yields
// exactly one result when the group is flushed. A group that reaches
// the batch limit flushes without waiting for the window.
func (b *BatchProcessor) Queue(req *venue.OrderRequest) <-chan *types.PlaceOrderResult {
	ch := make(chan *types.PlaceOrderResult, 1)
	key := batchKey{symbol: req.Symbol, side: req.Side, typ: req.Type}

	b.mu.Lock()
	b.pending[key] = append(b.pending[key], pendingOrder{req: req, result: ch})
	full := len(b.pending[key]) >= b.maxBatch
	b.mu.Unlock()

	if full {
		ctx := b.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		go b.Flush(ctx, "full")
	}

	return ch
}

// Flush submits every queued group and fans results back to callers.
// Overlapping calls are no-ops, so a slow venue cannot stack flushes.
func (b *BatchProcessor) Flush(ctx context.Context, trigger string) {
	if !b.processing.CompareAndSwap(false, true) {
		return
	}
	defer b.processing.Store(false)

	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[batchKey][]pendingOrder)
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	BatchFlushesTotal.WithLabelValues(trigger).Inc()

	for key, group := range pending {
		reqs := make([]*venue.OrderRequest, len(group))
		for i, p := range group {
			reqs[i] = p.req
		}

		results := b.venue.PlaceOrders(ctx, reqs)
		for i, p := range group {
			p.result <- results[i]
		}

		b.logger.Debug("batch-flushed",
			zap.String("symbol", key.symbol),
			zap.String("side", key.side),
			zap.Int("orders", len(group)),
			zap.String("trigger", trigger))
	}
}

// failPending resolves every queued order with an exception result.
func (b *BatchProcessor) failPending(msg string) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[batchKey][]pendingOrder)
	b.mu.Unlock()

	for _, group := range pending {
		for _, p := range group {
			p.result <- &types.PlaceOrderResult{
				Status:        types.StatusException,
				Symbol:        p.req.Symbol,
				Side:          p.req.Side,
				RequestedSize: p.req.Size,
				Message:       msg,
			}
		}
	}
}
