package statecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Store is the unified in-memory cache of trading state: orders,
// positions, instruments, order books and raw market-data payloads.
// Order lookups by symbol and by venue order ID are index-backed;
// indexes are maintained incrementally on every insert and remove.
type Store struct {
	maxOrders       int
	orderTTL        time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger
	onOrderEvict    func(orderID string)

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sweeping atomic.Bool

	// Protected by mutex
	mu          sync.RWMutex
	orders      map[string]*types.Order
	fifo        []string // insertion order, lazily compacted
	positions   map[string]*types.Position
	instruments map[string]*types.Instrument
	books       map[string]*types.L2Book
	raw         map[string]rawEntry
	bySymbol    map[string]map[string]bool
	byVenueID   map[int64]string
}

type rawEntry struct {
	payload  []byte
	storedAt time.Time
}

// Stats reports entry counts per family.
type Stats struct {
	Orders      int
	Positions   int
	Instruments int
	Books       int
	Raw         int
}

// Config holds state cache configuration.
type Config struct {
	MaxOrders       int           // default 10000
	OrderTTL        time.Duration // terminal orders older than this are swept, default 1h
	CleanupInterval time.Duration // default 1m
	Logger          *zap.Logger

	// OnOrderEvict is called (outside the store lock) for every order
	// removed by capacity eviction or the TTL sweep, so downstream
	// trackers can drop their own state for it.
	OnOrderEvict func(orderID string)
}

// New creates a unified state cache.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	maxOrders := cfg.MaxOrders
	if maxOrders <= 0 {
		maxOrders = 10000
	}
	orderTTL := cfg.OrderTTL
	if orderTTL <= 0 {
		orderTTL = time.Hour
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	return &Store{
		maxOrders:       maxOrders,
		orderTTL:        orderTTL,
		cleanupInterval: cleanupInterval,
		logger:          cfg.Logger,
		onOrderEvict:    cfg.OnOrderEvict,
		orders:          make(map[string]*types.Order),
		positions:       make(map[string]*types.Position),
		instruments:     make(map[string]*types.Instrument),
		books:           make(map[string]*types.L2Book),
		raw:             make(map[string]rawEntry),
		bySymbol:        make(map[string]map[string]bool),
		byVenueID:       make(map[int64]string),
	}, nil
}

// Start launches the cleanup janitor.
func (s *Store) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.janitor(runCtx)

	s.logger.Info("state-cache-started",
		zap.Int("max_orders", s.maxOrders),
		zap.Duration("order_ttl", s.orderTTL),
		zap.Duration("cleanup_interval", s.cleanupInterval))

	return nil
}

// Close stops the janitor.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("state-cache-closed")

	return nil
}

func (s *Store) janitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// UpsertOrder inserts or replaces an order. New orders past the capacity
// limit evict the oldest cached order first.
func (s *Store) UpsertOrder(order *types.Order) {
	if order == nil || order.ID == "" {
		return
	}

	var evicted []string

	s.mu.Lock()
	stored := *order
	if _, exists := s.orders[order.ID]; !exists {
		for len(s.orders) >= s.maxOrders {
			id, ok := s.evictOldestLocked()
			if !ok {
				break
			}
			evicted = append(evicted, id)
		}
		s.fifo = append(s.fifo, order.ID)
	}
	s.orders[order.ID] = &stored
	s.indexOrderLocked(&stored)
	count := len(s.orders)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("orders").Set(float64(count))

	for _, id := range evicted {
		EvictionsTotal.WithLabelValues("capacity").Inc()
		s.logger.Warn("order-evicted-at-capacity", zap.String("order_id", id))
		if s.onOrderEvict != nil {
			s.onOrderEvict(id)
		}
	}
}

// evictOldestLocked removes the oldest still-cached order. Returns false
// when nothing is left to evict.
func (s *Store) evictOldestLocked() (string, bool) {
	for len(s.fifo) > 0 {
		id := s.fifo[0]
		s.fifo = s.fifo[1:]
		order, ok := s.orders[id]
		if !ok {
			continue // already removed, stale queue entry
		}
		s.removeOrderLocked(order)

		return id, true
	}

	return "", false
}

// GetOrder returns a copy of the cached order.
func (s *Store) GetOrder(orderID string) (*types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	orderCopy := *order

	return &orderCopy, true
}

// GetOrderByVenueID resolves a venue order ID through the index.
func (s *Store) GetOrderByVenueID(venueOrderID int64) (*types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byVenueID[venueOrderID]
	if !ok {
		return nil, false
	}
	order, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	orderCopy := *order

	return &orderCopy, true
}

// OrdersBySymbol returns copies of all cached orders for a symbol.
func (s *Store) OrdersBySymbol(symbol string) []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySymbol[symbol]
	out := make([]*types.Order, 0, len(ids))
	for id := range ids {
		if order, ok := s.orders[id]; ok {
			orderCopy := *order
			out = append(out, &orderCopy)
		}
	}

	return out
}

// OpenOrders returns copies of all non-terminal cached orders.
func (s *Store) OpenOrders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Order
	for _, order := range s.orders {
		if order.Terminal() {
			continue
		}
		orderCopy := *order
		out = append(out, &orderCopy)
	}

	return out
}

// RemoveOrder drops an order and its index entries.
func (s *Store) RemoveOrder(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return false
	}
	s.removeOrderLocked(order)
	EntriesGauge.WithLabelValues("orders").Set(float64(len(s.orders)))

	return true
}

func (s *Store) indexOrderLocked(order *types.Order) {
	set, ok := s.bySymbol[order.Symbol]
	if !ok {
		set = make(map[string]bool)
		s.bySymbol[order.Symbol] = set
	}
	set[order.ID] = true

	if order.VenueOrderID != 0 {
		s.byVenueID[order.VenueOrderID] = order.ID
	}
}

func (s *Store) removeOrderLocked(order *types.Order) {
	delete(s.orders, order.ID)

	if set, ok := s.bySymbol[order.Symbol]; ok {
		delete(set, order.ID)
		if len(set) == 0 {
			delete(s.bySymbol, order.Symbol)
		}
	}
	if order.VenueOrderID != 0 && s.byVenueID[order.VenueOrderID] == order.ID {
		delete(s.byVenueID, order.VenueOrderID)
	}
}

// UpsertPosition stores a position keyed by symbol.
func (s *Store) UpsertPosition(position *types.Position) {
	if position == nil || position.Symbol == "" {
		return
	}

	s.mu.Lock()
	stored := *position
	s.positions[position.Symbol] = &stored
	count := len(s.positions)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("positions").Set(float64(count))
}

// GetPosition returns a copy of the cached position for a symbol.
func (s *Store) GetPosition(symbol string) (*types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	position, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	positionCopy := *position

	return &positionCopy, true
}

// AllPositions returns copies of all cached positions.
func (s *Store) AllPositions() []*types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Position, 0, len(s.positions))
	for _, position := range s.positions {
		positionCopy := *position
		out = append(out, &positionCopy)
	}

	return out
}

// RemovePosition drops the cached position for a symbol.
func (s *Store) RemovePosition(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[symbol]; !ok {
		return false
	}
	delete(s.positions, symbol)
	EntriesGauge.WithLabelValues("positions").Set(float64(len(s.positions)))

	return true
}

// ReplacePositions swaps the whole position family for a fresh venue
// snapshot, returning symbols that disappeared.
func (s *Store) ReplacePositions(positions []*types.Position) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*types.Position, len(positions))
	for _, position := range positions {
		if position == nil || position.Symbol == "" {
			continue
		}
		stored := *position
		next[position.Symbol] = &stored
	}

	var removed []string
	for symbol := range s.positions {
		if _, ok := next[symbol]; !ok {
			removed = append(removed, symbol)
		}
	}
	s.positions = next
	EntriesGauge.WithLabelValues("positions").Set(float64(len(s.positions)))

	return removed
}

// UpsertInstrument stores instrument metadata keyed by symbol.
func (s *Store) UpsertInstrument(instrument *types.Instrument) {
	if instrument == nil || instrument.Symbol == "" {
		return
	}

	s.mu.Lock()
	stored := *instrument
	s.instruments[instrument.Symbol] = &stored
	count := len(s.instruments)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("instruments").Set(float64(count))
}

// GetInstrument returns a copy of the cached instrument.
func (s *Store) GetInstrument(symbol string) (*types.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instrument, ok := s.instruments[symbol]
	if !ok {
		return nil, false
	}
	instrumentCopy := *instrument

	return &instrumentCopy, true
}

// UpsertBook stores an order book keyed by its symbol. Levels are copied.
func (s *Store) UpsertBook(book *types.L2Book) {
	if book == nil || book.Symbol == "" {
		return
	}

	s.mu.Lock()
	stored := *book
	stored.Bids = append([]types.BookLevel(nil), book.Bids...)
	stored.Asks = append([]types.BookLevel(nil), book.Asks...)
	s.books[book.Symbol] = &stored
	count := len(s.books)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("books").Set(float64(count))
}

// GetBook returns a copy of the cached order book for a symbol.
func (s *Store) GetBook(symbol string) (*types.L2Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[symbol]
	if !ok {
		return nil, false
	}
	bookCopy := *book
	bookCopy.Bids = append([]types.BookLevel(nil), book.Bids...)
	bookCopy.Asks = append([]types.BookLevel(nil), book.Asks...)

	return &bookCopy, true
}

// UpsertRaw stores an opaque market-data payload under a caller key.
func (s *Store) UpsertRaw(key string, payload []byte) {
	if key == "" {
		return
	}

	s.mu.Lock()
	s.raw[key] = rawEntry{
		payload:  append([]byte(nil), payload...),
		storedAt: time.Now(),
	}
	count := len(s.raw)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("raw").Set(float64(count))
}

// GetRaw returns a raw payload and when it was stored.
func (s *Store) GetRaw(key string) ([]byte, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.raw[key]
	if !ok {
		return nil, time.Time{}, false
	}

	return append([]byte(nil), entry.payload...), entry.storedAt, true
}

// Sweep removes terminal orders older than the TTL and compacts the
// eviction queue. Overlapping sweeps are skipped.
func (s *Store) Sweep() {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Warn("cleanup-sweep-overlap-skipped")

		return
	}
	defer s.sweeping.Store(false)

	start := time.Now()
	cutoff := start.Add(-s.orderTTL)

	var evicted []string

	s.mu.Lock()
	for id, order := range s.orders {
		if order.Terminal() && order.UpdatedAt.Before(cutoff) {
			s.removeOrderLocked(order)
			evicted = append(evicted, id)
		}
	}
	if len(s.fifo) > len(s.orders) {
		compacted := s.fifo[:0]
		for _, id := range s.fifo {
			if _, ok := s.orders[id]; ok {
				compacted = append(compacted, id)
			}
		}
		s.fifo = compacted
	}
	count := len(s.orders)
	s.mu.Unlock()

	EntriesGauge.WithLabelValues("orders").Set(float64(count))
	SweepDuration.Observe(time.Since(start).Seconds())

	for _, id := range evicted {
		EvictionsTotal.WithLabelValues("ttl").Inc()
		if s.onOrderEvict != nil {
			s.onOrderEvict(id)
		}
	}

	if len(evicted) > 0 {
		s.logger.Debug("terminal-orders-swept",
			zap.Int("count", len(evicted)),
			zap.Duration("ttl", s.orderTTL))
	}
}

// CheckIntegrity walks the order indexes in both directions and reports
// every orphaned or missing reference found.
func (s *Store) CheckIntegrity() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []string

	for id, order := range s.orders {
		set, ok := s.bySymbol[order.Symbol]
		if !ok || !set[id] {
			issues = append(issues, fmt.Sprintf("order %s missing from symbol index %s", id, order.Symbol))
		}
		if order.VenueOrderID != 0 && s.byVenueID[order.VenueOrderID] != id {
			issues = append(issues, fmt.Sprintf("order %s missing from venue index %d", id, order.VenueOrderID))
		}
	}

	for symbol, set := range s.bySymbol {
		for id := range set {
			order, ok := s.orders[id]
			if !ok {
				issues = append(issues, fmt.Sprintf("symbol index %s references missing order %s", symbol, id))

				continue
			}
			if order.Symbol != symbol {
				issues = append(issues, fmt.Sprintf("symbol index %s references order %s with symbol %s", symbol, id, order.Symbol))
			}
		}
	}

	for venueID, id := range s.byVenueID {
		order, ok := s.orders[id]
		if !ok {
			issues = append(issues, fmt.Sprintf("venue index %d references missing order %s", venueID, id))

			continue
		}
		if order.VenueOrderID != venueID {
			issues = append(issues, fmt.Sprintf("venue index %d references order %s with venue id %d", venueID, id, order.VenueOrderID))
		}
	}

	IntegrityIssues.Set(float64(len(issues)))

	return issues
}

// GetStats returns entry counts per cache family.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Orders:      len(s.orders),
		Positions:   len(s.positions),
		Instruments: len(s.instruments),
		Books:       len(s.books),
		Raw:         len(s.raw),
	}
}
