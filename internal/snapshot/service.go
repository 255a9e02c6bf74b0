package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// ErrCaptureInProgress is returned when a capture overlaps a running one.
var ErrCaptureInProgress = errors.New("capture already in progress")

// Snapshot is one frozen view of everything the trader believes: venue
// account state, tracked positions and open orders, and the exit plans
// the engine is enforcing.
type Snapshot struct {
	ID        string
	TakenAt   time.Time
	Portfolio types.PortfolioStatus
	Positions []types.Position
	Orders    []types.Order
	Plans     []types.ManagedExitPlan
}

// Info is the listing row for one retained snapshot.
type Info struct {
	ID        string
	TakenAt   time.Time
	Positions int
	Orders    int
	Plans     int
	Bytes     int
}

// AccountSource supplies the venue account view.
type AccountSource interface {
	AccountState(ctx context.Context) (*types.PortfolioStatus, error)
}

// StateSource supplies locally tracked orders and positions.
type StateSource interface {
	OpenOrders() []*types.Order
	AllPositions() []*types.Position
}

// PlanSource supplies the engine's managed exit plans.
type PlanSource interface {
	ExitPlans() []types.ManagedExitPlan
}

// Service captures state snapshots on a timer and on demand, retaining
// the most recent ones in memory as both struct and encoded JSON.
type Service struct {
	venue     AccountSource
	store     StateSource
	plans     PlanSource
	interval  time.Duration
	retention int
	logger    *zap.Logger

	capturing atomic.Bool

	// Protected by mutex
	mu   sync.RWMutex
	ring []entry
}

type entry struct {
	snap *Snapshot
	raw  []byte
}

// Config holds snapshot service configuration.
type Config struct {
	Venue     AccountSource
	Store     StateSource
	Plans     PlanSource    // optional; nil captures no exit plans
	Interval  time.Duration // default 5m
	Retention int           // ring size, default 24
	Logger    *zap.Logger
}

// New creates a snapshot service.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Venue == nil {
		return nil, fmt.Errorf("venue cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24
	}

	return &Service{
		venue:     cfg.Venue,
		store:     cfg.Store,
		plans:     cfg.Plans,
		interval:  interval,
		retention: retention,
		logger:    cfg.Logger,
	}, nil
}

// Start captures once immediately, then on the interval until the
// context is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("snapshot-service-started",
		zap.Duration("interval", s.interval),
		zap.Int("retention", s.retention))

	if _, err := s.Capture(ctx); err != nil {
		s.logger.Error("initial-snapshot-failed", zap.Error(err))
	}

	go s.loop(ctx)
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot-service-stopped")

			return
		case <-ticker.C:
			if _, err := s.Capture(ctx); err != nil && !errors.Is(err, ErrCaptureInProgress) {
				s.logger.Error("snapshot-failed", zap.Error(err))
			}
		}
	}
}

// Capture freezes current state into the ring. Overlapping captures are
// rejected rather than queued.
func (s *Service) Capture(ctx context.Context) (*Snapshot, error) {
	if !s.capturing.CompareAndSwap(false, true) {
		return nil, ErrCaptureInProgress
	}
	defer s.capturing.Store(false)

	start := time.Now()

	account, err := s.venue.AccountState(ctx)
	if err != nil {
		CapturesTotal.WithLabelValues("error").Inc()

		return nil, fmt.Errorf("fetch account state: %w", err)
	}

	snap := &Snapshot{
		ID:        uuid.NewString(),
		TakenAt:   time.Now().UTC(),
		Portfolio: *account,
	}
	for _, p := range s.store.AllPositions() {
		snap.Positions = append(snap.Positions, *p)
	}
	for _, o := range s.store.OpenOrders() {
		snap.Orders = append(snap.Orders, *o)
	}
	if s.plans != nil {
		snap.Plans = s.plans.ExitPlans()
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		CapturesTotal.WithLabelValues("error").Inc()

		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	s.ring = append(s.ring, entry{snap: snap, raw: raw})
	if len(s.ring) > s.retention {
		s.ring = s.ring[len(s.ring)-s.retention:]
	}
	retained := len(s.ring)
	s.mu.Unlock()

	CapturesTotal.WithLabelValues("success").Inc()
	RetainedGauge.Set(float64(retained))
	CaptureDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("snapshot-captured",
		zap.String("snapshot_id", snap.ID),
		zap.Int("positions", len(snap.Positions)),
		zap.Int("orders", len(snap.Orders)),
		zap.Int("plans", len(snap.Plans)),
		zap.Int("bytes", len(raw)))

	return snap.clone(), nil
}

// Latest returns the most recent snapshot, or false when none exists.
func (s *Service) Latest() (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ring) == 0 {
		return nil, false
	}

	return s.ring[len(s.ring)-1].snap.clone(), true
}

// Get returns a retained snapshot by ID.
func (s *Service) Get(id string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.ring {
		if s.ring[i].snap.ID == id {
			return s.ring[i].snap.clone(), true
		}
	}

	return nil, false
}

// List describes every retained snapshot, oldest first.
func (s *Service) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, 0, len(s.ring))
	for _, e := range s.ring {
		out = append(out, Info{
			ID:        e.snap.ID,
			TakenAt:   e.snap.TakenAt,
			Positions: len(e.snap.Positions),
			Orders:    len(e.snap.Orders),
			Plans:     len(e.snap.Plans),
			Bytes:     len(e.raw),
		})
	}

	return out
}

// WriteTo exports every retained snapshot as a JSON file under dir and
// returns the number written.
func (s *Service) WriteTo(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.RLock()
	entries := make([]entry, len(s.ring))
	copy(entries, s.ring)
	s.mu.RUnlock()

	written := 0
	for _, e := range entries {
		name := fmt.Sprintf("snapshot-%s-%s.json",
			e.snap.TakenAt.UTC().Format("20060102T150405"), e.snap.ID[:8])
		if err := os.WriteFile(filepath.Join(dir, name), e.raw, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", name, err)
		}
		written++
		ExportedTotal.Inc()
	}

	s.logger.Info("snapshots-exported", zap.Int("count", written), zap.String("dir", dir))

	return written, nil
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Positions = append([]types.Position(nil), s.Positions...)
	out.Orders = append([]types.Order(nil), s.Orders...)
	out.Plans = append([]types.ManagedExitPlan(nil), s.Plans...)

	return &out
}
