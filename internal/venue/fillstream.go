package venue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// FillHandler receives confirmed fills as the venue streams them.
type FillHandler func(fill *types.Fill)

// FillStream maintains a websocket subscription to the account's fill
// feed. Fills arrive with the venue's own trade IDs, so downstream
// recording stays idempotent across reconnects and snapshot replays.
type FillStream struct {
	url     string
	user    string
	handler FillHandler
	logger  *zap.Logger

	dialTimeout  time.Duration
	pingInterval time.Duration
	initialDelay time.Duration
	maxDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Protected by mutex
	mu   sync.RWMutex
	conn *websocket.Conn

	connected atomic.Bool
}

// FillStreamConfig holds fill stream configuration.
type FillStreamConfig struct {
	URL                   string
	User                  string
	Handler               FillHandler
	DialTimeout           time.Duration
	PingInterval          time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	Logger                *zap.Logger
}

// NewFillStream creates a fill stream for one account.
func NewFillStream(cfg *FillStreamConfig) (*FillStream, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("user address cannot be empty")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FillStream{
		url:          cfg.URL,
		user:         cfg.User,
		handler:      cfg.Handler,
		logger:       cfg.Logger,
		dialTimeout:  cfg.DialTimeout,
		pingInterval: cfg.PingInterval,
		initialDelay: cfg.ReconnectInitialDelay,
		maxDelay:     cfg.ReconnectMaxDelay,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start connects and begins streaming fills.
func (s *FillStream) Start() error {
	s.logger.Info("fill-stream-starting", zap.String("url", s.url))

	if err := s.connect(s.ctx); err != nil {
		return fmt.Errorf("initial connection: %w", err)
	}

	s.wg.Add(3)
	go s.readLoop()
	go s.pingLoop()
	go s.reconnectLoop()

	return nil
}

// Connected reports whether the stream currently has a live connection.
func (s *FillStream) Connected() bool {
	return s.connected.Load()
}

// Close stops the stream and waits for its goroutines.
func (s *FillStream) Close() error {
	s.cancel()

	s.mu.RLock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.RUnlock()

	s.wg.Wait()
	s.connected.Store(false)
	StreamConnected.Set(0)

	s.logger.Info("fill-stream-closed")

	return nil
}

// wsRequest and friends are the venue's websocket envelope. Keepalive is
// a JSON ping, not a control frame.
type wsRequest struct {
	Method       string          `json:"method"`
	Subscription *wsSubscription `json:"subscription,omitempty"`
}

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type userFillsData struct {
	IsSnapshot bool       `json:"isSnapshot,omitempty"`
	User       string     `json:"user"`
	Fills      []userFill `json:"fills"`
}

type userFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"` // "B" or "A"
	Time      int64  `json:"time"`
	Oid       int64  `json:"oid"`
	Tid       int64  `json:"tid"`
	Cloid     string `json:"cloid,omitempty"`
	Fee       string `json:"fee"`
	ClosedPnl string `json:"closedPnl"`
}

func (f *userFill) toFill() *types.Fill {
	side := types.OrderSideBuy
	if f.Side == "A" {
		side = types.OrderSideSell
	}

	return &types.Fill{
		ID:           strconv.FormatInt(f.Tid, 10),
		OrderID:      f.Cloid,
		VenueOrderID: f.Oid,
		Symbol:       f.Coin,
		Side:         side,
		Price:        parseFloat(f.Px),
		Size:         parseFloat(f.Sz),
		Fee:          parseFloat(f.Fee),
		ClosedPnL:    parseFloat(f.ClosedPnl),
		Timestamp:    millisToTime(f.Time),
	}
}

func (s *FillStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.dialTimeout}

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	sub := wsRequest{
		Method:       "subscribe",
		Subscription: &wsSubscription{Type: "userFills", User: s.user},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()

		return fmt.Errorf("write subscribe message: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.connected.Store(true)
	StreamConnected.Set(1)

	s.logger.Info("fill-stream-connected", zap.String("user", s.user))

	return nil
}

// readLoop drains messages until the connection drops, then returns so
// the reconnect loop can take over.
func (s *FillStream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			time.Sleep(100 * time.Millisecond)

			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("fill-stream-read-error", zap.Error(err))
			}
			s.connected.Store(false)
			StreamConnected.Set(0)

			return
		}

		s.handleMessage(message)
	}
}

func (s *FillStream) handleMessage(message []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		s.logger.Debug("fill-stream-unparseable-message",
			zap.Error(err),
			zap.Int("bytes", len(message)))

		return
	}

	switch envelope.Channel {
	case "userFills":
	case "pong", "subscriptionResponse":
		return
	default:
		s.logger.Debug("fill-stream-unknown-channel", zap.String("channel", envelope.Channel))

		return
	}

	var data userFillsData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		s.logger.Warn("fill-stream-decode-error", zap.Error(err))

		return
	}

	// The first message after (re)subscribe replays history. Skip it;
	// those fills were already accounted for when they happened.
	if data.IsSnapshot {
		s.logger.Debug("fill-stream-snapshot-skipped", zap.Int("fills", len(data.Fills)))

		return
	}

	for i := range data.Fills {
		fill := data.Fills[i].toFill()
		StreamFillsTotal.Inc()
		s.handler(fill)
	}
}

// pingLoop sends the venue's JSON keepalive.
func (s *FillStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.connected.Load() {
				continue
			}

			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()

			if conn == nil {
				continue
			}

			if err := conn.WriteJSON(wsRequest{Method: "ping"}); err != nil {
				s.logger.Warn("fill-stream-ping-error", zap.Error(err))
			}
		}
	}
}

// reconnectLoop redials with exponential backoff whenever the connection
// drops, then restarts the read loop.
func (s *FillStream) reconnectLoop() {
	defer s.wg.Done()

	backoff := s.initialDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.connected.Load() {
			backoff = s.initialDelay
			time.Sleep(time.Second)

			continue
		}

		s.logger.Warn("fill-stream-disconnected", zap.Duration("backoff", backoff))
		StreamReconnectsTotal.Inc()

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}

		if err := s.connect(s.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}

			s.logger.Error("fill-stream-reconnect-failed", zap.Error(err))

			backoff *= 2
			if backoff > s.maxDelay {
				backoff = s.maxDelay
			}

			continue
		}

		s.wg.Add(1)
		go s.readLoop()
	}
}
