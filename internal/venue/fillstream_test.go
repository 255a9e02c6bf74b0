package venue

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

func TestNewFillStream(t *testing.T) {
	t.Parallel()

	valid := func(t *testing.T) *FillStreamConfig {
		return &FillStreamConfig{
			URL:     "wss://example.test/ws",
			User:    testKeyAddress,
			Handler: func(*types.Fill) {},
			Logger:  zaptest.NewLogger(t),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*FillStreamConfig) *FillStreamConfig
		wantErr bool
	}{
		{name: "valid", mutate: func(c *FillStreamConfig) *FillStreamConfig { return c }, wantErr: false},
		{name: "nil-config", mutate: func(*FillStreamConfig) *FillStreamConfig { return nil }, wantErr: true},
		{name: "empty-url", mutate: func(c *FillStreamConfig) *FillStreamConfig { c.URL = ""; return c }, wantErr: true},
		{name: "empty-user", mutate: func(c *FillStreamConfig) *FillStreamConfig { c.User = ""; return c }, wantErr: true},
		{name: "nil-handler", mutate: func(c *FillStreamConfig) *FillStreamConfig { c.Handler = nil; return c }, wantErr: true},
		{name: "nil-logger", mutate: func(c *FillStreamConfig) *FillStreamConfig { c.Logger = nil; return c }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFillStream(tt.mutate(valid(t)))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFillStream() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewFillStreamDefaults(t *testing.T) {
	t.Parallel()

	s, err := NewFillStream(&FillStreamConfig{
		URL:     "wss://example.test/ws",
		User:    testKeyAddress,
		Handler: func(*types.Fill) {},
		Logger:  zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewFillStream: %v", err)
	}
	defer func() { _ = s.Close() }()

	if s.dialTimeout != 10*time.Second {
		t.Errorf("dial timeout = %v, want 10s", s.dialTimeout)
	}
	if s.pingInterval != 30*time.Second {
		t.Errorf("ping interval = %v, want 30s", s.pingInterval)
	}
	if s.initialDelay != time.Second || s.maxDelay != 30*time.Second {
		t.Errorf("reconnect delays = %v/%v, want 1s/30s", s.initialDelay, s.maxDelay)
	}
}

func TestUserFillToFill(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fill     userFill
		wantSide string
		wantID   string
	}{
		{
			name: "buy-fill",
			fill: userFill{
				Coin: "BTC", Px: "50100.5", Sz: "0.25", Side: "B",
				Time: 1700000000000, Oid: 42, Tid: 987654,
				Cloid: "0xabc", Fee: "1.25", ClosedPnl: "-3.5",
			},
			wantSide: types.OrderSideBuy,
			wantID:   "987654",
		},
		{
			name:     "sell-fill",
			fill:     userFill{Coin: "ETH", Px: "3000", Sz: "1", Side: "A", Tid: 1},
			wantSide: types.OrderSideSell,
			wantID:   "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt := tt
			t.Parallel()

			got := tt.fill.toFill()
			if got.ID != tt.wantID {
				t.Errorf("ID = %s, want %s (venue trade id)", got.ID, tt.wantID)
			}
			if got.Side != tt.wantSide {
				t.Errorf("side = %s, want %s", got.Side, tt.wantSide)
			}
			if got.Symbol != tt.fill.Coin {
				t.Errorf("symbol = %s, want %s", got.Symbol, tt.fill.Coin)
			}
		})
	}

	full := userFill{
		Coin: "BTC", Px: "50100.5", Sz: "0.25", Side: "B",
		Time: 1700000000000, Oid: 42, Tid: 987654,
		Cloid: "0xabc", Fee: "1.25", ClosedPnl: "-3.5",
	}
	fill := full.toFill()
	if fill.Price != 50100.5 || fill.Size != 0.25 || fill.Fee != 1.25 || fill.ClosedPnL != -3.5 {
		t.Errorf("numeric fields = %+v, want parsed wire values", fill)
	}
	if fill.VenueOrderID != 42 || fill.OrderID != "0xabc" {
		t.Errorf("order ids = %d/%s, want 42/0xabc", fill.VenueOrderID, fill.OrderID)
	}
	if fill.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v, want venue time", fill.Timestamp)
	}
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		fills []*types.Fill
	)

	s, err := NewFillStream(&FillStreamConfig{
		URL:  "wss://example.test/ws",
		User: testKeyAddress,
		Handler: func(f *types.Fill) {
			mu.Lock()
			defer mu.Unlock()
			fills = append(fills, f)
		},
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewFillStream: %v", err)
	}
	defer func() { _ = s.Close() }()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()

		return len(fills)
	}

	// Snapshot replays are history and must not reach the handler.
	s.handleMessage([]byte(`{"channel":"userFills","data":{"isSnapshot":true,"user":"0x1","fills":[{"coin":"BTC","px":"50000","sz":"1","side":"B","tid":1}]}}`))
	if count() != 0 {
		t.Fatalf("snapshot fills forwarded: %d", count())
	}

	// Control messages are ignored.
	s.handleMessage([]byte(`{"channel":"subscriptionResponse","data":{}}`))
	s.handleMessage([]byte(`{"channel":"pong"}`))
	s.handleMessage([]byte(`not json at all`))
	if count() != 0 {
		t.Fatalf("control messages forwarded fills: %d", count())
	}

	// Live fills flow through.
	s.handleMessage([]byte(`{"channel":"userFills","data":{"user":"0x1","fills":[
		{"coin":"BTC","px":"50100","sz":"0.1","side":"B","tid":11,"oid":5},
		{"coin":"ETH","px":"3000","sz":"2","side":"A","tid":12,"oid":6}
	]}}`))
	if count() != 2 {
		t.Fatalf("live fills = %d, want 2", count())
	}

	mu.Lock()
	defer mu.Unlock()
	if fills[0].ID != "11" || fills[1].ID != "12" {
		t.Errorf("fill ids = %s/%s, want 11/12", fills[0].ID, fills[1].ID)
	}
}

func TestFillStreamDeliversFills(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	received := make(chan *types.Fill, 10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		// Expect the subscribe message first.
		var sub wsRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Method != "subscribe" || sub.Subscription == nil || sub.Subscription.Type != "userFills" {
			t.Errorf("unexpected subscribe message: %+v", sub)

			return
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"subscriptionResponse","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"userFills","data":{"isSnapshot":true,"user":"0x1","fills":[{"coin":"BTC","px":"1","sz":"1","side":"B","tid":1}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"userFills","data":{"user":"0x1","fills":[{"coin":"BTC","px":"50100","sz":"0.1","side":"B","tid":77,"oid":5}]}}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	stream, err := NewFillStream(&FillStreamConfig{
		URL:  wsURL,
		User: testKeyAddress,
		Handler: func(f *types.Fill) {
			received <- f
		},
		PingInterval: 50 * time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewFillStream: %v", err)
	}

	if err := stream.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = stream.Close() }()

	select {
	case fill := <-received:
		if fill.ID != "77" || fill.Symbol != "BTC" || fill.Size != 0.1 {
			t.Errorf("fill = %+v, want tid 77 BTC 0.1", fill)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live fill")
	}

	if !stream.Connected() {
		t.Error("stream should report connected")
	}

	select {
	case extra := <-received:
		t.Errorf("unexpected extra fill %+v (snapshot must be skipped)", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
