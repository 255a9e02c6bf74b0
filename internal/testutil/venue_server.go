// Package testutil provides shared test doubles: a programmable fake
// Hyperliquid API server, a scripted safety monitor, and domain
// fixtures.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// FakeHyperliquid is an in-process venue API double serving both the
// /info and /exchange endpoints. Market state is programmable per test;
// the default exchange behavior fills every order at its limit price.
type FakeHyperliquid struct {
	server *httptest.Server

	mu            sync.Mutex
	symbols       []string // universe order; index is the wire asset ID
	mids          map[string]float64
	positions     map[string]types.Position
	openOrders    []types.Order
	equity        float64
	available     float64
	marginUsed    float64
	depthSize     float64
	nextOid       int64
	infoCalls     map[string]int
	exchangeCalls int
	exchangeFn    func(call int, action string, body []byte) (int, string)
}

// NewFakeHyperliquid starts a fake venue with BTC, ETH and SOL listed
// and a funded account. The server is closed via t.Cleanup.
func NewFakeHyperliquid(t *testing.T) *FakeHyperliquid {
	t.Helper()

	f := &FakeHyperliquid{
		symbols:   []string{"BTC", "ETH", "SOL"},
		mids:      map[string]float64{"BTC": 50000, "ETH": 3000, "SOL": 150},
		positions: make(map[string]types.Position),
		equity:    10000,
		available: 8000,
		depthSize: 10,
		nextOid:   1000,
		infoCalls: make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)

	return f
}

// URL returns the fake's base URL for venue client configuration.
func (f *FakeHyperliquid) URL() string {
	return f.server.URL
}

// SetMid sets a symbol's mid price, listing the symbol if needed.
func (f *FakeHyperliquid) SetMid(symbol string, mid float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.mids[symbol]; !ok {
		f.symbols = append(f.symbols, symbol)
	}
	f.mids[symbol] = mid
}

// SetBalances sets the account summary numbers.
func (f *FakeHyperliquid) SetBalances(equity, available, marginUsed float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.equity = equity
	f.available = available
	f.marginUsed = marginUsed
}

// SetPosition installs or replaces an open position.
func (f *FakeHyperliquid) SetPosition(p types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.positions[p.Symbol] = p
}

// RemovePosition drops a position, as after a full close.
func (f *FakeHyperliquid) RemovePosition(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.positions, symbol)
}

// SetOpenOrders installs the resting-order list served by openOrders.
func (f *FakeHyperliquid) SetOpenOrders(orders ...types.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openOrders = append([]types.Order(nil), orders...)
}

// ScriptExchange replaces the exchange handler. fn receives the 1-based
// call number, the decoded action type and the raw request body, and
// returns the HTTP status and response body. Passing nil restores the
// default fill-everything behavior.
func (f *FakeHyperliquid) ScriptExchange(fn func(call int, action string, body []byte) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exchangeFn = fn
}

// FailExchange makes the first n exchange calls answer with the given
// HTTP status, then restores default behavior.
func (f *FakeHyperliquid) FailExchange(n, status int) {
	f.ScriptExchange(func(call int, action string, body []byte) (int, string) {
		if call <= n {
			return status, `{"status":"err","response":"injected failure"}`
		}

		return f.defaultExchange(action, body)
	})
}

// InfoCount returns how many /info calls of the given type arrived.
func (f *FakeHyperliquid) InfoCount(infoType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.infoCalls[infoType]
}

// ExchangeCount returns how many /exchange calls arrived.
func (f *FakeHyperliquid) ExchangeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.exchangeCalls
}

func (f *FakeHyperliquid) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/info":
		f.handleInfo(w, body)
	case "/exchange":
		f.handleExchange(w, body)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (f *FakeHyperliquid) handleInfo(w http.ResponseWriter, body []byte) {
	var req struct {
		Type string `json:"type"`
		Coin string `json:"coin"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	f.infoCalls[req.Type]++
	f.mu.Unlock()

	switch req.Type {
	case "meta":
		fmt.Fprint(w, f.metaBody())
	case "allMids":
		fmt.Fprint(w, f.midsBody())
	case "clearinghouseState":
		fmt.Fprint(w, f.accountBody())
	case "openOrders":
		fmt.Fprint(w, f.openOrdersBody())
	case "l2Book":
		fmt.Fprint(w, f.bookBody(req.Coin))
	default:
		http.Error(w, "unknown info type", http.StatusBadRequest)
	}
}

func (f *FakeHyperliquid) handleExchange(w http.ResponseWriter, body []byte) {
	var req struct {
		Action struct {
			Type string `json:"type"`
		} `json:"action"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	f.exchangeCalls++
	call := f.exchangeCalls
	fn := f.exchangeFn
	f.mu.Unlock()

	var status int
	var resp string
	if fn != nil {
		status, resp = fn(call, req.Action.Type, body)
	} else {
		status, resp = f.defaultExchange(req.Action.Type, body)
	}

	w.WriteHeader(status)
	fmt.Fprint(w, resp)
}

// defaultExchange fills orders at their limit price and acknowledges
// cancels and leverage updates.
func (f *FakeHyperliquid) defaultExchange(action string, body []byte) (int, string) {
	switch action {
	case "order":
		var req struct {
			Action struct {
				Orders []struct {
					Size  string `json:"s"`
					Price string `json:"p"`
				} `json:"orders"`
			} `json:"action"`
		}
		_ = json.Unmarshal(body, &req)

		statuses := make([]string, 0, len(req.Action.Orders))
		for _, o := range req.Action.Orders {
			f.mu.Lock()
			f.nextOid++
			oid := f.nextOid
			f.mu.Unlock()
			statuses = append(statuses, fmt.Sprintf(
				`{"filled":{"totalSz":%q,"avgPx":%q,"oid":%d}}`, o.Size, o.Price, oid))
		}

		return http.StatusOK, fmt.Sprintf(
			`{"status":"ok","response":{"type":"order","data":{"statuses":[%s]}}}`,
			join(statuses))
	case "cancel":
		return http.StatusOK,
			`{"status":"ok","response":{"type":"cancel","data":{"statuses":["success"]}}}`
	case "updateLeverage":
		return http.StatusOK,
			`{"status":"ok","response":{"type":"default","data":{"statuses":["success"]}}}`
	default:
		return http.StatusBadRequest, `{"status":"err","response":"unknown action"}`
	}
}

func (f *FakeHyperliquid) metaBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		entries = append(entries, fmt.Sprintf(
			`{"name":%q,"szDecimals":%d,"maxLeverage":50}`, symbol, szDecimalsFor(symbol)))
	}

	return `{"universe":[` + join(entries) + `]}`
}

func (f *FakeHyperliquid) midsBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]string, 0, len(f.mids))
	for symbol, mid := range f.mids {
		entries = append(entries, fmt.Sprintf("%q:%q", symbol, formatPx(mid)))
	}

	return "{" + join(entries) + "}"
}

func (f *FakeHyperliquid) accountBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]string, 0, len(f.positions))
	for _, symbol := range f.symbols {
		p, ok := f.positions[symbol]
		if !ok {
			continue
		}
		szi := p.Size
		if p.Side == types.SideShort {
			szi = -p.Size
		}
		entries = append(entries, fmt.Sprintf(
			`{"position":{"coin":%q,"szi":%q,"entryPx":%q,"positionValue":%q,"unrealizedPnl":%q,"liquidationPx":%q,"marginUsed":%q,"returnOnEquity":"0","leverage":{"type":"cross","value":%d}}}`,
			p.Symbol, formatPx(szi), formatPx(p.EntryPrice), formatPx(p.Size*p.MarkPrice),
			formatPx(p.UnrealizedPnL), formatPx(p.LiquidationPrice), formatPx(p.MarginUsed), p.Leverage))
	}

	return fmt.Sprintf(
		`{"marginSummary":{"accountValue":%q,"totalMarginUsed":%q,"totalNtlPos":"0"},"withdrawable":%q,"assetPositions":[%s],"time":1700000000000}`,
		formatPx(f.equity), formatPx(f.marginUsed), formatPx(f.available), join(entries))
}

func (f *FakeHyperliquid) openOrdersBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]string, 0, len(f.openOrders))
	for _, o := range f.openOrders {
		side := "B"
		if o.Side == types.OrderSideSell {
			side = "A"
		}
		entries = append(entries, fmt.Sprintf(
			`{"coin":%q,"side":%q,"limitPx":%q,"sz":%q,"origSz":%q,"oid":%d,"timestamp":1700000000000}`,
			o.Symbol, side, formatPx(o.Price), formatPx(o.Remaining()), formatPx(o.Size), o.VenueOrderID))
	}

	return "[" + join(entries) + "]"
}

// bookBody serves a symmetric two-level book around the mid.
func (f *FakeHyperliquid) bookBody(symbol string) string {
	f.mu.Lock()
	mid := f.mids[symbol]
	size := f.depthSize
	f.mu.Unlock()

	if mid == 0 {
		return fmt.Sprintf(`{"coin":%q,"levels":[[],[]],"time":1700000000000}`, symbol)
	}

	return fmt.Sprintf(
		`{"coin":%q,"levels":[[{"px":%q,"sz":%q,"n":3},{"px":%q,"sz":%q,"n":5}],[{"px":%q,"sz":%q,"n":2},{"px":%q,"sz":%q,"n":4}]],"time":1700000000000}`,
		symbol,
		formatPx(mid*0.9995), formatPx(size), formatPx(mid*0.999), formatPx(size*2),
		formatPx(mid*1.0005), formatPx(size), formatPx(mid*1.001), formatPx(size*2))
}

func szDecimalsFor(symbol string) int {
	switch symbol {
	case "BTC":
		return 5
	case "ETH":
		return 4
	default:
		return 2
	}
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}

	return out
}
