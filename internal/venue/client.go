package venue

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/cache"
	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Cache keys for memoized reads. Account-scoped keys embed the address so
// a client switch never serves another account's state.
const (
	keyMeta = "venue:meta"
	keyMids = "venue:mids"
)

func keyAccount(addr string) string { return "venue:account:" + addr }
func keyOrders(addr string) string  { return "venue:orders:" + addr }
func keyBook(symbol string) string  { return "venue:book:" + symbol }

// Info request weights from the venue's published rate schedule. Exchange
// weights are computed per batch in ExchangeWeight.
const (
	weightMeta  = 20
	weightLight = 2
)

// FillGuard receives orders before they are submitted and fills as they
// are confirmed, so quantity accounting starts before the venue can
// answer. Satisfied by overfill.Protection.
type FillGuard interface {
	RegisterOrder(order *types.Order)
	RecordFill(fill *types.Fill) error
}

// OrderRequest describes one order to place. A zero Price means "derive
// from the current mid with slippage", which is also how market orders
// are expressed on this venue (aggressive IOC limit).
type OrderRequest struct {
	Symbol        string
	Side          string // "BUY" or "SELL"
	Type          string // "MARKET" or "LIMIT"
	Price         float64
	Size          float64
	ReduceOnly    bool
	ClientOrderID string // optional; generated when empty
}

// Config holds venue client configuration.
type Config struct {
	APIURL      string
	Testnet     bool
	PrivateKey  string // optional; the client is read-only without it
	MainAddress string // account to query; defaults to the signing address

	Timeout time.Duration

	MetaTTL    time.Duration
	MidsTTL    time.Duration
	AccountTTL time.Duration
	OrdersTTL  time.Duration
	BookTTL    time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SlippagePct    float64

	// RecordResponseFills forwards fills parsed from order responses to
	// the FillGuard. Disable when a fill stream is attached; it reports
	// the same fills.
	RecordResponseFills bool

	Limiter  *Limiter
	Memoizer *cache.Memoizer
	Guard    FillGuard // optional
	Logger   *zap.Logger
}

// Client talks to the venue's info and exchange endpoints. Reads are
// memoized behind per-endpoint TTLs; writes are signed, rate limited and
// retried on transient failures only.
type Client struct {
	baseURL string
	testnet bool
	http    *http.Client
	logger  *zap.Logger

	signer      *Signer // nil for read-only clients
	mainAddress string

	limiter *Limiter
	memo    *cache.Memoizer
	guard   FillGuard

	metaTTL    time.Duration
	midsTTL    time.Duration
	accountTTL time.Duration
	ordersTTL  time.Duration
	bookTTL    time.Duration

	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	slippagePct    float64
	recordFills    bool

	// Protected by mutex
	mu          sync.RWMutex
	instruments map[string]types.Instrument

	lastNonce atomic.Uint64
}

// New creates a venue client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("API URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}
	if cfg.SlippagePct < 0 {
		return nil, fmt.Errorf("slippage percent cannot be negative")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("limiter cannot be nil")
	}
	if cfg.Memoizer == nil {
		return nil, fmt.Errorf("memoizer cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		testnet: cfg.Testnet,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,

		mainAddress: cfg.MainAddress,

		limiter: cfg.Limiter,
		memo:    cfg.Memoizer,
		guard:   cfg.Guard,

		metaTTL:    cfg.MetaTTL,
		midsTTL:    cfg.MidsTTL,
		accountTTL: cfg.AccountTTL,
		ordersTTL:  cfg.OrdersTTL,
		bookTTL:    cfg.BookTTL,

		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		slippagePct:    cfg.SlippagePct,
		recordFills:    cfg.RecordResponseFills,

		instruments: make(map[string]types.Instrument),
	}

	if cfg.PrivateKey != "" {
		signer, err := NewSigner(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}

		c.signer = signer
		if c.mainAddress == "" {
			c.mainAddress = signer.Address().Hex()
		}
	}

	return c, nil
}

// HasWallet reports whether the client can sign exchange actions.
func (c *Client) HasWallet() bool {
	return c.signer != nil
}

// Address returns the account address used for state queries. Empty on a
// read-only client with no explicit address.
func (c *Client) Address() string {
	return c.mainAddress
}

// Initialize loads the instrument universe. Safe to call repeatedly; the
// universe refreshes at most once per MetaTTL.
func (c *Client) Initialize(ctx context.Context) error {
	v, err := c.memo.Do(ctx, keyMeta, c.metaTTL, func(ctx context.Context) (interface{}, error) {
		if err := c.limiter.WaitInfo(ctx, weightMeta); err != nil {
			return nil, err
		}

		var resp metaResponse
		if err := c.post(ctx, "/info", infoRequest{Type: "meta"}, &resp); err != nil {
			return nil, err
		}

		instruments := make(map[string]types.Instrument, len(resp.Universe))
		for i, entry := range resp.Universe {
			instruments[entry.Name] = types.Instrument{
				Symbol:       entry.Name,
				AssetID:      i,
				SzDecimals:   entry.SzDecimals,
				MaxLeverage:  entry.MaxLeverage,
				OnlyIsolated: entry.OnlyIsolated,
			}
		}

		return instruments, nil
	})
	if err != nil {
		return fmt.Errorf("load instrument universe: %w", err)
	}

	instruments := v.(map[string]types.Instrument)

	c.mu.Lock()
	c.instruments = instruments
	c.mu.Unlock()

	return nil
}

// Instrument returns metadata for symbol from the last loaded universe.
func (c *Client) Instrument(symbol string) (types.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instruments[symbol]

	return inst, ok
}

// Instruments returns the last loaded universe.
func (c *Client) Instruments() []types.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}

	return out
}

// AllMids returns mid prices for every listed symbol.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	v, err := c.memo.Do(ctx, keyMids, c.midsTTL, func(ctx context.Context) (interface{}, error) {
		if err := c.limiter.WaitInfo(ctx, weightLight); err != nil {
			return nil, err
		}

		var resp allMidsResponse
		if err := c.post(ctx, "/info", infoRequest{Type: "allMids"}, &resp); err != nil {
			return nil, err
		}

		mids := make(map[string]float64, len(resp))
		for symbol, px := range resp {
			// "@N" keys are venue-internal index entries.
			if strings.HasPrefix(symbol, "@") {
				continue
			}

			mids[symbol] = parseFloat(px)
		}

		return mids, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch mids: %w", err)
	}

	return v.(map[string]float64), nil
}

// MidPrice returns the current mid for one symbol, 0 when unlisted.
func (c *Client) MidPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return 0, err
	}

	return mids[symbol], nil
}

// AccountState returns balances and open positions for the configured
// account.
func (c *Client) AccountState(ctx context.Context) (*types.PortfolioStatus, error) {
	if c.mainAddress == "" {
		return nil, &types.VenueError{Op: "account", Code: types.VenueErrNoWallet, Message: "no account address configured"}
	}

	v, err := c.memo.Do(ctx, keyAccount(c.mainAddress), c.accountTTL, func(ctx context.Context) (interface{}, error) {
		if err := c.limiter.WaitInfo(ctx, weightLight); err != nil {
			return nil, err
		}

		var resp clearinghouseStateResponse
		if err := c.post(ctx, "/info", infoRequest{Type: "clearinghouseState", User: c.mainAddress}, &resp); err != nil {
			return nil, err
		}

		return toPortfolioStatus(&resp), nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch account state: %w", err)
	}

	return v.(*types.PortfolioStatus), nil
}

// OpenOrders returns the resting orders for the configured account.
func (c *Client) OpenOrders(ctx context.Context) ([]types.Order, error) {
	if c.mainAddress == "" {
		return nil, &types.VenueError{Op: "orders", Code: types.VenueErrNoWallet, Message: "no account address configured"}
	}

	v, err := c.memo.Do(ctx, keyOrders(c.mainAddress), c.ordersTTL, func(ctx context.Context) (interface{}, error) {
		if err := c.limiter.WaitInfo(ctx, weightLight); err != nil {
			return nil, err
		}

		var resp []openOrderEntry
		if err := c.post(ctx, "/info", infoRequest{Type: "openOrders", User: c.mainAddress}, &resp); err != nil {
			return nil, err
		}

		orders := make([]types.Order, 0, len(resp))
		for i := range resp {
			orders = append(orders, resp[i].toOrder())
		}

		return orders, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}

	return v.([]types.Order), nil
}

// L2Book returns a depth snapshot for symbol.
func (c *Client) L2Book(ctx context.Context, symbol string) (*types.L2Book, error) {
	v, err := c.memo.Do(ctx, keyBook(symbol), c.bookTTL, func(ctx context.Context) (interface{}, error) {
		if err := c.limiter.WaitInfo(ctx, weightLight); err != nil {
			return nil, err
		}

		var resp l2BookResponse
		if err := c.post(ctx, "/info", infoRequest{Type: "l2Book", Coin: symbol}, &resp); err != nil {
			return nil, err
		}

		return toL2Book(symbol, &resp), nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch book for %s: %w", symbol, err)
	}

	return v.(*types.L2Book), nil
}

// PlaceOrder submits one order and returns a tagged result. The status
// field always explains the outcome; no error return exists because every
// failure mode is an expected, distinguishable case the engine routes on.
func (c *Client) PlaceOrder(ctx context.Context, req *OrderRequest) *types.PlaceOrderResult {
	result := &types.PlaceOrderResult{
		Status:        types.StatusException,
		Symbol:        req.Symbol,
		Side:          req.Side,
		RequestedSize: req.Size,
	}

	if c.signer == nil {
		result.Status = types.StatusNoWallet
		result.Message = "no signing key configured"
		c.countOrder(result.Status)

		return result
	}

	if err := c.Initialize(ctx); err != nil {
		result.Message = err.Error()
		c.countOrder(result.Status)

		return result
	}

	inst, ok := c.Instrument(req.Symbol)
	if !ok {
		result.Status = types.StatusInvalidSymbol
		result.Message = fmt.Sprintf("symbol %s not in venue universe", req.Symbol)
		c.countOrder(result.Status)

		return result
	}

	pxDecimals, szDecimals := precisionFor(req.Symbol, &inst)

	sizeStr := FormatSize(req.Size, szDecimals)
	size := parseFloat(sizeStr)
	if size <= 0 {
		result.Status = types.StatusError
		result.Message = fmt.Sprintf("size %v rounds to zero at %d decimals", req.Size, szDecimals)
		c.countOrder(result.Status)

		return result
	}
	result.RequestedSize = size

	cloid := req.ClientOrderID
	if cloid == "" {
		cloid = newCloid()
	}
	result.ClientOrderID = cloid

	order := &types.Order{
		ID:            uuid.NewString(),
		ClientOrderID: cloid,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Size:          size,
		Status:        types.OrderStateNew,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if c.guard != nil {
		c.guard.RegisterOrder(order)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result.Attempts = attempt + 1
		if attempt > 0 {
			OrderRetriesTotal.Inc()
			if !c.backoff(ctx, attempt-1) {
				result.Message = ctx.Err().Error()
				c.countOrder(result.Status)

				return result
			}
		}

		px := req.Price
		if px == 0 || req.Type == types.OrderTypeMarket {
			mid, err := c.MidPrice(ctx, req.Symbol)
			if err != nil || mid <= 0 {
				result.Status = types.StatusNoPrice
				if err != nil {
					result.Message = err.Error()
				} else {
					result.Message = fmt.Sprintf("no mid price for %s", req.Symbol)
				}
				c.countOrder(result.Status)

				return result
			}

			// Widen the crossing price on every retry so a moving market
			// cannot leave the order behind.
			slip := c.slippagePct + float64(attempt)*0.005
			if req.Side == types.OrderSideBuy {
				px = mid * (1 + slip)
			} else {
				px = mid * (1 - slip)
			}
		}

		pxStr := FormatPrice(px, pxDecimals)

		tif := "Gtc"
		if req.Type == types.OrderTypeMarket {
			tif = "Ioc"
		}

		action := orderAction{
			Type: "order",
			Orders: []wireOrder{{
				Asset:      inst.AssetID,
				IsBuy:      req.Side == types.OrderSideBuy,
				Price:      pxStr,
				Size:       sizeStr,
				ReduceOnly: req.ReduceOnly,
				Type:       orderType{Limit: &limitOrderType{Tif: tif}},
				Cloid:      cloid,
			}},
			Grouping: "na",
		}

		resp, err := c.postExchange(ctx, "order", action, 1)
		if err != nil {
			lastErr = err
			if types.IsTransient(err) {
				c.logger.Warn("order-attempt-failed",
					zap.String("symbol", req.Symbol),
					zap.Int("attempt", attempt+1),
					zap.Error(err))

				continue
			}

			result.Status = types.StatusError
			result.Message = err.Error()
			c.countOrder(result.Status)

			return result
		}

		entry, err := firstStatus(resp)
		if err != nil {
			result.Message = err.Error()
			c.countOrder(result.Status)

			return result
		}

		if entry.Error != "" {
			code, transient := classifyOrderError(entry.Error)
			lastErr = &types.VenueError{Op: "order", Code: code, Message: entry.Error, Transient: transient}
			if transient {
				continue
			}

			result.Status = types.StatusError
			result.Message = entry.Error
			c.countOrder(result.Status)

			return result
		}

		c.applyOrderOutcome(result, order, entry)
		c.invalidateAccount()
		c.countOrder(result.Status)
		c.logger.Info("order-placed",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.String("status", string(result.Status)),
			zap.String("size", sizeStr),
			zap.String("price", pxStr),
			zap.Int64("oid", result.VenueOrderID),
			zap.Int("attempts", result.Attempts))

		return result
	}

	result.Status = types.StatusRetryExhausted
	if lastErr != nil {
		result.Message = lastErr.Error()
	}
	c.countOrder(result.Status)
	c.logger.Error("order-retries-exhausted",
		zap.String("symbol", req.Symbol),
		zap.Int("attempts", result.Attempts),
		zap.Error(lastErr))

	return result
}

// PlaceOrders submits a batch as one exchange action. Results map back to
// requests by index. The batch is submitted once; transient transport
// failures mark every entry EXCEPTION rather than risk double placement.
func (c *Client) PlaceOrders(ctx context.Context, reqs []*OrderRequest) []*types.PlaceOrderResult {
	results := make([]*types.PlaceOrderResult, len(reqs))
	for i, req := range reqs {
		results[i] = &types.PlaceOrderResult{
			Status:        types.StatusException,
			Symbol:        req.Symbol,
			Side:          req.Side,
			RequestedSize: req.Size,
		}
	}
	if len(reqs) == 0 {
		return results
	}

	failAll := func(status types.OrderStatus, msg string) []*types.PlaceOrderResult {
		for _, r := range results {
			r.Status = status
			r.Message = msg
			c.countOrder(status)
		}

		return results
	}

	if c.signer == nil {
		return failAll(types.StatusNoWallet, "no signing key configured")
	}
	if err := c.Initialize(ctx); err != nil {
		return failAll(types.StatusException, err.Error())
	}

	wires := make([]wireOrder, 0, len(reqs))
	orders := make([]*types.Order, len(reqs))
	for i, req := range reqs {
		inst, ok := c.Instrument(req.Symbol)
		if !ok {
			return failAll(types.StatusInvalidSymbol, fmt.Sprintf("symbol %s not in venue universe", req.Symbol))
		}
		pxDecimals, szDecimals := precisionFor(req.Symbol, &inst)

		px := req.Price
		if px == 0 || req.Type == types.OrderTypeMarket {
			mid, err := c.MidPrice(ctx, req.Symbol)
			if err != nil || mid <= 0 {
				return failAll(types.StatusNoPrice, fmt.Sprintf("no mid price for %s", req.Symbol))
			}
			if req.Side == types.OrderSideBuy {
				px = mid * (1 + c.slippagePct)
			} else {
				px = mid * (1 - c.slippagePct)
			}
		}

		tif := "Gtc"
		if req.Type == types.OrderTypeMarket {
			tif = "Ioc"
		}

		cloid := req.ClientOrderID
		if cloid == "" {
			cloid = newCloid()
		}
		results[i].ClientOrderID = cloid

		orders[i] = &types.Order{
			ID:            uuid.NewString(),
			ClientOrderID: cloid,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Price:         px,
			Size:          parseFloat(FormatSize(req.Size, szDecimals)),
			Status:        types.OrderStateNew,
			ReduceOnly:    req.ReduceOnly,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		if c.guard != nil {
			c.guard.RegisterOrder(orders[i])
		}

		wires = append(wires, wireOrder{
			Asset:      inst.AssetID,
			IsBuy:      req.Side == types.OrderSideBuy,
			Price:      FormatPrice(px, pxDecimals),
			Size:       FormatSize(req.Size, szDecimals),
			ReduceOnly: req.ReduceOnly,
			Type:       orderType{Limit: &limitOrderType{Tif: tif}},
			Cloid:      cloid,
		})
	}

	action := orderAction{Type: "order", Orders: wires, Grouping: "na"}

	resp, err := c.postExchange(ctx, "order", action, len(wires))
	if err != nil {
		return failAll(types.StatusException, err.Error())
	}

	for i := range results {
		results[i].Attempts = 1
		if i >= len(resp.Data.Statuses) {
			results[i].Message = "venue returned no status for order"
			c.countOrder(results[i].Status)

			continue
		}

		entry, err := decodeOrderStatus(resp.Data.Statuses[i])
		if err != nil {
			results[i].Message = err.Error()
			c.countOrder(results[i].Status)

			continue
		}
		if entry.Error != "" {
			results[i].Status = types.StatusError
			results[i].Message = entry.Error
			c.countOrder(results[i].Status)

			continue
		}

		c.applyOrderOutcome(results[i], orders[i], entry)
		c.countOrder(results[i].Status)
	}

	c.invalidateAccount()

	return results
}

// CancelOrder cancels one resting order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, oid int64) error {
	if c.signer == nil {
		return &types.VenueError{Op: "cancel", Code: types.VenueErrNoWallet, Message: "no signing key configured"}
	}
	if err := c.Initialize(ctx); err != nil {
		return err
	}

	inst, ok := c.Instrument(symbol)
	if !ok {
		return &types.VenueError{Op: "cancel", Code: types.VenueErrInvalidSymbol, Message: fmt.Sprintf("symbol %s not in venue universe", symbol)}
	}

	action := cancelAction{
		Type:    "cancel",
		Cancels: []wireCancel{{Asset: inst.AssetID, Oid: oid}},
	}

	resp, err := c.postExchange(ctx, "cancel", action, 1)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", oid, err)
	}

	for _, raw := range resp.Data.Statuses {
		entry, err := decodeOrderStatus(raw)
		if err != nil {
			return fmt.Errorf("cancel order %d: %w", oid, err)
		}
		if entry.Error != "" {
			return &types.VenueError{Op: "cancel", Code: types.VenueErrRejected, Message: entry.Error}
		}
	}

	CancelsTotal.Inc()
	c.memo.Invalidate(keyOrders(c.mainAddress))
	c.logger.Info("order-canceled",
		zap.String("symbol", symbol),
		zap.Int64("oid", oid))

	return nil
}

// CancelAllOrders cancels every resting order, optionally filtered to one
// symbol. Returns how many cancels were issued.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	orders, err := c.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for i := range orders {
		if symbol != "" && orders[i].Symbol != symbol {
			continue
		}
		if err := c.CancelOrder(ctx, orders[i].Symbol, orders[i].VenueOrderID); err != nil {
			return canceled, err
		}
		canceled++
	}

	return canceled, nil
}

// UpdateLeverage sets the leverage for a symbol.
func (c *Client) UpdateLeverage(ctx context.Context, symbol string, leverage int, cross bool) error {
	if c.signer == nil {
		return &types.VenueError{Op: "leverage", Code: types.VenueErrNoWallet, Message: "no signing key configured"}
	}
	if leverage < 1 {
		return fmt.Errorf("leverage must be at least 1, got %d", leverage)
	}
	if err := c.Initialize(ctx); err != nil {
		return err
	}

	inst, ok := c.Instrument(symbol)
	if !ok {
		return &types.VenueError{Op: "leverage", Code: types.VenueErrInvalidSymbol, Message: fmt.Sprintf("symbol %s not in venue universe", symbol)}
	}
	if inst.MaxLeverage > 0 && leverage > inst.MaxLeverage {
		return fmt.Errorf("leverage %d exceeds venue max %d for %s", leverage, inst.MaxLeverage, symbol)
	}
	if inst.OnlyIsolated && cross {
		return fmt.Errorf("%s only supports isolated margin", symbol)
	}

	action := updateLeverageAction{
		Type:     "updateLeverage",
		Asset:    inst.AssetID,
		IsCross:  cross,
		Leverage: leverage,
	}

	if _, err := c.postExchange(ctx, "leverage", action, 1); err != nil {
		return fmt.Errorf("update leverage for %s: %w", symbol, err)
	}

	LeverageUpdatesTotal.Inc()
	c.memo.Invalidate(keyAccount(c.mainAddress))
	c.logger.Info("leverage-updated",
		zap.String("symbol", symbol),
		zap.Int("leverage", leverage),
		zap.Bool("cross", cross))

	return nil
}

// RecordFill forwards a fill to the guard. Used by the fill stream.
func (c *Client) RecordFill(fill *types.Fill) {
	if c.guard == nil {
		return
	}
	if err := c.guard.RecordFill(fill); err != nil {
		c.logger.Warn("fill-rejected",
			zap.String("symbol", fill.Symbol),
			zap.String("fill_id", fill.ID),
			zap.Error(err))
	}

	c.invalidateAccount()
}

// applyOrderOutcome maps a venue status entry onto the result and the
// local order record, recording fills when configured.
func (c *Client) applyOrderOutcome(result *types.PlaceOrderResult, order *types.Order, entry *orderStatusEntry) {
	switch {
	case entry.Filled != nil:
		filled := parseFloat(entry.Filled.TotalSz)
		avgPx := parseFloat(entry.Filled.AvgPx)

		result.Status = types.StatusFilled
		result.FilledSize = filled
		result.AvgPrice = avgPx
		result.VenueOrderID = entry.Filled.Oid
		if filled < order.Size {
			result.RestingSize = order.Size - filled
		}

		order.VenueOrderID = entry.Filled.Oid
		order.FilledSize = filled
		order.AvgFillPrice = avgPx
		order.Status = types.OrderStateFilled
		order.UpdatedAt = time.Now()

		if c.guard != nil && c.recordFills {
			fill := &types.Fill{
				ID:           uuid.NewString(),
				OrderID:      order.ID,
				VenueOrderID: entry.Filled.Oid,
				Symbol:       order.Symbol,
				Side:         order.Side,
				Price:        avgPx,
				Size:         filled,
				Timestamp:    time.Now(),
			}
			if err := c.guard.RecordFill(fill); err != nil {
				c.logger.Warn("fill-rejected",
					zap.String("symbol", order.Symbol),
					zap.String("order_id", order.ID),
					zap.Error(err))
			}
		}
	case entry.Resting != nil:
		result.Status = types.StatusResting
		result.RestingSize = order.Remaining()
		result.VenueOrderID = entry.Resting.Oid

		order.VenueOrderID = entry.Resting.Oid
		order.Status = types.OrderStateOpen
		order.UpdatedAt = time.Now()
	default:
		result.Status = types.StatusOK
	}
}

func (c *Client) invalidateAccount() {
	if c.mainAddress == "" {
		return
	}

	c.memo.Invalidate(keyAccount(c.mainAddress))
	c.memo.Invalidate(keyOrders(c.mainAddress))
}

func (c *Client) countOrder(status types.OrderStatus) {
	OrdersPlacedTotal.WithLabelValues(string(status)).Inc()
}

// backoff sleeps base*2^attempt capped at the max delay. Returns false if
// the context expired while waiting.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	delay := c.retryBaseDelay << attempt
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// postExchange signs an action with a fresh nonce and submits it.
func (c *Client) postExchange(ctx context.Context, op string, action interface{}, orderCount int) (*exchangeResponse, error) {
	if err := c.limiter.WaitExchange(ctx, orderCount); err != nil {
		return nil, err
	}

	nonce := c.nextNonce()
	sig, err := c.signer.SignAction(action, nonce, c.testnet)
	if err != nil {
		return nil, fmt.Errorf("sign %s action: %w", op, err)
	}

	body := exchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: nil,
	}

	var envelope struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := c.post(ctx, "/exchange", body, &envelope); err != nil {
		return nil, err
	}

	if envelope.Status != "ok" {
		var msg string
		if err := json.Unmarshal(envelope.Response, &msg); err != nil {
			msg = string(envelope.Response)
		}
		code, transient := classifyOrderError(msg)

		return nil, &types.VenueError{Op: op, Code: code, Message: msg, Transient: transient}
	}

	resp := &exchangeResponse{}
	if len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", op, err)
		}
	}

	return resp, nil
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() uint64 {
	for {
		now := uint64(time.Now().UnixMilli())
		last := c.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// post sends one JSON request and decodes the response into out. Network
// and HTTP-level failures come back as VenueError with transience set.
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		RequestsTotal.WithLabelValues(path, "transport_error").Inc()

		return &types.VenueError{Op: strings.TrimPrefix(path, "/"), Code: types.VenueErrTimeout, Message: err.Error(), Transient: true}
	}
	defer func() { _ = resp.Body.Close() }()

	RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	RequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.VenueError{Op: strings.TrimPrefix(path, "/"), Code: types.VenueErrTimeout, Message: err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus(strings.TrimPrefix(path, "/"), resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}

	return nil
}

// classifyHTTPStatus turns a non-200 reply into a VenueError. 429 and 5xx
// are transient; other client errors are not worth retrying.
func classifyHTTPStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &types.VenueError{Op: op, Code: types.VenueErrRateLimited, Message: msg, Transient: true}
	case status >= 500:
		return &types.VenueError{Op: op, Code: types.VenueErrServer, Message: msg, Transient: true}
	default:
		return &types.VenueError{Op: op, Code: types.VenueErrRejected, Message: fmt.Sprintf("HTTP %d: %s", status, msg)}
	}
}

// classifyOrderError maps venue rejection text to an error code and
// whether a retry can help. Margin, size and price rejections are final;
// retrying them with the same account state just burns rate limit.
func classifyOrderError(msg string) (code string, transient bool) {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "margin") || strings.Contains(lower, "insufficient"):
		return types.VenueErrMargin, false
	case strings.Contains(lower, "minimum value") || strings.Contains(lower, "min value") || strings.Contains(lower, "notional"):
		return types.VenueErrMinSize, false
	case strings.Contains(lower, "invalid price") || strings.Contains(lower, "px must") || strings.Contains(lower, "tick"):
		return types.VenueErrBadPrice, false
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
		return types.VenueErrRateLimited, true
	case strings.Contains(lower, "asset") || strings.Contains(lower, "coin"):
		return types.VenueErrInvalidSymbol, false
	default:
		return types.VenueErrRejected, false
	}
}

// newCloid generates a 128-bit hex client order ID in the venue's format.
func newCloid() string {
	u := uuid.New()

	return "0x" + hex.EncodeToString(u[:])
}

func toPortfolioStatus(resp *clearinghouseStateResponse) *types.PortfolioStatus {
	status := &types.PortfolioStatus{
		TotalBalance:     parseFloat(resp.MarginSummary.AccountValue),
		AvailableBalance: parseFloat(resp.Withdrawable),
		MarginUsed:       parseFloat(resp.MarginSummary.TotalMarginUsed),
		UpdatedAt:        millisToTime(resp.Time),
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now()
	}

	for i := range resp.AssetPositions {
		p := &resp.AssetPositions[i].Position

		szi := parseFloat(p.Szi)
		if szi == 0 {
			continue
		}

		side := types.SideLong
		size := szi
		if szi < 0 {
			side = types.SideShort
			size = -szi
		}

		entryPx := parseFloat(p.EntryPx)
		pnl := parseFloat(p.UnrealizedPnl)

		pos := types.Position{
			Symbol:           p.Coin,
			Side:             side,
			Size:             size,
			EntryPrice:       entryPx,
			LiquidationPrice: parseFloat(p.LiquidationPx),
			UnrealizedPnL:    pnl,
			Leverage:         p.Leverage.Value,
			MarginUsed:       parseFloat(p.MarginUsed),
			UpdatedAt:        status.UpdatedAt,
		}

		if notional := size * entryPx; notional > 0 {
			pos.UnrealizedPnLPct = pnl / notional
		}
		if positionValue := parseFloat(p.PositionValue); positionValue > 0 && size > 0 {
			pos.MarkPrice = positionValue / size
		}

		status.UnrealizedPnL += pnl
		status.Positions = append(status.Positions, pos)
	}

	return status
}

func toL2Book(symbol string, resp *l2BookResponse) *types.L2Book {
	book := &types.L2Book{
		Symbol:    symbol,
		Bids:      make([]types.BookLevel, 0, len(resp.Levels[0])),
		Asks:      make([]types.BookLevel, 0, len(resp.Levels[1])),
		UpdatedAt: millisToTime(resp.Time),
	}
	if book.UpdatedAt.IsZero() {
		book.UpdatedAt = time.Now()
	}

	for _, lvl := range resp.Levels[0] {
		book.Bids = append(book.Bids, types.BookLevel{Price: parseFloat(lvl.Px), Size: parseFloat(lvl.Sz), Orders: lvl.N})
	}
	for _, lvl := range resp.Levels[1] {
		book.Asks = append(book.Asks, types.BookLevel{Price: parseFloat(lvl.Px), Size: parseFloat(lvl.Sz), Orders: lvl.N})
	}

	return book
}

// firstStatus extracts the single status entry from a one-order action.
func firstStatus(resp *exchangeResponse) (*orderStatusEntry, error) {
	if len(resp.Data.Statuses) == 0 {
		return nil, fmt.Errorf("venue returned no order status")
	}

	return decodeOrderStatus(resp.Data.Statuses[0])
}
