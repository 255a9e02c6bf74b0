package types

import "time"

// Order sides on the venue wire.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order lifecycle states tracked locally.
const (
	OrderStateNew      = "NEW"
	OrderStateOpen     = "OPEN"
	OrderStatePartial  = "PARTIAL"
	OrderStateFilled   = "FILLED"
	OrderStateCanceled = "CANCELED"
	OrderStateRejected = "REJECTED"
)

// OrderStatus tags the outcome of a placement attempt.
type OrderStatus string

// Placement outcomes. FILLED/RESTING/OK are success; the rest describe
// why the order did not execute.
const (
	StatusFilled         OrderStatus = "FILLED"
	StatusResting        OrderStatus = "RESTING"
	StatusOK             OrderStatus = "OK"
	StatusError          OrderStatus = "ERROR"
	StatusException      OrderStatus = "EXCEPTION"
	StatusNoPrice        OrderStatus = "NO_PRICE"
	StatusInvalidSymbol  OrderStatus = "INVALID_SYMBOL"
	StatusRetryExhausted OrderStatus = "RETRY_EXHAUSTED"
	StatusNoWallet       OrderStatus = "NO_WALLET"
)

// Success reports whether the placement put an order on the venue.
func (s OrderStatus) Success() bool {
	return s == StatusFilled || s == StatusResting || s == StatusOK
}

// Order is the local record of an order submitted to the venue.
type Order struct {
	ID            string // internal UUID
	ClientOrderID string // cloid sent to the venue
	VenueOrderID  int64  // oid assigned by the venue, 0 until acknowledged
	Symbol        string
	Side          string // "BUY" or "SELL"
	Type          string // "MARKET" or "LIMIT"
	Price         float64
	Size          float64
	FilledSize    float64
	AvgFillPrice  float64
	Status        string // order lifecycle state
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}

	return r
}

// Terminal reports whether the order can no longer fill.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	}

	return false
}

// Fill is a single execution against an order.
type Fill struct {
	ID           string
	OrderID      string
	VenueOrderID int64
	Symbol       string
	Side         string
	Price        float64
	Size         float64
	Fee          float64
	ClosedPnL    float64
	Timestamp    time.Time
}

// PlaceOrderResult is the tagged outcome of Client.PlaceOrder. Status is
// always set; the remaining fields are populated when the venue replied.
type PlaceOrderResult struct {
	Status        OrderStatus
	Symbol        string
	Side          string
	RequestedSize float64
	FilledSize    float64
	AvgPrice      float64
	RestingSize   float64
	VenueOrderID  int64
	ClientOrderID string
	Attempts      int
	Message       string
}
