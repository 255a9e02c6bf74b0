package types

import "time"

// Instrument is a tradable perpetual contract and its precision rules,
// as published by the venue's meta endpoint.
type Instrument struct {
	Symbol       string
	AssetID      int // index into the venue universe, used on the exchange wire
	SzDecimals   int
	PxDecimals   int
	MaxLeverage  int
	OnlyIsolated bool
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  float64
	Size   float64
	Orders int
}

// L2Book is a depth snapshot for one symbol. Bids descend, asks ascend.
type L2Book struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	UpdatedAt time.Time
}

// BestBid returns the top bid level, or a zero level when empty.
func (b *L2Book) BestBid() BookLevel {
	if len(b.Bids) == 0 {
		return BookLevel{}
	}

	return b.Bids[0]
}

// BestAsk returns the top ask level, or a zero level when empty.
func (b *L2Book) BestAsk() BookLevel {
	if len(b.Asks) == 0 {
		return BookLevel{}
	}

	return b.Asks[0]
}

// MarketConditions summarizes book quality for order validation.
type MarketConditions struct {
	Symbol     string
	MidPrice   float64
	Spread     float64
	SpreadPct  float64 // spread / mid
	BidDepth   float64 // notional within the sampled levels
	AskDepth   float64
	Volatility float64 // short-horizon realized volatility, fraction
	ObservedAt time.Time
}

// AvgDepth returns the mean of bid and ask depth.
func (c *MarketConditions) AvgDepth() float64 {
	return (c.BidDepth + c.AskDepth) / 2
}
