package types

import "time"

// TradeRecord is a persisted execution, one row per engine-submitted order.
type TradeRecord struct {
	ID           string
	Symbol       string
	Action       string // "BUY" or "SELL"
	Quantity     float64
	Price        float64
	Notional     float64
	Confidence   float64
	Strategy     string
	Reason       string
	Status       string // placement OrderStatus at submit time
	VenueOrderID int64
	IsExit       bool
	RealizedPnL  float64 // exits only, when the fill is known at submit
	CreatedAt    time.Time
}

// TradeFilter selects trades from the store. Zero values match everything.
type TradeFilter struct {
	Symbol   string
	Strategy string
	Since    time.Time
}

// PortfolioPerformance aggregates realized results over a window.
type PortfolioPerformance struct {
	Window      time.Duration
	TradeCount  int
	WinCount    int
	LossCount   int
	WinRate     float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// StrategyRecord describes a registered strategy.
type StrategyRecord struct {
	ID        string
	Name      string
	Symbols   []string
	Active    bool
	CreatedAt time.Time
}

// AIInsight is an advisory note produced by analysis layers and persisted
// for later retrieval.
type AIInsight struct {
	ID         string
	Type       string
	Symbol     string
	Content    string
	Confidence float64
	CreatedAt  time.Time
}
