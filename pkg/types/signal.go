package types

import "time"

// Signal actions emitted by strategy layers.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Order types accepted by the execution engine.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// TradingSignal is a strategy's request to open, add to, or close a position.
// Price 0 means "derive a limit price from current mids"; Size 0 means
// "size from the risk assessment".
type TradingSignal struct {
	ID         string
	Symbol     string
	Action     string // "BUY", "SELL" or "HOLD"
	Confidence float64
	Price      float64
	Size       float64
	OrderType  string // "MARKET" or "LIMIT"
	Leverage   int
	ReduceOnly bool
	Reason     string
	Strategy   string
	CreatedAt  time.Time
}

// RiskAssessment is the risk manager's verdict on a trading signal.
type RiskAssessment struct {
	Approved         bool
	Reasons          []string
	PositionSize     float64 // approved notional in USD
	StopLossPct      float64 // fraction of entry price, e.g. 0.015
	TakeProfitPct    float64
	RiskRewardRatio  float64
	RiskScore        float64 // [0,1], lower is safer
	MaxLossUSD       float64 // loss at the stop for the approved size
	SizeReductionPct float64 // how much the per-trade loss cap shrank the size
	Leverage         int
}
