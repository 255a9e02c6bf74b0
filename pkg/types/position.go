package types

import "time"

// Position sides. Venue positions are reported as signed sizes; these
// constants are the normalized direction.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position represents an open perpetual-futures position on the venue.
type Position struct {
	Symbol           string
	Side             string // "LONG" or "SHORT"
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	UnrealizedPnL    float64
	UnrealizedPnLPct float64 // fraction of entry notional
	Leverage         int
	MarginUsed       float64
	UpdatedAt        time.Time
}

// Notional returns the position's current notional value in USD.
func (p *Position) Notional() float64 {
	px := p.MarkPrice
	if px == 0 {
		px = p.EntryPrice
	}

	return p.Size * px
}

// PortfolioStatus is the account-level view returned by the venue.
type PortfolioStatus struct {
	TotalBalance     float64 // account equity including unrealized PnL
	AvailableBalance float64 // withdrawable margin
	MarginUsed       float64
	UnrealizedPnL    float64
	Positions        []Position
	UpdatedAt        time.Time
}

// FindPosition returns the open position for symbol, or nil.
func (p *PortfolioStatus) FindPosition(symbol string) *Position {
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			return &p.Positions[i]
		}
	}

	return nil
}

// ManagedExitPlan is the stop/target pair the engine enforces for a
// position it opened. At most one plan exists per symbol.
type ManagedExitPlan struct {
	Symbol        string
	Side          string // "LONG" or "SHORT"
	EntryPrice    float64
	Size          float64
	StopLossPct   float64
	TakeProfitPct float64
	Strategy      string
	CreatedAt     time.Time
}
