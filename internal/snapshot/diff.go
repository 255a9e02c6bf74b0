package snapshot

import (
	"sort"
	"time"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// PositionDelta is one position whose size or side changed between two
// snapshots.
type PositionDelta struct {
	Symbol   string
	FromSize float64
	ToSize   float64
	FromSide string
	ToSide   string
}

// DiffReport summarizes what changed between two snapshots. Recovery
// uses it to spot positions and orders that appeared or vanished while
// the trader was down.
type DiffReport struct {
	FromID           string
	ToID             string
	Elapsed          time.Duration
	EquityChange     float64
	PositionsAdded   []string
	PositionsRemoved []string
	PositionsResized []PositionDelta
	OrdersOpened     []string
	OrdersClosed     []string
}

// Changed reports whether the two snapshots differ at all.
func (d *DiffReport) Changed() bool {
	return len(d.PositionsAdded)+len(d.PositionsRemoved)+len(d.PositionsResized)+
		len(d.OrdersOpened)+len(d.OrdersClosed) > 0
}

// Diff compares two snapshots, a before b. Nil inputs yield an empty
// report.
func Diff(a, b *Snapshot) *DiffReport {
	if a == nil || b == nil {
		return &DiffReport{}
	}

	report := &DiffReport{
		FromID:       a.ID,
		ToID:         b.ID,
		Elapsed:      b.TakenAt.Sub(a.TakenAt),
		EquityChange: b.Portfolio.TotalBalance - a.Portfolio.TotalBalance,
	}

	before := positionsBySymbol(a.Positions)
	after := positionsBySymbol(b.Positions)

	for symbol, p := range after {
		prev, ok := before[symbol]
		if !ok {
			report.PositionsAdded = append(report.PositionsAdded, symbol)
			continue
		}
		if prev.Size != p.Size || prev.Side != p.Side {
			report.PositionsResized = append(report.PositionsResized, PositionDelta{
				Symbol:   symbol,
				FromSize: prev.Size,
				ToSize:   p.Size,
				FromSide: prev.Side,
				ToSide:   p.Side,
			})
		}
	}
	for symbol := range before {
		if _, ok := after[symbol]; !ok {
			report.PositionsRemoved = append(report.PositionsRemoved, symbol)
		}
	}

	beforeOrders := orderIDs(a.Orders)
	afterOrders := orderIDs(b.Orders)
	for id := range afterOrders {
		if !beforeOrders[id] {
			report.OrdersOpened = append(report.OrdersOpened, id)
		}
	}
	for id := range beforeOrders {
		if !afterOrders[id] {
			report.OrdersClosed = append(report.OrdersClosed, id)
		}
	}

	sort.Strings(report.PositionsAdded)
	sort.Strings(report.PositionsRemoved)
	sort.Strings(report.OrdersOpened)
	sort.Strings(report.OrdersClosed)
	sort.Slice(report.PositionsResized, func(i, j int) bool {
		return report.PositionsResized[i].Symbol < report.PositionsResized[j].Symbol
	})

	return report
}

func positionsBySymbol(positions []types.Position) map[string]types.Position {
	out := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		out[p.Symbol] = p
	}

	return out
}

func orderIDs(orders []types.Order) map[string]bool {
	out := make(map[string]bool, len(orders))
	for _, o := range orders {
		out[o.ID] = true
	}

	return out
}
