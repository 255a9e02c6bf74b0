package reconcile

import (
	"math"
	"sort"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// FillReplay is the position implied by a fill history.
type FillReplay struct {
	NetQty        float64
	Side          string // LONG, SHORT, or empty when flat
	AvgEntryPrice float64
	ZeroCrossings int // times the position flipped direction
}

// ReplayFills folds a fill list into net quantity, side, and weighted
// average entry price, counting direction flips along the way. Flips
// reset the average to the flipping fill's price; reductions keep it.
// Fills are replayed in timestamp order.
func ReplayFills(fills []types.Fill) FillReplay {
	ordered := make([]types.Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var replay FillReplay
	position := 0.0
	avg := 0.0
	lastSign := 0

	for _, f := range ordered {
		qty := f.Size
		if f.Side == types.OrderSideSell {
			qty = -qty
		}
		next := position + qty

		switch {
		case next == 0:
			avg = 0
		case position == 0 || (position > 0) != (next > 0):
			avg = f.Price
		case math.Abs(next) > math.Abs(position):
			avg = (avg*math.Abs(position) + f.Price*math.Abs(qty)) / math.Abs(next)
		}

		sign := 0
		if next > 0 {
			sign = 1
		} else if next < 0 {
			sign = -1
		}
		if sign != 0 {
			if lastSign != 0 && sign != lastSign {
				replay.ZeroCrossings++
			}
			lastSign = sign
		}

		position = next
	}

	replay.NetQty = math.Abs(position)
	replay.AvgEntryPrice = avg
	switch {
	case position > 0:
		replay.Side = types.SideLong
	case position < 0:
		replay.Side = types.SideShort
	}

	return replay
}
