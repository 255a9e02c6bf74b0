package venue

import (
	"github.com/shopspring/decimal"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

// Per-asset wire precision. Prices round to the tick; sizes truncate to
// the lot so a formatted size never exceeds what the caller holds.
const (
	defaultPxDecimals = 2
	defaultSzDecimals = 4
)

// DefaultPrecision returns tick/lot decimal places used when the
// instrument metadata does not override them.
func DefaultPrecision(symbol string) (pxDecimals, szDecimals int32) {
	switch symbol {
	case "BTC":
		return 0, 5
	case "ETH":
		return 1, defaultSzDecimals
	default:
		return defaultPxDecimals, defaultSzDecimals
	}
}

// precisionFor resolves precision from instrument metadata, falling back
// to the per-asset defaults.
func precisionFor(symbol string, inst *types.Instrument) (pxDecimals, szDecimals int32) {
	pxDecimals, szDecimals = DefaultPrecision(symbol)
	if inst == nil {
		return pxDecimals, szDecimals
	}

	if inst.SzDecimals > 0 {
		szDecimals = int32(inst.SzDecimals)
	}
	if inst.PxDecimals > 0 {
		pxDecimals = int32(inst.PxDecimals)
	}

	return pxDecimals, szDecimals
}

// FormatPrice rounds px to the given tick decimals and renders the venue
// wire form (no trailing zeros, no exponent).
func FormatPrice(px float64, decimals int32) string {
	return decimal.NewFromFloat(px).Round(decimals).String()
}

// FormatSize truncates sz to the lot decimals.
func FormatSize(sz float64, decimals int32) string {
	return decimal.NewFromFloat(sz).Truncate(decimals).String()
}

// RoundSize truncates sz to the lot decimals and returns it as a float
// for local bookkeeping.
func RoundSize(sz float64, decimals int32) float64 {
	f, _ := decimal.NewFromFloat(sz).Truncate(decimals).Float64()

	return f
}
