package markets

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/doctadg/perpstrader-sub009/pkg/types"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()

	v, err := NewValidator(&ValidatorConfig{
		MaxSpreadPct:  0.005,
		MinDepthUSD:   10000,
		MaxVolatility: 0.05,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	return v
}

func cleanConditions() *types.MarketConditions {
	return &types.MarketConditions{
		Symbol:     "BTC",
		MidPrice:   50000,
		Spread:     10,
		SpreadPct:  0.0002,
		BidDepth:   50000,
		AskDepth:   50000,
		Volatility: 0.01,
	}
}

func TestNewValidatorDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewValidator(nil); err == nil {
		t.Errorf("NewValidator(nil) error = nil, want error")
	}
	if _, err := NewValidator(&ValidatorConfig{}); err == nil {
		t.Errorf("NewValidator() without logger error = nil, want error")
	}

	v, err := NewValidator(&ValidatorConfig{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	if v.maxSpreadPct != 0.005 || v.minDepthUSD != 10000 || v.maxVolatility != 0.05 {
		t.Errorf("defaults = %v/%v/%v, want 0.005/10000/0.05",
			v.maxSpreadPct, v.minDepthUSD, v.maxVolatility)
	}
}

func TestEvaluateConditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*types.MarketConditions)
		wantCode string
	}{
		{name: "clean-market-passes", mutate: func(*types.MarketConditions) {}},
		{
			name:     "wide-spread-rejected",
			mutate:   func(c *types.MarketConditions) { c.SpreadPct = 0.006 },
			wantCode: RejectSpread,
		},
		{
			name: "thin-depth-rejected",
			mutate: func(c *types.MarketConditions) {
				c.BidDepth = 4000
				c.AskDepth = 5000
			},
			wantCode: RejectDepth,
		},
		{
			name:     "extreme-volatility-rejected",
			mutate:   func(c *types.MarketConditions) { c.Volatility = 0.08 },
			wantCode: RejectVolatility,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt := tt
			t.Parallel()

			v := newTestValidator(t)
			conds := cleanConditions()
			tt.mutate(conds)

			err := v.EvaluateConditions(conds)
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("EvaluateConditions() error = %v, want nil", err)
				}

				return
			}

			rej, ok := types.IsRejection(err)
			if !ok {
				t.Fatalf("EvaluateConditions() error = %v, want RejectionError", err)
			}
			if rej.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", rej.Code, tt.wantCode)
			}
		})
	}

	v := newTestValidator(t)
	if err := v.EvaluateConditions(nil); err == nil {
		t.Errorf("EvaluateConditions(nil) error = nil, want error")
	}
}

func TestValidateConfidenceCleanMarketUnchanged(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	signal := &types.TradingSignal{Symbol: "BTC", Action: types.ActionBuy, Confidence: 0.9}

	adjusted := v.ValidateConfidence(signal, cleanConditions(), 0)
	if adjusted != 0.9 {
		t.Errorf("adjusted = %v, want untouched 0.9", adjusted)
	}
}

func TestValidateConfidenceSpreadDecay(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	signal := &types.TradingSignal{Symbol: "BTC", Action: types.ActionBuy, Confidence: 0.9}
	conds := cleanConditions()
	// 0.00375 is 1.5x the half-threshold 0.0025: penalty 0.25.
	conds.SpreadPct = 0.00375

	adjusted := v.ValidateConfidence(signal, conds, 0)
	if math.Abs(adjusted-0.675) > 1e-9 {
		t.Errorf("adjusted = %v, want 0.675", adjusted)
	}
}

func TestValidateConfidenceImpactPenalty(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	signal := &types.TradingSignal{Symbol: "ETH", Action: types.ActionSell, Confidence: 0.8}
	conds := cleanConditions()
	conds.BidDepth = 20000
	conds.AskDepth = 20000

	// notional == avg depth: impact = min(1, 1*0.1) = 0.1, halved to 0.05.
	adjusted := v.ValidateConfidence(signal, conds, 20000)
	if math.Abs(adjusted-0.8*0.95) > 1e-9 {
		t.Errorf("adjusted = %v, want %v", adjusted, 0.8*0.95)
	}
}

func TestValidateConfidenceNeverZeroes(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	signal := &types.TradingSignal{Symbol: "DOGE", Action: types.ActionBuy, Confidence: 0.9}
	conds := &types.MarketConditions{
		Symbol:     "DOGE",
		MidPrice:   0.1,
		SpreadPct:  0.1,
		BidDepth:   50,
		AskDepth:   50,
		Volatility: 1,
	}

	adjusted := v.ValidateConfidence(signal, conds, 1e9)
	if adjusted <= 0 {
		t.Fatalf("adjusted = %v, want positive floor", adjusted)
	}
	if math.Abs(adjusted-0.09) > 1e-9 {
		t.Errorf("adjusted = %v, want floor 0.09", adjusted)
	}
}

func TestValidateConfidenceNilInputs(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	if got := v.ValidateConfidence(nil, cleanConditions(), 0); got != 0 {
		t.Errorf("nil signal adjusted = %v, want 0", got)
	}
	signal := &types.TradingSignal{Symbol: "BTC", Confidence: 0.9}
	if got := v.ValidateConfidence(signal, nil, 0); got != 0 {
		t.Errorf("nil conditions adjusted = %v, want 0", got)
	}
}
