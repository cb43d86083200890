package strategy

import "meridian/internal/regime"

// Preset names.
const (
	SimpleMomentum     = "simple-momentum"
	SMAMomentumRefined = "sma-momentum-refined"
)

// DefaultPolicy is the base every preset starts from.
func DefaultPolicy() Policy {
	return Policy{
		Name:              SimpleMomentum,
		Benchmark:         "SPY",
		TopK:              3,
		Lookback:          252,
		BenchmarkLookback: 260,
		ATRPeriod:         14,
		VolPeriod:         20,

		BaseRiskFraction: 0.02,
		MinRiskFraction:  0.0025,
		RegimeRisk:       RegimeTable{Bull: 1.5, Bear: 0.5, Flat: 1, Neutral: 1},
		ATRMultiplier:    RegimeTable{Bull: 0.75, Bear: 1, Flat: 1, Neutral: 1},

		HighVolATRFraction: 0.02,
		HighVolMultiplier:  0.5,

		StopLossMultiplier:      1.5,
		FaultStopLossMultiplier: 1.0,
		TakeProfitMultiplier:    2,

		MaxDrawdownPct: -20,
		CapByCash:      true,

		SMA:    SMATable{Default: SMAPeriods{Short: 10, Long: 30}},
		Regime: regime.DefaultConfig(),
	}
}

// DefaultRegistry returns a Registry populated with the built-in presets.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	simple := DefaultPolicy()
	simple.Description = "rank by risk-adjusted momentum, trade the top three on a 10/30 SMA cross"
	simple.Universe = []string{"NVDA", "AAPL", "MSFT"}
	r.Register(simple)

	refined := DefaultPolicy()
	refined.Name = SMAMomentumRefined
	refined.Description = "10/30 SMA cross on diversified ETFs, entries need RSI < 70 and ADX > 20"
	refined.Universe = []string{"VOO", "QQQ", "GLD"}
	refined.TopK = 0
	refined.Lookback = 200
	refined.CapByCash = false
	refined.Entry = EntryFilter{MaxRSI: 70, MinADX: 20}
	r.Register(refined)

	return r
}
