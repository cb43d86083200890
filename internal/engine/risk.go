package engine

import (
	"meridian/internal/domain"
	"meridian/internal/indicator"
	"meridian/internal/strategy"
)

// RiskAllocator derives the per-cycle risk fraction from the base fraction,
// the regime and benchmark volatility.
type RiskAllocator struct {
	regimeRisk        strategy.RegimeTable
	atrPeriod         int
	highVolFraction   float64
	highVolMultiplier float64
}

// NewRiskAllocator creates a RiskAllocator from the policy tables.
//
//   - regime multipliers come from p.RegimeRisk.
//   - the volatility multiplier is p.HighVolMultiplier when the benchmark
//     ATR exceeds p.HighVolATRFraction of its mean close, otherwise 1.
func NewRiskAllocator(p strategy.Policy) *RiskAllocator {
	period := p.ATRPeriod
	if period <= 0 {
		period = indicator.DefaultATRPeriod
	}
	return &RiskAllocator{
		regimeRisk:        p.RegimeRisk,
		atrPeriod:         period,
		highVolFraction:   p.HighVolATRFraction,
		highVolMultiplier: p.HighVolMultiplier,
	}
}

// Allocation is the outcome of one risk computation.
type Allocation struct {
	Regime               domain.Regime
	RegimeMultiplier     float64
	VolatilityMultiplier float64
	BenchmarkATR         float64
	MeanClose            float64
	Fraction             float64
}

// VolatilityMultiplier returns the benchmark volatility scaling together
// with the ATR and mean close it was derived from. A benchmark too short
// for an ATR scales by 1.
func (ra *RiskAllocator) VolatilityMultiplier(bench domain.Series) (mult, atr, meanClose float64) {
	atr, ok := indicator.Last(indicator.ATR(bench.Bars, ra.atrPeriod))
	if !ok {
		return 1, 0, 0
	}
	meanClose = indicator.Mean(bench.Closes())
	if ra.highVolFraction > 0 && atr > ra.highVolFraction*meanClose {
		return ra.highVolMultiplier, atr, meanClose
	}
	return 1, atr, meanClose
}

// Allocate recomputes the current risk fraction from base. Nothing from a
// previous cycle feeds in, so the result never compounds.
func (ra *RiskAllocator) Allocate(base float64, r domain.Regime, bench domain.Series) Allocation {
	regimeMult := ra.regimeRisk.For(r)
	volMult, atr, mean := ra.VolatilityMultiplier(bench)
	return Allocation{
		Regime:               r,
		RegimeMultiplier:     regimeMult,
		VolatilityMultiplier: volMult,
		BenchmarkATR:         atr,
		MeanClose:            mean,
		Fraction:             base * regimeMult * volMult,
	}
}
