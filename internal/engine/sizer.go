package engine

import (
	"fmt"
	"math"

	"meridian/internal/domain"
)

// Weights returns the allocation weight of each of n ranked positions:
// (1/sqrt(i+1)) / sum_j 1/(j+1).
func Weights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	norm := 0.0
	for j := 0; j < n; j++ {
		norm += 1 / float64(j+1)
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = (1 / math.Sqrt(float64(i+1))) / norm
	}
	return w
}

// PositionSizer converts a risk budget into a share quantity.
type PositionSizer struct {
	capByCash bool
}

// NewPositionSizer creates a PositionSizer. With capByCash set a quantity
// never costs more than the remaining cash.
func NewPositionSizer(capByCash bool) *PositionSizer {
	return &PositionSizer{capByCash: capByCash}
}

// SizeInput is everything the sizer needs for one symbol.
type SizeInput struct {
	RiskFraction  float64
	Weight        float64
	Cash          float64 // cash at cycle start
	RemainingCash float64 // cash not yet committed this cycle
	ATR           float64
	ATRMultiplier float64
	LastPrice     float64
}

// RiskAmount is the cash put at risk for the input.
func (in SizeInput) RiskAmount() float64 {
	return in.RiskFraction * in.Weight * in.Cash
}

// Quantity returns floor(risk / (ATR * multiplier * price)), capped by
// remaining cash when enabled. The result is never negative. A bad ATR or
// price is an error, as is an ATR so small the quantity overflows int64.
func (ps *PositionSizer) Quantity(in SizeInput) (int64, error) {
	if !positive(in.ATR) {
		return 0, fmt.Errorf("atr %v: %w", in.ATR, domain.ErrInvalidIndicator)
	}
	if !positive(in.LastPrice) {
		return 0, fmt.Errorf("last price %v: %w", in.LastPrice, domain.ErrInvalidPrice)
	}
	mult := in.ATRMultiplier
	if !positive(mult) {
		mult = 1
	}
	risk := in.RiskAmount()
	if !(risk > 0) {
		return 0, nil
	}
	qty := math.Floor(risk / (in.ATR * mult * in.LastPrice))
	if ps.capByCash {
		qty = math.Min(qty, math.Floor(math.Max(in.RemainingCash, 0)/in.LastPrice))
	}
	if !(qty > 0) {
		return 0, nil
	}
	if qty >= math.MaxInt64 {
		return 0, fmt.Errorf("atr %v sizes %g shares: %w", in.ATR, qty, domain.ErrInvalidIndicator)
	}
	return int64(qty), nil
}

// Levels returns the protective stop and take-profit prices around price.
// Sell levels mirror buy levels.
func Levels(side domain.Side, price, atr, stopMult, takeMult float64) (stop, take float64) {
	if side == domain.SideSell {
		return price + stopMult*atr, price - takeMult*atr
	}
	return price - stopMult*atr, price + takeMult*atr
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
