// Package indicator implements the technical indicators used by the decision
// engine. Every function is pure: outputs depend only on the arguments and
// are aligned index-for-index with the input, with NaN marking positions
// where the indicator is not yet defined.
package indicator

import (
	"math"

	"meridian/internal/domain"
)

// Default periods.
const (
	DefaultRSIPeriod  = 14
	DefaultATRPeriod  = 14
	DefaultADXPeriod  = 14
	DefaultMACDShort  = 12
	DefaultMACDLong   = 26
	DefaultMACDSignal = 9
)

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func defined(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Last returns the final value of xs. ok is false when xs is empty or the
// final value is absent or non-finite.
func Last(xs []float64) (v float64, ok bool) {
	if len(xs) == 0 {
		return math.NaN(), false
	}
	v = xs[len(xs)-1]
	return v, defined(v)
}

// Mean is the arithmetic mean of xs, NaN for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SMA is the simple moving average over period observations. Values before
// the first full window are NaN, as is any window containing a NaN.
func SMA(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 {
		return out
	}
	// Each window is summed directly so results do not depend on the
	// accumulated rounding of a running sum.
	for i := period - 1; i < len(xs); i++ {
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			sum += xs[j]
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMA is the exponentially weighted mean with α = 2/(span+1). It is seeded
// progressively: the value at i weights every observation up to i by
// (1-α)^age, normalised by the sum of the weights, so it is defined from the
// first observation.
func EMA(xs []float64, span int) []float64 {
	if span < 1 {
		return nanSlice(len(xs))
	}
	out := make([]float64, len(xs))
	alpha := 2.0 / (float64(span) + 1)
	decay := 1 - alpha

	var num, den float64
	for i, x := range xs {
		num = x + decay*num
		den = 1 + decay*den
		out[i] = num / den
	}
	return out
}

// StdDev is the rolling sample standard deviation (n-1 denominator).
func StdDev(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period < 2 {
		return out
	}
	for i := period - 1; i < len(xs); i++ {
		window := xs[i-period+1 : i+1]
		mean := Mean(window)
		ss := 0.0
		for _, x := range window {
			d := x - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// RSI is the relative strength index of closes. It returns nil when fewer
// than period closes are available. The value at i uses the period deltas
// ending at i; an average loss of zero yields 100.
func RSI(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	out := nanSlice(len(closes))
	p := float64(period)
	for i := period; i < len(closes); i++ {
		var gain, loss float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - closes[j-1]
			switch {
			case d > 0:
				gain += d
			case d < 0:
				loss -= d
			}
		}
		avgGain, avgLoss := gain/p, loss/p
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		out[i] = 100 - 100/(1+avgGain/avgLoss)
	}
	return out
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|) per bar. The
// first bar has no previous close and is NaN.
func TrueRange(bars []domain.Bar) []float64 {
	out := nanSlice(len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		b := bars[i]
		out[i] = math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
	}
	return out
}

// ATR is the rolling mean of the true range over period bars. The first
// defined value is at index period.
func ATR(bars []domain.Bar, period int) []float64 {
	return SMA(TrueRange(bars), period)
}

// Directional holds the directional-movement outputs aligned with the input
// bars.
type Directional struct {
	PlusDI  []float64
	MinusDI []float64
	DX      []float64
	ADX     []float64
}

// DMI computes Wilder's directional movement system with rolling means.
// +DM is the high delta when it is strictly larger than the low delta and
// positive, -DM the mirror; both are zero otherwise. A zero ATR yields zero
// DI and a zero DI sum yields a DX of zero.
func DMI(bars []domain.Bar, period int) Directional {
	n := len(bars)
	plusDM, minusDM := nanSlice(n), nanSlice(n)
	for i := 1; i < n; i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		plusDM[i], minusDM[i] = 0, 0
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := ATR(bars, period)
	plusMean, minusMean := SMA(plusDM, period), SMA(minusDM, period)

	d := Directional{PlusDI: nanSlice(n), MinusDI: nanSlice(n), DX: nanSlice(n)}
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) || math.IsNaN(plusMean[i]) || math.IsNaN(minusMean[i]) {
			continue
		}
		var pdi, mdi float64
		if atr[i] > 0 {
			pdi = 100 * plusMean[i] / atr[i]
			mdi = 100 * minusMean[i] / atr[i]
		}
		d.PlusDI[i], d.MinusDI[i] = pdi, mdi
		if sum := pdi + mdi; sum > 0 {
			d.DX[i] = 100 * math.Abs(pdi-mdi) / sum
		} else {
			d.DX[i] = 0
		}
	}
	d.ADX = SMA(d.DX, period)
	return d
}

// ADX is the average directional index: the rolling mean of DX.
func ADX(bars []domain.Bar, period int) []float64 {
	return DMI(bars, period).ADX
}

// MACDResult holds the MACD line, its signal line and their difference.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD is EMA(short) - EMA(long) with an EMA(signal) of the result.
func MACD(closes []float64, short, long, signal int) MACDResult {
	fast, slow := EMA(closes, short), EMA(closes, long)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}
	sig := EMA(line, signal)
	hist := make([]float64, len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}
}

// BullishCrossover reports whether the MACD line crossed above its signal
// between the last two observations.
func (m MACDResult) BullishCrossover() bool {
	return CrossedAbove(m.MACD, m.Signal)
}

// CrossedAbove reports whether a moved from <= b to > b between the final
// two observations.
func CrossedAbove(a, b []float64) bool {
	n := len(a)
	if n < 2 || len(b) != n {
		return false
	}
	if !defined(a[n-2]) || !defined(b[n-2]) || !defined(a[n-1]) || !defined(b[n-1]) {
		return false
	}
	return a[n-2] <= b[n-2] && a[n-1] > b[n-1]
}

// CrossedBelow reports whether a moved from >= b to < b between the final
// two observations.
func CrossedBelow(a, b []float64) bool {
	return CrossedAbove(b, a)
}
