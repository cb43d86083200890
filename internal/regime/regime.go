// Package regime classifies the prevailing market state from a benchmark
// price series.
package regime

import (
	"math"

	"meridian/internal/domain"
	"meridian/internal/indicator"
)

// Config holds the classifier parameters.
type Config struct {
	ShortPeriod     int     `yaml:"short_period"`
	LongPeriod      int     `yaml:"long_period"`
	SlopeDeltas     int     `yaml:"slope_deltas"`
	VolPeriod       int     `yaml:"vol_period"`
	HighVolLevel    float64 `yaml:"high_vol_level"`
	SlopeThreshold  float64 `yaml:"slope_threshold"`
	HighVolSlopeThr float64 `yaml:"high_vol_slope_threshold"`
}

// DefaultConfig returns SMA 50/200 over a five-delta slope with a 20-bar
// volatility window.
func DefaultConfig() Config {
	return Config{
		ShortPeriod:     50,
		LongPeriod:      200,
		SlopeDeltas:     5,
		VolPeriod:       20,
		HighVolLevel:    1.5,
		SlopeThreshold:  0.1,
		HighVolSlopeThr: 0.05,
	}
}

// Result carries the classification and the values it was derived from.
type Result struct {
	Regime     domain.Regime
	SMAShort   float64
	SMALong    float64
	Slope      float64
	Volatility float64
	Threshold  float64
	// Degraded is set when the long average was computed over fewer bars
	// than LongPeriod, or when there were too few bars to measure a slope.
	Degraded bool
}

// Classifier maps a benchmark series onto a Regime.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a Classifier. Zero-valued fields fall back to
// DefaultConfig.
func NewClassifier(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.ShortPeriod <= 0 {
		cfg.ShortPeriod = def.ShortPeriod
	}
	if cfg.LongPeriod <= 0 {
		cfg.LongPeriod = def.LongPeriod
	}
	if cfg.SlopeDeltas <= 0 {
		cfg.SlopeDeltas = def.SlopeDeltas
	}
	if cfg.VolPeriod <= 1 {
		cfg.VolPeriod = def.VolPeriod
	}
	if cfg.HighVolLevel <= 0 {
		cfg.HighVolLevel = def.HighVolLevel
	}
	if cfg.SlopeThreshold <= 0 {
		cfg.SlopeThreshold = def.SlopeThreshold
	}
	if cfg.HighVolSlopeThr <= 0 {
		cfg.HighVolSlopeThr = def.HighVolSlopeThr
	}
	return &Classifier{cfg: cfg}
}

// MinBars is the number of closes required to measure a slope. Shorter
// benchmark series classify as Flat.
func (c *Classifier) MinBars() int {
	return max(c.cfg.ShortPeriod+c.cfg.SlopeDeltas, c.cfg.VolPeriod)
}

// Classify computes the regime for the benchmark series. An empty series is
// Neutral; anything else is one of Bull, Bear or Flat.
func (c *Classifier) Classify(s domain.Series) Result {
	if s.Empty() {
		return Result{Regime: domain.RegimeNeutral, Degraded: true}
	}
	closes := s.Closes()
	if len(closes) < c.MinBars() {
		mean := indicator.Mean(closes)
		return Result{Regime: domain.RegimeFlat, SMAShort: mean, SMALong: mean, Degraded: true}
	}

	smaShort := indicator.SMA(closes, c.cfg.ShortPeriod)
	short, _ := indicator.Last(smaShort)

	var long float64
	degraded := false
	if len(closes) >= c.cfg.LongPeriod {
		long, _ = indicator.Last(indicator.SMA(closes, c.cfg.LongPeriod))
	} else {
		long = indicator.Mean(closes)
		degraded = true
	}

	n := len(smaShort)
	k := c.cfg.SlopeDeltas
	slope := (smaShort[n-1] - smaShort[n-1-k]) / float64(k)

	vol, ok := indicator.Last(indicator.StdDev(closes, c.cfg.VolPeriod))
	if !ok {
		vol = 0
	}

	threshold := c.cfg.SlopeThreshold
	if vol > c.cfg.HighVolLevel {
		threshold = c.cfg.HighVolSlopeThr
	}

	r := Result{
		SMAShort:   short,
		SMALong:    long,
		Slope:      slope,
		Volatility: vol,
		Threshold:  threshold,
		Degraded:   degraded,
	}
	switch {
	case math.IsNaN(slope) || math.IsNaN(short) || math.IsNaN(long):
		r.Regime = domain.RegimeFlat
	case slope > threshold && short > long:
		r.Regime = domain.RegimeBull
	case slope < -threshold && short < long:
		r.Regime = domain.RegimeBear
	default:
		r.Regime = domain.RegimeFlat
	}
	return r
}
