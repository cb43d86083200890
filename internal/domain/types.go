// Package domain defines the core value types shared across meridian: price
// bars and series, positions, portfolio snapshots, market regimes, and order
// intents.
package domain

import (
	"fmt"
	"time"
)

// Market identifies the exchange family a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
)

// Bar is a single OHLCV observation for one symbol. Bars are immutable once
// recorded.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Series is an ordered sequence of bars for one symbol. Timestamps are
// strictly increasing. The engine only ever reads a Series it was handed.
type Series struct {
	Symbol string
	Bars   []Bar
}

// Len returns the number of bars in the series.
func (s Series) Len() int { return len(s.Bars) }

// Empty reports whether the series carries no bars.
func (s Series) Empty() bool { return len(s.Bars) == 0 }

// Closes projects the closing prices.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Last returns the final bar. The second return value is false for an empty
// series.
func (s Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Tail returns a view over the last n bars (or all of them if n exceeds the
// length). The underlying array is shared.
func (s Series) Tail(n int) Series {
	if n <= 0 || n >= len(s.Bars) {
		return s
	}
	return Series{Symbol: s.Symbol, Bars: s.Bars[len(s.Bars)-n:]}
}

// Validate checks that timestamps are strictly increasing.
func (s Series) Validate() error {
	for i := 1; i < len(s.Bars); i++ {
		if !s.Bars[i].Timestamp.After(s.Bars[i-1].Timestamp) {
			return fmt.Errorf("series %s: bar %d at %s does not follow %s",
				s.Symbol, i, s.Bars[i].Timestamp.Format(time.RFC3339),
				s.Bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// Position is a broker-reported holding for one symbol.
type Position struct {
	Symbol     string
	Qty        int64
	EntryPrice float64
}

// Portfolio is the per-cycle account snapshot plus the engine-owned running
// equity peak.
type Portfolio struct {
	Equity     float64
	Cash       float64
	PeakEquity float64
}

// RiskState holds the configured base risk-per-trade and the value derived
// for the current cycle.
type RiskState struct {
	BaseRiskFraction    float64
	CurrentRiskFraction float64
}

// AssetScore is the risk-adjusted momentum of one symbol.
type AssetScore struct {
	Symbol      string
	MomentumPct float64
	Volatility  float64
	Score       float64
}

// MarketClock is a snapshot of the exchange session clock.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Execution is the broker acknowledgement of a submitted intent.
type Execution struct {
	ClientOrderID string
	BrokerOrderID string
	Status        string
	SubmittedAt   time.Time
}
