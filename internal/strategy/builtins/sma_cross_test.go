package builtins

import (
	"errors"
	"math"
	"testing"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

func TestSMACrossEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		short float64
		long  float64
		held  int64
		want  strategy.Signal
	}{
		{"bullish and flat", 105, 100, 0, strategy.Enter},
		{"bullish and held", 105, 100, 10, strategy.Hold},
		{"bearish and held", 95, 100, 10, strategy.Exit},
		{"bearish and flat", 95, 100, 0, strategy.Hold},
		{"equal", 100, 100, 10, strategy.Hold},
	}
	rule := NewSMACross()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rule.Evaluate(strategy.Snapshot{Symbol: "AAPL", SMAShort: tt.short, SMALong: tt.long, HeldQty: tt.held})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}

	_, err := rule.Evaluate(strategy.Snapshot{Symbol: "AAPL", SMAShort: math.NaN(), SMALong: 100})
	if !errors.Is(err, domain.ErrInvalidIndicator) {
		t.Errorf("absent SMA error = %v, want ErrInvalidIndicator", err)
	}
}

func TestFilteredEvaluate(t *testing.T) {
	rule := NewFiltered(NewSMACross(), strategy.EntryFilter{MaxRSI: 70, MinADX: 20})
	base := strategy.Snapshot{Symbol: "QQQ", SMAShort: 105, SMALong: 100, RSI: 55, ADX: 25}

	tests := []struct {
		name   string
		mutate func(*strategy.Snapshot)
		want   strategy.Signal
		errIs  error
	}{
		{"passes", func(*strategy.Snapshot) {}, strategy.Enter, nil},
		{"overbought", func(s *strategy.Snapshot) { s.RSI = 75 }, strategy.Hold, nil},
		{"weak trend", func(s *strategy.Snapshot) { s.ADX = 15 }, strategy.Hold, nil},
		{"rsi absent", func(s *strategy.Snapshot) { s.RSI = math.NaN() }, strategy.Hold, domain.ErrInvalidIndicator},
		{"adx absent", func(s *strategy.Snapshot) { s.ADX = math.Inf(1) }, strategy.Hold, domain.ErrInvalidIndicator},
		{"exit ignores filter", func(s *strategy.Snapshot) { s.SMAShort, s.HeldQty, s.RSI = 95, 5, math.NaN() }, strategy.Exit, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := base
			tt.mutate(&snap)
			got, err := rule.Evaluate(snap)
			if tt.errIs != nil {
				if !errors.Is(err, tt.errIs) {
					t.Fatalf("err = %v, want %v", err, tt.errIs)
				}
			} else if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilteredRequireMACD(t *testing.T) {
	rule := NewFiltered(NewSMACross(), strategy.EntryFilter{RequireMACD: true})
	snap := strategy.Snapshot{Symbol: "GLD", SMAShort: 2, SMALong: 1}
	if got, _ := rule.Evaluate(snap); got != strategy.Hold {
		t.Errorf("entry without MACD confirmation = %v, want hold", got)
	}
	snap.MACDAbove = true
	if got, _ := rule.Evaluate(snap); got != strategy.Enter {
		t.Errorf("entry with MACD confirmation = %v, want enter", got)
	}
}

func TestRuleFor(t *testing.T) {
	reg := strategy.DefaultRegistry()

	simple, _ := reg.Get(strategy.SimpleMomentum)
	if got := RuleFor(simple).Name(); got != "sma-cross" {
		t.Errorf("simple rule = %q, want sma-cross", got)
	}
	refined, _ := reg.Get(strategy.SMAMomentumRefined)
	if got := RuleFor(refined).Name(); got != "sma-cross+filter" {
		t.Errorf("refined rule = %q, want sma-cross+filter", got)
	}
}
