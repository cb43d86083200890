// Package builtins provides the rule implementations that ship with
// meridian.
package builtins

import (
	"fmt"
	"math"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

// Compile-time interface checks.
var _ strategy.Rule = (*SMACross)(nil)
var _ strategy.Rule = (*Filtered)(nil)

// SMACross enters a flat symbol while the short SMA is above the long SMA
// and exits a held symbol while it is below. It only reacts to the level
// relationship, not to the crossing bar itself.
type SMACross struct{}

// NewSMACross creates a new SMACross rule.
func NewSMACross() *SMACross {
	return &SMACross{}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Evaluate applies the crossover transition table.
func (s *SMACross) Evaluate(snap strategy.Snapshot) (strategy.Signal, error) {
	if !finite(snap.SMAShort) || !finite(snap.SMALong) {
		return strategy.Hold, fmt.Errorf("%s: sma %v/%v: %w",
			snap.Symbol, snap.SMAShort, snap.SMALong, domain.ErrInvalidIndicator)
	}
	switch {
	case snap.SMAShort > snap.SMALong && snap.HeldQty == 0:
		return strategy.Enter, nil
	case snap.SMAShort < snap.SMALong && snap.HeldQty > 0:
		return strategy.Exit, nil
	default:
		return strategy.Hold, nil
	}
}

// Filtered wraps a rule and downgrades entries that fail an EntryFilter to
// holds. Exits pass through untouched.
type Filtered struct {
	inner  strategy.Rule
	filter strategy.EntryFilter
}

// NewFiltered creates a Filtered rule around inner.
func NewFiltered(inner strategy.Rule, f strategy.EntryFilter) *Filtered {
	return &Filtered{inner: inner, filter: f}
}

// Name returns the inner rule name with a "+filter" suffix.
func (f *Filtered) Name() string {
	return f.inner.Name() + "+filter"
}

// Evaluate runs the inner rule and then the entry checks.
func (f *Filtered) Evaluate(snap strategy.Snapshot) (strategy.Signal, error) {
	sig, err := f.inner.Evaluate(snap)
	if err != nil || sig != strategy.Enter {
		return sig, err
	}
	if f.filter.MaxRSI > 0 {
		if !finite(snap.RSI) {
			return strategy.Hold, fmt.Errorf("%s: rsi %v: %w", snap.Symbol, snap.RSI, domain.ErrInvalidIndicator)
		}
		if snap.RSI >= f.filter.MaxRSI {
			return strategy.Hold, nil
		}
	}
	if f.filter.MinADX > 0 {
		if !finite(snap.ADX) {
			return strategy.Hold, fmt.Errorf("%s: adx %v: %w", snap.Symbol, snap.ADX, domain.ErrInvalidIndicator)
		}
		if snap.ADX <= f.filter.MinADX {
			return strategy.Hold, nil
		}
	}
	if f.filter.RequireMACD && !snap.MACDAbove {
		return strategy.Hold, nil
	}
	return strategy.Enter, nil
}

// RuleFor builds the rule a policy asks for.
func RuleFor(p strategy.Policy) strategy.Rule {
	var r strategy.Rule = NewSMACross()
	if p.Entry.Enabled() {
		r = NewFiltered(r, p.Entry)
	}
	return r
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
