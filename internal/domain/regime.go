package domain

import (
	"fmt"
	"strings"
)

// Regime is the classified market state. The zero value is Neutral, which is
// reserved for the case where no benchmark data could be read.
type Regime int

const (
	RegimeNeutral Regime = iota
	RegimeBull
	RegimeBear
	RegimeFlat
)

// Regimes lists every regime in declaration order.
var Regimes = []Regime{RegimeNeutral, RegimeBull, RegimeBear, RegimeFlat}

func (r Regime) String() string {
	switch r {
	case RegimeNeutral:
		return "neutral"
	case RegimeBull:
		return "bull"
	case RegimeBear:
		return "bear"
	case RegimeFlat:
		return "flat"
	default:
		return fmt.Sprintf("regime(%d)", int(r))
	}
}

// ParseRegime maps a case-insensitive name to a Regime.
func ParseRegime(s string) (Regime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "neutral":
		return RegimeNeutral, nil
	case "bull":
		return RegimeBull, nil
	case "bear":
		return RegimeBear, nil
	case "flat":
		return RegimeFlat, nil
	}
	return RegimeNeutral, fmt.Errorf("unknown regime %q", s)
}

// MarshalText encodes the regime by name.
func (r Regime) MarshalText() ([]byte, error) {
	switch r {
	case RegimeNeutral, RegimeBull, RegimeBear, RegimeFlat:
		return []byte(r.String()), nil
	}
	return nil, fmt.Errorf("invalid regime %d", int(r))
}

// UnmarshalText decodes a regime name.
func (r *Regime) UnmarshalText(b []byte) error {
	v, err := ParseRegime(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
