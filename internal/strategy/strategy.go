// Package strategy defines trading policies as configuration data and the
// Rule interface that turns an indicator snapshot into a position signal.
// Named policy presets are kept in a Registry.
package strategy

import (
	"fmt"
	"sort"
	"strings"

	"meridian/internal/domain"
	"meridian/internal/regime"
)

// Signal is the transition a Rule asks for.
type Signal int

const (
	Hold Signal = iota
	Enter
	Exit
)

func (s Signal) String() string {
	switch s {
	case Hold:
		return "hold"
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Snapshot is the per-symbol view a Rule evaluates. Indicators that were not
// computed are NaN.
type Snapshot struct {
	Symbol    string
	SMAShort  float64
	SMALong   float64
	RSI       float64
	ADX       float64
	MACDAbove bool
	HeldQty   int64
}

// Rule decides whether to enter, exit or hold a symbol.
type Rule interface {
	// Name returns the unique identifier for this rule.
	Name() string

	// Evaluate maps a snapshot onto a signal. It returns an error wrapping
	// domain.ErrInvalidIndicator when a required input is absent.
	Evaluate(snap Snapshot) (Signal, error)
}

// RegimeTable is a per-regime scalar, used for risk and ATR multipliers.
type RegimeTable struct {
	Bull    float64 `yaml:"bull"`
	Bear    float64 `yaml:"bear"`
	Flat    float64 `yaml:"flat"`
	Neutral float64 `yaml:"neutral"`
}

// For returns the entry for r.
func (t RegimeTable) For(r domain.Regime) float64 {
	switch r {
	case domain.RegimeBull:
		return t.Bull
	case domain.RegimeBear:
		return t.Bear
	case domain.RegimeFlat:
		return t.Flat
	case domain.RegimeNeutral:
		return t.Neutral
	}
	panic(fmt.Sprintf("strategy: unhandled regime %d", int(r)))
}

// Max returns the largest entry.
func (t RegimeTable) Max() float64 {
	return max(t.Bull, t.Bear, t.Flat, t.Neutral)
}

// SMAPeriods is a short/long moving-average pair.
type SMAPeriods struct {
	Short int `yaml:"short"`
	Long  int `yaml:"long"`
}

// Valid reports whether both periods are positive and ordered.
func (p SMAPeriods) Valid() bool { return p.Short > 0 && p.Long > p.Short }

// SMATable selects the crossover periods for a symbol. A symbol override
// wins over a regime entry, which wins over the default.
type SMATable struct {
	Default SMAPeriods            `yaml:"default"`
	Bull    *SMAPeriods           `yaml:"bull,omitempty"`
	Bear    *SMAPeriods           `yaml:"bear,omitempty"`
	Flat    *SMAPeriods           `yaml:"flat,omitempty"`
	Neutral *SMAPeriods           `yaml:"neutral,omitempty"`
	Symbols map[string]SMAPeriods `yaml:"symbols,omitempty"`
}

// For resolves the periods for symbol under regime r.
func (t SMATable) For(symbol string, r domain.Regime) SMAPeriods {
	if p, ok := t.Symbols[symbol]; ok && p.Valid() {
		return p
	}
	var byRegime *SMAPeriods
	switch r {
	case domain.RegimeBull:
		byRegime = t.Bull
	case domain.RegimeBear:
		byRegime = t.Bear
	case domain.RegimeFlat:
		byRegime = t.Flat
	case domain.RegimeNeutral:
		byRegime = t.Neutral
	}
	if byRegime != nil && byRegime.Valid() {
		return *byRegime
	}
	return t.Default
}

// EntryFilter gates new long entries on oscillator readings. A zero field
// disables that check.
type EntryFilter struct {
	MaxRSI      float64 `yaml:"max_rsi"`
	MinADX      float64 `yaml:"min_adx"`
	RequireMACD bool    `yaml:"require_macd"`
}

// Enabled reports whether any check is active.
func (f EntryFilter) Enabled() bool {
	return f.MaxRSI > 0 || f.MinADX > 0 || f.RequireMACD
}

// Policy is the complete set of tunables for one strategy. Every numeric
// constant the engine uses lives here.
type Policy struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Benchmark   string   `yaml:"benchmark"`
	Universe    []string `yaml:"universe"`
	Blacklist   []string `yaml:"blacklist"`

	// TopK limits the decision pass to the best-ranked symbols; 0 means
	// every ranked symbol.
	TopK              int `yaml:"top_k"`
	Lookback          int `yaml:"lookback"`
	BenchmarkLookback int `yaml:"benchmark_lookback"`
	ATRPeriod         int `yaml:"atr_period"`
	VolPeriod         int `yaml:"vol_period"`

	BaseRiskFraction float64     `yaml:"base_risk_fraction"`
	MinRiskFraction  float64     `yaml:"min_risk_fraction"`
	RegimeRisk       RegimeTable `yaml:"regime_risk"`
	ATRMultiplier    RegimeTable `yaml:"atr_multiplier"`

	HighVolATRFraction float64 `yaml:"high_vol_atr_fraction"`
	HighVolMultiplier  float64 `yaml:"high_vol_multiplier"`

	StopLossMultiplier      float64 `yaml:"stop_loss_multiplier"`
	FaultStopLossMultiplier float64 `yaml:"fault_stop_loss_multiplier"`
	TakeProfitMultiplier    float64 `yaml:"take_profit_multiplier"`

	// MaxDrawdownPct is the halt threshold; new entries stop while the
	// drawdown is below it (e.g. -20).
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct"`
	CapByCash      bool    `yaml:"cap_by_cash"`

	SMA    SMATable      `yaml:"sma"`
	Entry  EntryFilter   `yaml:"entry"`
	Regime regime.Config `yaml:"regime"`
}

// FilteredUniverse returns the upper-cased, de-duplicated universe minus the
// blacklist, preserving configured order.
func (p Policy) FilteredUniverse() []string {
	blocked := make(map[string]struct{}, len(p.Blacklist))
	for _, s := range p.Blacklist {
		blocked[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	seen := make(map[string]struct{}, len(p.Universe))
	out := make([]string, 0, len(p.Universe))
	for _, s := range p.Universe {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" {
			continue
		}
		if _, ok := blocked[sym]; ok {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// Validate reports the first inconsistency in the policy.
func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("policy: empty name")
	case len(p.FilteredUniverse()) == 0:
		return fmt.Errorf("policy %s: empty universe", p.Name)
	case p.TopK < 0:
		return fmt.Errorf("policy %s: top_k %d is negative", p.Name, p.TopK)
	case p.Lookback < 2:
		return fmt.Errorf("policy %s: lookback %d too short", p.Name, p.Lookback)
	case p.BaseRiskFraction <= 0 || p.BaseRiskFraction > 1:
		return fmt.Errorf("policy %s: base_risk_fraction %v outside (0, 1]", p.Name, p.BaseRiskFraction)
	case p.MinRiskFraction < 0 || p.MinRiskFraction > p.BaseRiskFraction:
		return fmt.Errorf("policy %s: min_risk_fraction %v outside [0, base]", p.Name, p.MinRiskFraction)
	case p.StopLossMultiplier <= 0 || p.TakeProfitMultiplier <= 0:
		return fmt.Errorf("policy %s: stop-loss and take-profit multipliers must be positive", p.Name)
	case p.MaxDrawdownPct >= 0:
		return fmt.Errorf("policy %s: max_drawdown_pct %v must be negative", p.Name, p.MaxDrawdownPct)
	case !p.SMA.Default.Valid():
		return fmt.Errorf("policy %s: invalid default sma periods %+v", p.Name, p.SMA.Default)
	}
	for _, r := range domain.Regimes {
		if v := p.RegimeRisk.For(r); v <= 0 || v > 10 {
			return fmt.Errorf("policy %s: regime_risk.%s %v outside (0, 10]", p.Name, r, v)
		}
		if v := p.ATRMultiplier.For(r); v <= 0 {
			return fmt.Errorf("policy %s: atr_multiplier.%s %v must be positive", p.Name, r, v)
		}
	}
	return nil
}

// Registry holds named policy presets for lookup and enumeration.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
	}
}

// Register adds a policy, keyed by its Name.
func (r *Registry) Register(p Policy) {
	r.policies[p.Name] = p
}

// Get retrieves a policy by name. The second return value indicates whether
// the policy was found. The returned value is a copy.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[name]
	if !ok {
		return Policy{}, false
	}
	return p.clone(), true
}

// List returns a sorted slice of all registered policy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p Policy) clone() Policy {
	p.Universe = append([]string(nil), p.Universe...)
	p.Blacklist = append([]string(nil), p.Blacklist...)
	if p.SMA.Symbols != nil {
		m := make(map[string]SMAPeriods, len(p.SMA.Symbols))
		for k, v := range p.SMA.Symbols {
			m[k] = v
		}
		p.SMA.Symbols = m
	}
	return p
}
