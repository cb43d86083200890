package engine

import (
	"math"
	"time"

	"meridian/internal/domain"
)

// Action is what the engine decided for one symbol.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
	ActionSkip Action = "skip"
)

// Outcome is the per-symbol result of a cycle. Intent is set for buys and
// sells; Reason is set for skips.
type Outcome struct {
	Symbol string              `json:"symbol"`
	Action Action              `json:"action"`
	Reason domain.SkipReason   `json:"reason,omitempty"`
	Detail string              `json:"detail,omitempty"`
	Intent *domain.OrderIntent `json:"intent,omitempty"`
}

func skip(symbol string, reason domain.SkipReason, detail string) Outcome {
	return Outcome{Symbol: symbol, Action: ActionSkip, Reason: reason, Detail: detail}
}

func skipErr(symbol string, err error) Outcome {
	return skip(symbol, domain.ReasonFor(err), err.Error())
}

// Report summarizes one decision pass.
type Report struct {
	Cycle      int64     `json:"cycle"`
	Policy     string    `json:"policy"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Phases     []Phase   `json:"phases"`

	Regime         domain.Regime `json:"regime"`
	RegimeDegraded bool          `json:"regime_degraded"`
	RegimeSlope    float64       `json:"regime_slope"`
	BenchmarkVol   float64       `json:"benchmark_volatility"`

	RiskFraction         float64 `json:"risk_fraction"`
	VolatilityMultiplier float64 `json:"volatility_multiplier"`

	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	PeakEquity  float64 `json:"peak_equity"`
	DrawdownPct float64 `json:"drawdown_pct"`
	Halted      bool    `json:"halted"`

	Ranked   []domain.AssetScore `json:"ranked"`
	Outcomes []Outcome           `json:"outcomes"`
}

func (r *Report) enter(p Phase) { r.Phases = append(r.Phases, p) }

// Intents returns the intents of every buy and sell outcome in decision
// order.
func (r *Report) Intents() []domain.OrderIntent {
	var out []domain.OrderIntent
	for _, o := range r.Outcomes {
		if o.Intent != nil {
			out = append(out, *o.Intent)
		}
	}
	return out
}

// Count returns the number of outcomes with action a.
func (r *Report) Count(a Action) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Outcome returns the outcome for symbol, if any.
func (r *Report) Outcome(symbol string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Symbol == symbol {
			return o, true
		}
	}
	return Outcome{}, false
}

// finite replaces NaN and infinities with zero so reports always encode.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
