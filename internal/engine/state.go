package engine

import (
	"time"

	"meridian/internal/domain"
	"meridian/internal/strategy"
)

// Phase is a step of the decision pass.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseEvaluating Phase = "evaluating"
	PhaseHalted     Phase = "halted"
	PhaseDeciding   Phase = "deciding"
)

// State is everything the engine carries from one cycle to the next. It is
// passed into and returned from each hook; the engine itself keeps none.
type State struct {
	PeakEquity          float64       `json:"peak_equity"`
	BaseRiskFraction    float64       `json:"base_risk_fraction"`
	CurrentRiskFraction float64       `json:"current_risk_fraction"`
	StopLossMultiplier  float64       `json:"stop_loss_multiplier"`
	PreviousRegime      domain.Regime `json:"previous_regime"`
	Cycle               int64         `json:"cycle"`
	Faults              int64         `json:"faults"`
	LastCycleAt         time.Time     `json:"last_cycle_at"`
}

// NewState returns the initial state for a policy.
func NewState(p strategy.Policy) State {
	return State{
		BaseRiskFraction:    p.BaseRiskFraction,
		CurrentRiskFraction: p.BaseRiskFraction,
		StopLossMultiplier:  p.StopLossMultiplier,
		PreviousRegime:      domain.RegimeNeutral,
	}
}

// WithDefaults fills zero risk settings from the policy, for state loaded
// from an older or empty store.
func (s State) WithDefaults(p strategy.Policy) State {
	if s.BaseRiskFraction <= 0 {
		s.BaseRiskFraction = p.BaseRiskFraction
	}
	if s.CurrentRiskFraction <= 0 {
		s.CurrentRiskFraction = s.BaseRiskFraction
	}
	if s.StopLossMultiplier <= 0 {
		s.StopLossMultiplier = p.StopLossMultiplier
	}
	return s
}

// Risk projects the risk settings.
func (s State) Risk() domain.RiskState {
	return domain.RiskState{
		BaseRiskFraction:    s.BaseRiskFraction,
		CurrentRiskFraction: s.CurrentRiskFraction,
	}
}
