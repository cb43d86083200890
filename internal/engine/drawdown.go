package engine

// DrawdownGuard tracks the equity peak and halts new entries once the
// drawdown from it passes a threshold.
type DrawdownGuard struct {
	maxDrawdownPct float64
}

// NewDrawdownGuard creates a DrawdownGuard halting below maxDrawdownPct
// (a negative percentage such as -20).
func NewDrawdownGuard(maxDrawdownPct float64) *DrawdownGuard {
	return &DrawdownGuard{maxDrawdownPct: maxDrawdownPct}
}

// DrawdownStatus is the guard's verdict for one equity observation.
type DrawdownStatus struct {
	Peak        float64
	DrawdownPct float64
	Halted      bool
}

// Evaluate folds equity into the running peak and reports the drawdown.
// The peak is always updated, halted or not.
func (g *DrawdownGuard) Evaluate(equity, peak float64) DrawdownStatus {
	peak = max(peak, equity)
	st := DrawdownStatus{Peak: peak}
	if peak > 0 {
		st.DrawdownPct = (equity - peak) / peak * 100
	}
	st.Halted = st.DrawdownPct < g.maxDrawdownPct
	return st
}
