// Package engine runs the per-cycle trading decision pass: regime
// classification, risk allocation, momentum ranking, the drawdown gate and
// position sizing. It reads prices and balances through broker interfaces,
// returns order intents, and never submits them itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/indicator"
	"meridian/internal/metrics"
	"meridian/internal/regime"
	"meridian/internal/strategy"
	"meridian/internal/strategy/builtins"
)

// Options holds the optional collaborators of an Engine.
type Options struct {
	// CallTimeout bounds every broker call; zero disables the per-call
	// deadline.
	CallTimeout time.Duration
	// Workers bounds concurrent history requests.
	Workers int
	Metrics *metrics.Collector
	Logger  *slog.Logger
	// Now supplies the as-of time of a cycle.
	Now func() time.Time
}

// Engine evaluates one policy against injected market data. It holds no
// mutable state; everything that changes between cycles lives in State.
type Engine struct {
	policy  strategy.Policy
	rule    strategy.Rule
	data    broker.MarketData
	account broker.Account

	classifier *regime.Classifier
	risk       *RiskAllocator
	ranker     *Ranker
	guard      *DrawdownGuard
	prefetch   *Prefetcher

	timeout time.Duration
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

// New creates an Engine. A nil rule selects the rule the policy describes.
func New(p strategy.Policy, rule strategy.Rule, data broker.MarketData, account broker.Account, opts Options) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if data == nil || account == nil {
		return nil, errors.New("engine: market data and account are required")
	}
	if rule == nil {
		rule = builtins.RuleFor(p)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		policy:     p,
		rule:       rule,
		data:       data,
		account:    account,
		classifier: regime.NewClassifier(p.Regime),
		risk:       NewRiskAllocator(p),
		ranker:     NewRanker(p.VolPeriod),
		guard:      NewDrawdownGuard(p.MaxDrawdownPct),
		prefetch:   NewPrefetcher(data, opts.Workers, opts.CallTimeout),
		timeout:    opts.CallTimeout,
		metrics:    opts.Metrics,
		log:        opts.Logger.With("component", "engine", "policy", p.Name),
		now:        opts.Now,
	}, nil
}

// Policy returns the policy the engine evaluates.
func (e *Engine) Policy() strategy.Policy { return e.policy }

// RunCycle performs one decision pass and returns the next state with a
// report of every per-symbol outcome. Only an unreadable account is an
// error; every other problem skips the affected symbol. On error the input
// state is returned unchanged.
func (e *Engine) RunCycle(ctx context.Context, st State) (State, *Report, error) {
	begin := time.Now()
	st = st.WithDefaults(e.policy)
	asOf := e.now()
	rep := &Report{
		Cycle:     st.Cycle + 1,
		Policy:    e.policy.Name,
		StartedAt: asOf,
		Phases:    []Phase{PhaseIdle},
	}
	rep.enter(PhaseEvaluating)
	log := e.log.With("cycle", rep.Cycle)

	equity, cash, err := e.balances(ctx)
	if err != nil {
		rep.enter(PhaseIdle)
		rep.FinishedAt = e.now()
		return st, rep, fmt.Errorf("cycle %d: %w", rep.Cycle, err)
	}
	next := st
	next.Cycle = rep.Cycle
	next.LastCycleAt = asOf
	rep.Equity, rep.Cash = equity, cash

	bench, series, skips := e.load(ctx, log)

	res := e.classifier.Classify(bench)
	if res.Regime != st.PreviousRegime {
		log.Info("regime change", "from", st.PreviousRegime.String(), "to", res.Regime.String())
	}
	alloc := e.risk.Allocate(st.BaseRiskFraction, res.Regime, bench)
	next.PreviousRegime = res.Regime
	next.CurrentRiskFraction = alloc.Fraction
	rep.Regime = res.Regime
	rep.RegimeDegraded = res.Degraded
	rep.RegimeSlope = finite(res.Slope)
	rep.BenchmarkVol = finite(res.Volatility)
	rep.RiskFraction = alloc.Fraction
	rep.VolatilityMultiplier = alloc.VolatilityMultiplier
	log.Info("regime classified",
		"regime", res.Regime.String(),
		"sma_short", finite(res.SMAShort),
		"sma_long", finite(res.SMALong),
		"slope", finite(res.Slope),
		"volatility", finite(res.Volatility),
		"degraded", res.Degraded,
		"risk_fraction", alloc.Fraction,
		"volatility_multiplier", alloc.VolatilityMultiplier,
	)

	ranked := make([]string, 0, len(series))
	for _, sym := range e.policy.FilteredUniverse() {
		if _, ok := series[sym]; ok {
			ranked = append(ranked, sym)
		}
	}
	scores, excluded := e.ranker.Rank(ranked, series)
	for _, x := range excluded {
		skips = append(skips, skip(x.Symbol, x.Reason, x.Detail))
	}
	rep.Ranked = scores
	rep.Outcomes = append(rep.Outcomes, skips...)

	dd := e.guard.Evaluate(equity, st.PeakEquity)
	next.PeakEquity = dd.Peak
	rep.PeakEquity = dd.Peak
	rep.DrawdownPct = dd.DrawdownPct
	rep.Halted = dd.Halted
	e.metrics.SetPortfolio(equity, dd.Peak, dd.DrawdownPct)
	e.metrics.SetRisk(res.Regime, alloc.Fraction)

	if dd.Halted {
		rep.enter(PhaseHalted)
		log.Warn("drawdown limit breached, no new positions",
			"equity", equity,
			"peak", dd.Peak,
			"drawdown_pct", dd.DrawdownPct,
			"limit_pct", e.policy.MaxDrawdownPct,
		)
		return next, e.finish(rep, begin, metrics.CycleHalted), nil
	}

	rep.enter(PhaseDeciding)
	selected := TopK(scores, e.policy.TopK)
	weights := Weights(len(selected))
	remaining := cash
	for i, sc := range selected {
		in, out, ok := e.inputs(ctx, sc.Symbol, series[sc.Symbol], res.Regime)
		if !ok {
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}
		in.AsOf = asOf
		in.Weight = weights[i]
		in.RiskFraction = alloc.Fraction
		in.Cash = cash
		in.RemainingCash = remaining
		in.StopLossMultiplier = st.StopLossMultiplier

		out = Decide(e.policy, e.rule, in)
		if out.Action == ActionBuy {
			remaining -= float64(out.Intent.Qty) * in.LastPrice
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}

	return next, e.finish(rep, begin, metrics.CycleCompleted), nil
}

func (e *Engine) finish(rep *Report, begin time.Time, outcome string) *Report {
	rep.enter(PhaseIdle)
	rep.FinishedAt = e.now()
	for _, o := range rep.Outcomes {
		e.metrics.ObserveOutcome(string(o.Action), o.Reason)
		if o.Intent != nil {
			e.metrics.ObserveIntent(o.Intent.Side)
		}
		if o.Action == ActionSkip {
			e.log.Warn("symbol skipped", "cycle", rep.Cycle, "symbol", o.Symbol, "reason", string(o.Reason), "detail", o.Detail)
		}
	}
	e.metrics.ObserveCycle(outcome, time.Since(begin))
	e.log.Info("cycle finished",
		"cycle", rep.Cycle,
		"outcome", outcome,
		"buys", rep.Count(ActionBuy),
		"sells", rep.Count(ActionSell),
		"holds", rep.Count(ActionHold),
		"skips", rep.Count(ActionSkip),
	)
	return rep
}

func (e *Engine) balances(ctx context.Context) (equity, cash float64, err error) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()
	if equity, err = e.account.PortfolioValue(callCtx); err != nil {
		return 0, 0, fmt.Errorf("reading portfolio value: %w", err)
	}
	if cash, err = e.account.Cash(callCtx); err != nil {
		return 0, 0, fmt.Errorf("reading cash: %w", err)
	}
	return equity, cash, nil
}

// load prefetches the benchmark and the universe. A symbol is fetched once
// even when the benchmark is also in the universe. Symbols whose history
// could not be loaded come back as skip outcomes in universe order.
func (e *Engine) load(ctx context.Context, log *slog.Logger) (domain.Series, map[string]domain.Series, []Outcome) {
	universe := e.policy.FilteredUniverse()
	benchSym := strings.ToUpper(strings.TrimSpace(e.policy.Benchmark))

	reqs := make([]FetchRequest, 0, len(universe)+1)
	index := make(map[string]int, len(universe)+1)
	want := func(sym string, length int) {
		if i, ok := index[sym]; ok {
			reqs[i].Length = max(reqs[i].Length, length)
			return
		}
		index[sym] = len(reqs)
		reqs = append(reqs, FetchRequest{Symbol: sym, Length: length})
	}
	want(benchSym, e.policy.BenchmarkLookback)
	for _, sym := range universe {
		want(sym, e.policy.Lookback)
	}
	fetched := e.prefetch.Fetch(ctx, reqs)
	result := func(sym string, length int) Fetched {
		f := fetched[index[sym]]
		if f.Err == nil {
			f.Series = f.Series.Tail(length)
		}
		return f
	}

	bench := domain.Series{Symbol: e.policy.Benchmark}
	if f := result(benchSym, e.policy.BenchmarkLookback); f.Err != nil {
		log.Warn("benchmark unavailable, regime is neutral", "benchmark", f.Symbol, "error", f.Err)
	} else if err := f.Series.Validate(); err != nil {
		log.Warn("benchmark series rejected, regime is neutral", "benchmark", f.Symbol, "error", err)
	} else {
		bench = f.Series
	}

	series := make(map[string]domain.Series, len(universe))
	var skips []Outcome
	for _, sym := range universe {
		f := result(sym, e.policy.Lookback)
		err := f.Err
		if err == nil {
			if verr := f.Series.Validate(); verr != nil {
				err = fmt.Errorf("%w: %w", domain.ErrDataUnavailable, verr)
			}
		}
		if err != nil {
			skips = append(skips, skipErr(f.Symbol, err))
			continue
		}
		series[f.Symbol] = f.Series
	}
	return bench, series, skips
}

// inputs gathers the quote, holding and indicators for one selected symbol.
// When something is missing it returns the skip outcome instead.
func (e *Engine) inputs(ctx context.Context, sym string, s domain.Series, r domain.Regime) (DecisionInput, Outcome, bool) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	price, err := e.data.LastPrice(callCtx, sym)
	if err != nil {
		return DecisionInput{}, skipErr(sym, err), false
	}
	pos, err := e.account.Position(callCtx, sym)
	if err != nil {
		return DecisionInput{}, skipErr(sym, fmt.Errorf("%s: position: %w: %w", sym, domain.ErrDataUnavailable, err)), false
	}
	var held int64
	if pos != nil {
		held = pos.Qty
	}

	atr, _ := indicator.Last(indicator.ATR(s.Bars, e.risk.atrPeriod))
	return DecisionInput{
		Regime:    r,
		Snapshot:  e.snapshot(sym, s, r, held),
		ATR:       atr,
		LastPrice: price,
	}, Outcome{}, true
}

func (e *Engine) snapshot(sym string, s domain.Series, r domain.Regime, held int64) strategy.Snapshot {
	closes := s.Closes()
	periods := e.policy.SMA.For(sym, r)
	snap := strategy.Snapshot{Symbol: sym, HeldQty: held}
	snap.SMAShort, _ = indicator.Last(indicator.SMA(closes, periods.Short))
	snap.SMALong, _ = indicator.Last(indicator.SMA(closes, periods.Long))
	snap.RSI, _ = indicator.Last(indicator.RSI(closes, indicator.DefaultRSIPeriod))
	snap.ADX, _ = indicator.Last(indicator.ADX(s.Bars, indicator.DefaultADXPeriod))

	m := indicator.MACD(closes, indicator.DefaultMACDShort, indicator.DefaultMACDLong, indicator.DefaultMACDSignal)
	line, ok1 := indicator.Last(m.MACD)
	sig, ok2 := indicator.Last(m.Signal)
	snap.MACDAbove = ok1 && ok2 && line > sig
	return snap
}

// DecisionInput is the fully resolved view of one symbol for Decide.
type DecisionInput struct {
	AsOf     time.Time
	Regime   domain.Regime
	Snapshot strategy.Snapshot

	ATR       float64
	LastPrice float64

	Weight        float64
	RiskFraction  float64
	Cash          float64
	RemainingCash float64

	// StopLossMultiplier overrides the policy value when positive.
	StopLossMultiplier float64
}

// Decide turns one symbol's inputs into an outcome. It is pure: the same
// policy, rule and input always produce the same outcome.
func Decide(p strategy.Policy, rule strategy.Rule, in DecisionInput) Outcome {
	sym := in.Snapshot.Symbol
	if !positive(in.ATR) {
		return skip(sym, domain.ReasonInvalidIndicator, fmt.Sprintf("atr %v", in.ATR))
	}
	if !positive(in.LastPrice) {
		return skip(sym, domain.ReasonInvalidPrice, fmt.Sprintf("last price %v", in.LastPrice))
	}

	sig, err := rule.Evaluate(in.Snapshot)
	if err != nil {
		return skipErr(sym, err)
	}

	stopMult := in.StopLossMultiplier
	if stopMult <= 0 {
		stopMult = p.StopLossMultiplier
	}

	switch sig {
	case strategy.Enter:
		size := SizeInput{
			RiskFraction:  in.RiskFraction,
			Weight:        in.Weight,
			Cash:          in.Cash,
			RemainingCash: in.RemainingCash,
			ATR:           in.ATR,
			ATRMultiplier: p.ATRMultiplier.For(in.Regime),
			LastPrice:     in.LastPrice,
		}
		qty, err := NewPositionSizer(p.CapByCash).Quantity(size)
		if err != nil {
			return skipErr(sym, err)
		}
		if qty == 0 {
			return skip(sym, domain.ReasonQuantityZero,
				fmt.Sprintf("risk %.2f buys no shares at %.2f", size.RiskAmount(), in.LastPrice))
		}
		return order(in, domain.SideBuy, qty, stopMult, p.TakeProfitMultiplier)
	case strategy.Exit:
		return order(in, domain.SideSell, in.Snapshot.HeldQty, stopMult, p.TakeProfitMultiplier)
	default:
		return Outcome{Symbol: sym, Action: ActionHold}
	}
}

func order(in DecisionInput, side domain.Side, qty int64, stopMult, takeMult float64) Outcome {
	sym := in.Snapshot.Symbol
	stop, take := Levels(side, in.LastPrice, in.ATR, stopMult, takeMult)
	intent, err := domain.NewOrderIntent(in.AsOf, sym, side, qty, stop, &take)
	if err != nil {
		return skipErr(sym, err)
	}
	action := ActionBuy
	if side == domain.SideSell {
		action = ActionSell
	}
	return Outcome{Symbol: sym, Action: action, Intent: &intent}
}

// OnBeforeSessionOpen logs the account ahead of the session.
func (e *Engine) OnBeforeSessionOpen(ctx context.Context, st State) error {
	equity, cash, err := e.balances(ctx)
	if err != nil {
		return fmt.Errorf("before open: %w", err)
	}
	e.log.Info("session opening",
		"portfolio_value", equity,
		"cash", cash,
		"peak_equity", st.PeakEquity,
		"base_risk_fraction", st.BaseRiskFraction,
		"previous_regime", st.PreviousRegime.String(),
	)
	return nil
}

// OnAfterSessionClose logs the account and drawdown after the session.
func (e *Engine) OnAfterSessionClose(ctx context.Context, st State) error {
	equity, cash, err := e.balances(ctx)
	if err != nil {
		return fmt.Errorf("after close: %w", err)
	}
	dd := e.guard.Evaluate(equity, st.PeakEquity)
	e.log.Info("session closed",
		"portfolio_value", equity,
		"cash", cash,
		"peak_equity", dd.Peak,
		"drawdown_pct", dd.DrawdownPct,
		"cycles", st.Cycle,
	)
	return nil
}

// OnFault moves the engine into its conservative posture after a failed
// cycle: base risk is halved down to the policy floor and the stop-loss
// multiplier tightens. Open positions are logged for the operator. It
// never fails.
func (e *Engine) OnFault(ctx context.Context, st State, cause error) State {
	st = st.WithDefaults(e.policy)
	st.Faults++
	st.BaseRiskFraction = max(st.BaseRiskFraction/2, e.policy.MinRiskFraction)
	st.CurrentRiskFraction = min(st.CurrentRiskFraction, st.BaseRiskFraction)
	if e.policy.FaultStopLossMultiplier > 0 {
		st.StopLossMultiplier = e.policy.FaultStopLossMultiplier
	}
	e.log.Error("cycle fault, reducing risk",
		"error", cause,
		"faults", st.Faults,
		"base_risk_fraction", st.BaseRiskFraction,
		"stop_loss_multiplier", st.StopLossMultiplier,
	)

	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()
	positions, err := e.account.Positions(callCtx)
	if err != nil {
		e.log.Error("open positions unavailable", "error", err)
		return st
	}
	for _, p := range positions {
		e.log.Warn("open position", "symbol", p.Symbol, "qty", p.Qty, "entry_price", p.EntryPrice)
	}
	return st
}
