// Package trader hosts the decision engine: it restores and persists engine
// state, gates cycles on the market clock, hands intents to the executor and
// schedules the session hooks.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/metrics"
	"meridian/internal/store"
	"meridian/internal/util"
)

// ErrMarketClosed is returned by RunCycle when the market clock reports the
// session closed.
var ErrMarketClosed = errors.New("market closed")

// Options configures a Trader.
type Options struct {
	// DryRun journals intents without submitting them.
	DryRun bool
	// IgnoreMarketHours runs cycles regardless of the market clock.
	IgnoreMarketHours bool
	// CallTimeout bounds clock and execution calls.
	CallTimeout time.Duration
	// PollInterval is how long the scheduler waits before re-reading the
	// clock when nothing is planned.
	PollInterval time.Duration
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	Now          func() time.Time
}

// Status is a point-in-time view of the trader for status endpoints.
type Status struct {
	Policy     string         `json:"policy"`
	DryRun     bool           `json:"dry_run"`
	Halted     bool           `json:"halted"`
	State      engine.State   `json:"state"`
	LastReport *engine.Report `json:"last_report,omitempty"`
}

// Trader runs engine cycles one at a time.
type Trader struct {
	mu sync.Mutex

	engine  *engine.Engine
	clock   broker.Clock
	exec    broker.Executor
	states  store.StateStore
	journal store.Journal
	cal     *util.TradingCalendar

	opts    Options
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time

	state       engine.State
	last        *engine.Report
	cycleDate   string
	openDate    string
	attemptDate string
	closedDate  string
}

// New creates a Trader. states and journal may be nil, in which case state
// lives only in memory and nothing is journaled.
func New(eng *engine.Engine, clock broker.Clock, exec broker.Executor, states store.StateStore, journal store.Journal, cal *util.TradingCalendar, opts Options) (*Trader, error) {
	if eng == nil || clock == nil || exec == nil || cal == nil {
		return nil, errors.New("trader: engine, clock, executor and calendar are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	return &Trader{
		engine:  eng,
		clock:   clock,
		exec:    exec,
		states:  states,
		journal: journal,
		cal:     cal,
		opts:    opts,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "trader"),
		now:     opts.Now,
		state:   engine.NewState(eng.Policy()),
	}, nil
}

// Load restores the persisted state and last report.
func (t *Trader) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.states != nil {
		st, ok, err := t.states.LoadState(ctx)
		if err != nil {
			return err
		}
		if ok {
			t.state = st.WithDefaults(t.engine.Policy())
			if !st.LastCycleAt.IsZero() {
				t.cycleDate = t.cal.SessionDate(st.LastCycleAt)
			}
		}
	}
	if t.journal != nil {
		rep, err := t.journal.LatestReport(ctx)
		if err != nil {
			return err
		}
		t.last = rep
	}
	t.log.Info("state restored",
		"cycle", t.state.Cycle,
		"peak_equity", t.state.PeakEquity,
		"base_risk_fraction", t.state.BaseRiskFraction,
		"last_cycle_date", t.cycleDate,
	)
	return nil
}

// Status returns the current state and last report.
func (t *Trader) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Policy: t.engine.Policy().Name,
		DryRun: t.opts.DryRun,
		State:  t.state,
	}
	if t.last != nil {
		rep := *t.last
		s.LastReport = &rep
		s.Halted = rep.Halted
	}
	return s
}

// RunCycle performs one decision pass and submits its intents. A cycle
// error or panic is absorbed by the engine fault hook and returned. When
// the market is closed RunCycle returns ErrMarketClosed without touching
// the state.
func (t *Trader) RunCycle(ctx context.Context) (*engine.Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.opts.IgnoreMarketHours {
		clk, err := t.readClock(ctx)
		if err != nil {
			t.fault(ctx, err, 0)
			return nil, err
		}
		if !clk.IsOpen {
			t.metrics.ObserveCycle(metrics.CycleSkipped, 0)
			t.log.Info("market closed, cycle skipped", "next_open", clk.NextOpen)
			return nil, ErrMarketClosed
		}
	}

	begin := time.Now()
	next, rep, err := t.safeCycle(ctx)
	if err != nil {
		t.fault(ctx, err, time.Since(begin))
		return rep, err
	}

	t.state = next
	t.last = rep
	t.cycleDate = t.cal.SessionDate(rep.StartedAt)
	if t.journal != nil {
		if err := t.journal.SaveReport(ctx, rep); err != nil {
			t.log.Error("saving report failed", "cycle", rep.Cycle, "error", err)
		}
	}
	t.submit(ctx, rep)
	t.persist(ctx)
	return rep, nil
}

// safeCycle runs the engine and converts a panic into an error.
func (t *Trader) safeCycle(ctx context.Context) (next engine.State, rep *engine.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
			next, rep, err = t.state, nil, fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return t.engine.RunCycle(ctx, t.state)
}

func (t *Trader) fault(ctx context.Context, cause error, d time.Duration) {
	t.metrics.ObserveCycle(metrics.CycleFault, d)
	t.state = t.engine.OnFault(ctx, t.state, cause)
	t.persist(ctx)
}

// submit hands every intent to the executor in decision order. Execution
// failures are journaled and never retried.
func (t *Trader) submit(ctx context.Context, rep *engine.Report) {
	for _, in := range rep.Intents() {
		log := t.log.With("cycle", rep.Cycle, "symbol", in.Symbol, "side", string(in.Side), "qty", in.Qty, "client_order_id", in.ClientOrderID)
		if t.opts.DryRun {
			log.Info("dry run, intent not submitted", "stop_loss", in.StopLossPrice)
			continue
		}

		callCtx, cancel := t.callContext(ctx)
		exec, err := t.exec.Execute(callCtx, in)
		cancel()
		t.metrics.ObserveExecution(err)
		if err != nil {
			log.Error("execution failed", "reason", string(domain.ReasonExecution), "error", err)
		} else {
			log.Info("intent submitted", "broker_order_id", exec.BrokerOrderID, "status", exec.Status)
		}
		if t.journal != nil {
			if jerr := t.journal.RecordExecution(ctx, in.ClientOrderID, exec, err); jerr != nil {
				log.Error("journaling execution failed", "error", jerr)
			}
		}
	}
}

func (t *Trader) persist(ctx context.Context) {
	if t.states == nil {
		return
	}
	if err := t.states.SaveState(ctx, t.state); err != nil {
		t.log.Error("saving state failed", "error", err)
	}
}

// BeforeOpen runs the pre-session hook.
func (t *Trader) BeforeOpen(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.OnBeforeSessionOpen(ctx, t.state); err != nil {
		t.log.Warn("before-open hook failed", "error", err)
	}
}

// AfterClose runs the post-session hook.
func (t *Trader) AfterClose(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.OnAfterSessionClose(ctx, t.state); err != nil {
		t.log.Warn("after-close hook failed", "error", err)
	}
}

func (t *Trader) readClock(ctx context.Context) (domain.MarketClock, error) {
	callCtx, cancel := t.callContext(ctx)
	defer cancel()
	clk, err := t.clock.Clock(callCtx)
	if err != nil {
		return domain.MarketClock{}, fmt.Errorf("reading market clock: %w", err)
	}
	return clk, nil
}

func (t *Trader) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.opts.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.opts.CallTimeout)
}
