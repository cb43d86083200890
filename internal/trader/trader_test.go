package trader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/store"
	"meridian/internal/strategy"
	"meridian/internal/util"
)

var asOf = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func trend(sym string, n int, start, step float64) domain.Series {
	day0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := domain.Series{Symbol: sym}
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		s.Bars = append(s.Bars, domain.Bar{
			Symbol: sym, Timestamp: day0.AddDate(0, 0, i),
			Open: c, High: c + 0.1, Low: c - 0.1, Close: c,
		})
	}
	return s
}

// market seeds a bull benchmark, an entry candidate (AAA) and a held loser
// (BBB).
func market() *broker.SimulatorBroker {
	sim := broker.NewSimulatorBroker(100000)
	sim.SetSeries(trend("SPY", 250, 20, 0.2))
	sim.SetSeries(trend("AAA", 60, 50, 0.5))
	sim.SetSeries(trend("BBB", 60, 200, -0.5))
	sim.SetPosition("BBB", 10, 210)
	sim.SetEquity(100000)
	sim.SetClock(domain.MarketClock{Timestamp: asOf, IsOpen: true, NextOpen: asOf.Add(24 * time.Hour), NextClose: asOf})
	return sim
}

type fixture struct {
	sim    *broker.SimulatorBroker
	db     *store.SQLiteStore
	trader *Trader
}

func setup(t *testing.T, account broker.Account, opts Options) fixture {
	t.Helper()
	sim := market()
	if account == nil {
		account = sim
	}
	p := strategy.DefaultPolicy()
	p.Name = "test"
	p.Universe = []string{"AAA", "BBB"}
	eng, err := engine.New(p, nil, sim, account, engine.Options{
		Workers: 2,
		Logger:  util.Discard(),
		Now:     func() time.Time { return asOf },
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "meridian.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cal, err := util.NewTradingCalendar("", 30*time.Minute, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = util.Discard()
	opts.Now = func() time.Time { return asOf }
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	tr, err := New(eng, sim, sim, db, db, cal, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{sim: sim, db: db, trader: tr}
}

func statuses(t *testing.T, j store.Journal) map[string]store.IntentRecord {
	t.Helper()
	recs, err := j.ListIntents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListIntents: %v", err)
	}
	out := make(map[string]store.IntentRecord, len(recs))
	for _, r := range recs {
		out[r.Symbol] = r
	}
	return out
}

func TestRunCycleSubmitsIntents(t *testing.T) {
	f := setup(t, nil, Options{})
	ctx := context.Background()

	rep, err := f.trader.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(rep.Intents()) != 2 {
		t.Fatalf("intents = %+v, want a buy and a sell", rep.Intents())
	}
	if n := len(f.sim.Executions()); n != 2 {
		t.Errorf("executions = %d, want 2", n)
	}

	recs := statuses(t, f.db)
	if recs["AAA"].Status != store.StatusSubmitted || recs["BBB"].Status != store.StatusSubmitted {
		t.Errorf("journal = %+v", recs)
	}

	st, ok, err := f.db.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadState = %v, %v", ok, err)
	}
	if st.Cycle != 1 || st.PreviousRegime != domain.RegimeBull {
		t.Errorf("persisted state = %+v", st)
	}
	if s := f.trader.Status(); s.LastReport == nil || s.LastReport.Cycle != 1 || s.Halted {
		t.Errorf("Status = %+v", s)
	}
}

func TestRunCycleDryRun(t *testing.T) {
	f := setup(t, nil, Options{DryRun: true})
	if _, err := f.trader.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if n := len(f.sim.Executions()); n != 0 {
		t.Errorf("dry run executed %d intents", n)
	}
	for sym, r := range statuses(t, f.db) {
		if r.Status != store.StatusPending {
			t.Errorf("%s status = %s, want pending", sym, r.Status)
		}
	}
}

func TestRunCycleExecutionFailure(t *testing.T) {
	f := setup(t, nil, Options{})
	f.sim.FailExecute("AAA", errors.New("insufficient buying power"))

	if _, err := f.trader.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	recs := statuses(t, f.db)
	if r := recs["AAA"]; r.Status != store.StatusFailed || r.Error == "" {
		t.Errorf("AAA journal = %+v, want failed", r)
	}
	if r := recs["BBB"]; r.Status != store.StatusSubmitted {
		t.Errorf("BBB journal = %+v, want submitted", r)
	}
	if got := f.trader.Status().State.Faults; got != 0 {
		t.Errorf("execution failure counted as fault: faults = %d", got)
	}
}

func TestRunCycleMarketClosed(t *testing.T) {
	f := setup(t, nil, Options{})
	f.sim.SetClock(domain.MarketClock{Timestamp: asOf, NextOpen: asOf.Add(time.Hour), NextClose: asOf.Add(7 * time.Hour)})

	if _, err := f.trader.RunCycle(context.Background()); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("RunCycle error = %v, want ErrMarketClosed", err)
	}
	if st := f.trader.Status().State; st.Cycle != 0 || st.Faults != 0 {
		t.Errorf("closed market changed state: %+v", st)
	}

	g := setup(t, nil, Options{IgnoreMarketHours: true})
	g.sim.SetClock(domain.MarketClock{Timestamp: asOf})
	if _, err := g.trader.RunCycle(context.Background()); err != nil {
		t.Errorf("RunCycle ignoring market hours: %v", err)
	}
}

func TestRunCycleFault(t *testing.T) {
	f := setup(t, nil, Options{})
	f.sim.FailAccount(errors.New("account locked"))

	if _, err := f.trader.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle succeeded with an unreadable account")
	}
	st := f.trader.Status().State
	if st.Faults != 1 || st.BaseRiskFraction != 0.01 || st.StopLossMultiplier != 1 {
		t.Errorf("state after fault = %+v", st)
	}
	saved, ok, _ := f.db.LoadState(context.Background())
	if !ok || saved.Faults != 1 {
		t.Errorf("fault state not persisted: %+v", saved)
	}
}

type panicAccount struct{ broker.Account }

func (panicAccount) PortfolioValue(context.Context) (float64, error) { panic("nil account") }

func TestRunCyclePanicBecomesFault(t *testing.T) {
	sim := market()
	f := setup(t, panicAccount{Account: sim}, Options{})

	_, err := f.trader.RunCycle(context.Background())
	if err == nil {
		t.Fatal("RunCycle should report the panic")
	}
	if got := f.trader.Status().State.Faults; got != 1 {
		t.Errorf("faults = %d, want 1", got)
	}
}

func TestLoadRestoresState(t *testing.T) {
	f := setup(t, nil, Options{})
	ctx := context.Background()
	if _, err := f.trader.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}

	cal, _ := util.NewTradingCalendar("", 0, 0)
	p := f.trader.engine.Policy()
	eng, _ := engine.New(p, nil, f.sim, f.sim, engine.Options{Logger: util.Discard()})
	again, err := New(eng, f.sim, f.sim, f.db, f.db, cal, Options{Logger: util.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := again.Status()
	if s.State.Cycle != 1 || s.LastReport == nil || s.LastReport.Cycle != 1 {
		t.Errorf("restored status = %+v", s)
	}
	if again.cycleDate != "2024-06-03" {
		t.Errorf("cycleDate = %q, want 2024-06-03", again.cycleDate)
	}
}

func TestStepRunsSessionOnce(t *testing.T) {
	f := setup(t, nil, Options{})
	ctx := context.Background()

	if err := f.trader.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := f.trader.Status().State.Cycle; got != 1 {
		t.Fatalf("cycle after first step = %d, want 1", got)
	}
	if f.trader.closedDate != "2024-06-03" {
		t.Errorf("after-close hook did not run: closedDate = %q", f.trader.closedDate)
	}

	// Same session: nothing left to do.
	if err := f.trader.step(ctx); err != nil {
		t.Fatalf("second step: %v", err)
	}
	if got := f.trader.Status().State.Cycle; got != 1 {
		t.Errorf("cycle after second step = %d, want 1", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := setup(t, nil, Options{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.trader.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
