package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/metrics"
	"meridian/internal/util"
)

func daily(symbol string, start time.Time, closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{
			Symbol: symbol, Timestamp: start.AddDate(0, 0, i),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		}
	}
	return out
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")
	got := ps.barPath(domain.MarketUS, "aapl", 2024)
	want := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if got != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	// Spans a year boundary so two files are written.
	bars := daily("AAPL", time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC), 10, 11, 12, 13, 14)
	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, "AAPL",
		time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadBars returned %d bars, want 3", len(got))
	}
	if got[0].Close != 11 || got[2].Close != 13 {
		t.Errorf("ReadBars closes = %v, %v; want 11, 13", got[0].Close, got[2].Close)
	}
	if got[0].Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", got[0].Timestamp.Location())
	}

	symbols, err := ps.ListSymbols(ctx, domain.MarketUS)
	if err != nil || len(symbols) != 1 || symbols[0] != "AAPL" {
		t.Errorf("ListSymbols = %v, %v", symbols, err)
	}
}

func TestParquetStoreMergeReplaces(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := ps.WriteBars(ctx, domain.MarketUS, daily("MSFT", start, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	// Overlaps the last two days with new values and adds one more.
	if err := ps.WriteBars(ctx, domain.MarketUS, daily("MSFT", start.AddDate(0, 0, 1), 20, 30, 40)); err != nil {
		t.Fatal(err)
	}

	got, err := ps.ReadLatestBars(ctx, domain.MarketUS, "MSFT", 10)
	if err != nil {
		t.Fatalf("ReadLatestBars: %v", err)
	}
	want := []float64{1, 20, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("got %d bars, want %d", len(got), len(want))
	}
	for i, b := range got {
		if b.Close != want[i] {
			t.Errorf("bar %d close = %v, want %v", i, b.Close, want[i])
		}
	}
}

func TestParquetStoreConcurrentWritesSameFile(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ps.WriteBars(ctx, domain.MarketUS, daily("SPY", start.AddDate(0, 0, i*10), 1, 2, 3, 4, 5))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("WriteBars: %v", err)
		}
	}

	got, err := ps.ReadBars(ctx, domain.MarketUS, "SPY", start, start.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != writers*5 {
		t.Errorf("ReadBars returned %d bars, want %d", len(got), writers*5)
	}

	entries, err := os.ReadDir(filepath.Dir(ps.barPath(domain.MarketUS, "SPY", 2024)))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("symbol directory holds %d entries, want only the year file", len(entries))
	}
}

func TestParquetStoreReadLatestBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()
	bars := daily("SPY", time.Date(2022, 12, 29, 0, 0, 0, 0, time.UTC), 1, 2, 3, 4, 5, 6)
	bars = append(bars, daily("SPY", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), 7, 8)...)
	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatal(err)
	}

	got, err := ps.ReadLatestBars(ctx, domain.MarketUS, "SPY", 5)
	if err != nil {
		t.Fatalf("ReadLatestBars: %v", err)
	}
	want := []float64{4, 5, 6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("got %d bars, want %d", len(got), len(want))
	}
	for i, b := range got {
		if b.Close != want[i] {
			t.Errorf("bar %d close = %v, want %v", i, b.Close, want[i])
		}
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("bars out of order at %d", i)
		}
	}

	none, err := ps.ReadLatestBars(ctx, domain.MarketUS, "NOPE", 5)
	if err != nil || len(none) != 0 {
		t.Errorf("ReadLatestBars(NOPE) = %v, %v; want empty", none, err)
	}
}

type flakyData struct {
	series domain.Series
	err    error
}

func (f *flakyData) HistoricalPrices(_ context.Context, _ string, length int) (domain.Series, error) {
	if f.err != nil {
		return domain.Series{}, f.err
	}
	return f.series.Tail(length), nil
}

func (f *flakyData) LastPrice(context.Context, string) (float64, error) { return 42, f.err }

func TestCachedMarketDataFallback(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	upstream := &flakyData{series: domain.Series{Symbol: "AAPL", Bars: daily("AAPL", start, 1, 2, 3, 4)}}
	m := metrics.New()
	c := NewCachedMarketData(upstream, NewParquetStore(t.TempDir()), 0, m, util.Discard())
	c.now = func() time.Time { return start.AddDate(0, 0, 5) }

	s, err := c.HistoricalPrices(ctx, "AAPL", 3)
	if err != nil || s.Len() != 3 {
		t.Fatalf("HistoricalPrices = %d bars, %v", s.Len(), err)
	}

	upstream.err = errors.New("upstream down")
	s, err = c.HistoricalPrices(ctx, "AAPL", 3)
	if err != nil {
		t.Fatalf("fallback HistoricalPrices: %v", err)
	}
	if s.Len() != 3 || s.Bars[2].Close != 4 {
		t.Errorf("fallback series closes = %v", s.Closes())
	}
	expectFallbacks(t, m, 1)

	// Stale cache is not served.
	c.now = func() time.Time { return start.AddDate(0, 1, 0) }
	if _, err := c.HistoricalPrices(ctx, "AAPL", 3); !errors.Is(err, upstream.err) {
		t.Errorf("stale fallback error = %v, want upstream error", err)
	}
	expectFallbacks(t, m, 1)

	if _, err := c.LastPrice(ctx, "AAPL"); !errors.Is(err, upstream.err) {
		t.Errorf("LastPrice should pass through upstream errors, got %v", err)
	}
}

func expectFallbacks(t *testing.T, m *metrics.Collector, want int) {
	t.Helper()
	exp := fmt.Sprintf(`# HELP meridian_bar_cache_fallbacks_total Price histories served from the local cache after an upstream failure
# TYPE meridian_bar_cache_fallbacks_total counter
meridian_bar_cache_fallbacks_total %d
`, want)
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(exp), "meridian_bar_cache_fallbacks_total"); err != nil {
		t.Errorf("cache fallbacks: %v", err)
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meridian.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreState(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	if _, ok, err := s.LoadState(ctx); err != nil || ok {
		t.Fatalf("LoadState on empty db = ok %v, err %v", ok, err)
	}

	want := engine.State{
		PeakEquity:          120000,
		BaseRiskFraction:    0.01,
		CurrentRiskFraction: 0.005,
		StopLossMultiplier:  1,
		PreviousRegime:      domain.RegimeBear,
		Cycle:               7,
		Faults:              1,
		LastCycleAt:         time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC),
	}
	if err := s.SaveState(ctx, want); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	want.Cycle = 8
	if err := s.SaveState(ctx, want); err != nil {
		t.Fatalf("SaveState (update): %v", err)
	}

	got, ok, err := s.LoadState(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadState = ok %v, err %v", ok, err)
	}
	if !got.LastCycleAt.Equal(want.LastCycleAt) {
		t.Errorf("LastCycleAt = %v, want %v", got.LastCycleAt, want.LastCycleAt)
	}
	got.LastCycleAt, want.LastCycleAt = time.Time{}, time.Time{}
	if got != want {
		t.Errorf("LoadState = %+v, want %+v", got, want)
	}
}

func TestSQLiteStoreJournal(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	asOf := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

	if rep, err := s.LatestReport(ctx); err != nil || rep != nil {
		t.Fatalf("LatestReport on empty db = %v, %v", rep, err)
	}

	tp := 54.0
	buy, _ := domain.NewOrderIntent(asOf, "AAA", domain.SideBuy, 3, 47, &tp)
	sell, _ := domain.NewOrderIntent(asOf, "BBB", domain.SideSell, 10, 21, nil)
	rep := &engine.Report{
		Cycle:     1,
		Policy:    "sma-momentum",
		StartedAt: asOf,
		Regime:    domain.RegimeBull,
		Phases:    []engine.Phase{engine.PhaseEvaluating, engine.PhaseDeciding, engine.PhaseIdle},
		Outcomes: []engine.Outcome{
			{Symbol: "AAA", Action: engine.ActionBuy, Intent: &buy},
			{Symbol: "BBB", Action: engine.ActionSell, Intent: &sell},
			{Symbol: "CCC", Action: engine.ActionSkip, Reason: domain.ReasonDataUnavailable},
		},
	}
	if err := s.SaveReport(ctx, rep); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	// Replaying the same cycle must not duplicate intents.
	if err := s.SaveReport(ctx, rep); err != nil {
		t.Fatalf("SaveReport (replay): %v", err)
	}

	latest, err := s.LatestReport(ctx)
	if err != nil || latest == nil {
		t.Fatalf("LatestReport = %v, %v", latest, err)
	}
	if latest.Regime != domain.RegimeBull || len(latest.Outcomes) != 3 || latest.Count(engine.ActionSkip) != 1 {
		t.Errorf("LatestReport = %+v", latest)
	}

	if err := s.RecordExecution(ctx, buy.ClientOrderID, domain.Execution{BrokerOrderID: "b-1"}, nil); err != nil {
		t.Fatalf("RecordExecution(buy): %v", err)
	}
	if err := s.RecordExecution(ctx, sell.ClientOrderID, domain.Execution{}, errors.New("rejected")); err != nil {
		t.Fatalf("RecordExecution(sell): %v", err)
	}
	if err := s.RecordExecution(ctx, "unknown", domain.Execution{}, nil); err == nil {
		t.Error("RecordExecution for unknown intent should fail")
	}

	records, err := s.ListIntents(ctx, 10)
	if err != nil {
		t.Fatalf("ListIntents: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ListIntents returned %d records, want 2", len(records))
	}
	byID := map[string]IntentRecord{}
	for _, r := range records {
		byID[r.ClientOrderID] = r
	}
	b := byID[buy.ClientOrderID]
	if b.Status != StatusSubmitted || b.BrokerOrderID != "b-1" || b.TakeProfitPrice == nil || *b.TakeProfitPrice != 54 {
		t.Errorf("buy record = %+v", b)
	}
	if !b.CreatedAt.Equal(asOf) {
		t.Errorf("buy created_at = %v, want %v", b.CreatedAt, asOf)
	}
	sr := byID[sell.ClientOrderID]
	if sr.Status != StatusFailed || sr.Error != "rejected" || sr.TakeProfitPrice != nil {
		t.Errorf("sell record = %+v", sr)
	}
}
