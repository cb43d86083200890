package gather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/sync/errgroup"

	"meridian/internal/domain"
	"meridian/internal/store"
	"meridian/internal/util"
)

// Compile-time interface check.
var _ Gatherer = (*DailyBarGatherer)(nil)

// DailyBarOptions configures a DailyBarGatherer.
type DailyBarOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
	Feed      string // "iex" or "sip"
	// Start is the first day fetched for a symbol with no cached bars.
	Start time.Time
	// BatchSize is the number of symbols per multi-bar request.
	BatchSize         int
	MaxWorkers        int
	RequestsPerMinute int
	Location          *time.Location
	Logger            *slog.Logger
}

// DailyBarGatherer tops up the bar cache for a fixed symbol list. Each
// symbol is fetched from the day after its newest cached bar up to the
// latest finished trading day, so reruns are cheap.
type DailyBarGatherer struct {
	client   *marketdata.Client
	calendar CalendarSource
	store    store.BarStore
	symbols  []string
	feed     marketdata.Feed
	limiter  *util.RateLimiter

	start      time.Time
	batchSize  int
	maxWorkers int
	loc        *time.Location
	log        *slog.Logger
	now        func() time.Time
}

// NewDailyBarGatherer creates a DailyBarGatherer writing to s.
func NewDailyBarGatherer(opts DailyBarOptions, s store.BarStore, symbols []string) *DailyBarGatherer {
	mdOpts := marketdata.ClientOpts{APIKey: opts.APIKey, APISecret: opts.APISecret}
	if opts.DataURL != "" {
		mdOpts.BaseURL = opts.DataURL
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().AddDate(-2, 0, 0)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	seen := make(map[string]struct{}, len(symbols))
	var syms []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, dup := seen[s]; s == "" || dup {
			continue
		}
		seen[s] = struct{}{}
		syms = append(syms, s)
	}

	return &DailyBarGatherer{
		client: marketdata.NewClient(mdOpts),
		calendar: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		store:      s,
		symbols:    syms,
		feed:       marketdata.Feed(opts.Feed),
		limiter:    util.NewRateLimiter(opts.RequestsPerMinute),
		start:      opts.Start,
		batchSize:  opts.BatchSize,
		maxWorkers: opts.MaxWorkers,
		loc:        opts.Location,
		log:        opts.Logger.With("gatherer", "daily-bars"),
		now:        time.Now,
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "daily-bars" }

// Run fetches missing daily bars for every symbol and writes them to the
// store.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	endDate, err := LatestFinishedTradingDay(g.calendar, g.now(), g.loc)
	if err != nil {
		return fmt.Errorf("determining end date: %w", err)
	}

	// Group symbols by their first missing day so a batch shares one range.
	pending := make(map[time.Time][]string)
	upToDate := 0
	for _, sym := range g.symbols {
		from, err := g.nextDay(ctx, sym)
		if err != nil {
			return err
		}
		if from.After(endDate) {
			upToDate++
			continue
		}
		pending[from] = append(pending[from], sym)
	}

	var batches []batch
	for from, syms := range pending {
		for i := 0; i < len(syms); i += g.batchSize {
			batches = append(batches, batch{
				symbols: syms[i:min(i+g.batchSize, len(syms))],
				rng:     DateRange{Start: from, End: endDate.AddDate(0, 0, 1).Add(-time.Second)},
			})
		}
	}

	g.log.Info("starting daily-bars",
		"endDate", endDate.Format("2006-01-02"),
		"symbols", len(g.symbols),
		"upToDate", upToDate,
		"batches", len(batches),
	)

	var (
		written  atomic.Int64
		runStart = time.Now()
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxWorkers)
	for i, b := range batches {
		eg.Go(func() error {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
			bars, err := g.fetchMultiBars(b.symbols, b.rng)
			if err != nil {
				return fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
			}
			if len(bars) > 0 {
				if err := g.store.WriteBars(ctx, domain.MarketUS, bars); err != nil {
					return fmt.Errorf("writing bars: %w", err)
				}
			}
			written.Add(int64(len(bars)))
			g.log.Info("batch done",
				"batch", fmt.Sprintf("%d/%d", i+1, len(batches)),
				"symbols", len(b.symbols),
				"bars", len(bars),
			)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	g.log.Info("complete",
		"bars", written.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}

type batch struct {
	symbols []string
	rng     DateRange
}

// nextDay returns the first day to fetch for sym.
func (g *DailyBarGatherer) nextDay(ctx context.Context, sym string) (time.Time, error) {
	start := truncateDay(g.start)
	latest, err := g.store.ReadLatestBars(ctx, domain.MarketUS, sym, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading cached bars for %s: %w", sym, err)
	}
	if len(latest) == 0 {
		return start, nil
	}
	next := truncateDay(latest[0].Timestamp).AddDate(0, 0, 1)
	if next.Before(start) {
		return start, nil
	}
	return next, nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API call.
func (g *DailyBarGatherer) fetchMultiBars(symbols []string, rng DateRange) ([]domain.Bar, error) {
	multiBars, err := g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     rng.Start,
		End:       rng.End,
		Feed:      g.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
	}
	return bars, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
