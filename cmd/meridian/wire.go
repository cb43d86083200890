package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/engine"
	"meridian/internal/metrics"
	"meridian/internal/store"
	"meridian/internal/strategy"
	"meridian/internal/trader"
	"meridian/internal/util"
)

const defaultConfigPath = "config/meridian.yaml"

// loadConfig resolves the config path, loads the env file and config, and
// validates them.
func loadConfig() (*config.Config, *strategy.Registry, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, nil, err
	}
	path := configPath
	if path == "" {
		path = os.Getenv("MERIDIAN_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	reg := strategy.DefaultRegistry()
	if err := cfg.Validate(reg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, reg, nil
}

// app is the wired set of components for one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Collector
	policy  strategy.Policy
	broker  broker.Broker
	db      *store.SQLiteStore
	trader  *trader.Trader
}

type appOptions struct {
	dryRun            bool
	ignoreMarketHours bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, reg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	policy, err := cfg.Trading.Policy(reg)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	var b broker.Broker
	switch cfg.Trading.Broker {
	case config.BrokerSimulator:
		sim := broker.NewSimulatorBroker(cfg.Trading.SimulatorCash)
		if err := seedSimulator(ctx, sim, bars, policy); err != nil {
			return nil, err
		}
		b = sim
	default:
		b = broker.NewAlpacaBroker(broker.AlpacaOptions{
			APIKey:            cfg.Alpaca.APIKey,
			APISecret:         cfg.Alpaca.APISecret,
			BaseURL:           cfg.Alpaca.BaseURL,
			DataURL:           cfg.Alpaca.DataURL,
			Feed:              cfg.Alpaca.Feed,
			RequestsPerMinute: cfg.Alpaca.RequestsPerMinute,
			MaxAttempts:       cfg.Alpaca.MaxAttempts,
			RetryDelay:        cfg.Alpaca.RetryDelay,
			BreakerFailures:   cfg.Alpaca.BreakerFailures,
			BreakerCooldown:   cfg.Alpaca.BreakerCooldown,
			Logger:            log,
		})
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Storage.SQLitePath, err)
	}

	data := store.NewCachedMarketData(b, bars, cfg.Storage.CacheMaxStale, m, log)
	eng, err := engine.New(policy, nil, data, b, engine.Options{
		CallTimeout: cfg.Schedule.CallTimeout,
		Workers:     cfg.Schedule.PrefetchWorkers,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	cal, err := util.NewTradingCalendar(cfg.Schedule.Timezone, cfg.Schedule.BeforeOpenLead, cfg.Schedule.CycleOffset)
	if err != nil {
		db.Close()
		return nil, err
	}
	tr, err := trader.New(eng, b, b, db, db, cal, trader.Options{
		DryRun:            cfg.Trading.DryRun || opts.dryRun,
		IgnoreMarketHours: opts.ignoreMarketHours,
		CallTimeout:       cfg.Schedule.CallTimeout,
		PollInterval:      cfg.Schedule.PollInterval,
		Metrics:           m,
		Logger:            log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := tr.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("restoring state: %w", err)
	}

	log.Info("meridian ready",
		"broker", b.Name(),
		"strategy", policy.Name,
		"universe", policy.FilteredUniverse(),
		"dry_run", cfg.Trading.DryRun || opts.dryRun,
	)
	return &app{cfg: cfg, log: log, metrics: m, policy: policy, broker: b, db: db, trader: tr}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database", "error", err)
	}
}

// seedSimulator loads the cached history of the benchmark and universe into
// the simulator so paper runs replay the bar cache.
func seedSimulator(ctx context.Context, sim *broker.SimulatorBroker, bars store.BarStore, p strategy.Policy) error {
	symbols := append([]string{p.Benchmark}, p.FilteredUniverse()...)
	n := max(p.Lookback, p.BenchmarkLookback)
	for _, sym := range symbols {
		cached, err := bars.ReadLatestBars(ctx, domain.MarketUS, sym, n)
		if err != nil {
			return fmt.Errorf("seeding simulator with %s: %w", sym, err)
		}
		if len(cached) > 0 {
			sim.SetSeries(domain.Series{Symbol: sym, Bars: cached})
		}
	}
	return nil
}
