package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meridian/internal/domain"
	"meridian/internal/gather"
	"meridian/internal/store"
	"meridian/internal/util"
)

var (
	backfillStart   string
	backfillWorkers int
	backfillBatch   int
)

// backfillCmd fills the daily bar cache for the configured strategy.
var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch missing daily bars for the benchmark and universe into the bar cache",
	Long: `Fetch daily bars from Alpaca for the benchmark and every universe symbol of
the configured strategy, starting after the newest cached bar, and write them
to the Parquet bar cache under storage.data_dir.

Examples:
  meridian backfill
  meridian backfill --start 2020-01-01`,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)
	backfillCmd.Flags().StringVar(&backfillStart, "start", "", "First day for symbols with no cache (default two years ago)")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 4, "Concurrent requests")
	backfillCmd.Flags().IntVar(&backfillBatch, "batch-size", 100, "Symbols per request")
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	cfg, reg, err := loadConfig()
	if err != nil {
		return err
	}
	log := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(log)

	policy, err := cfg.Trading.Policy(reg)
	if err != nil {
		return err
	}
	var start time.Time
	if backfillStart != "" {
		if start, err = time.Parse("2006-01-02", backfillStart); err != nil {
			return fmt.Errorf("parsing --start %q: %w", backfillStart, err)
		}
	}
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return err
	}

	symbols := append([]string{policy.Benchmark}, policy.FilteredUniverse()...)
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	g := gather.NewDailyBarGatherer(gather.DailyBarOptions{
		APIKey:            cfg.Alpaca.APIKey,
		APISecret:         cfg.Alpaca.APISecret,
		BaseURL:           cfg.Alpaca.BaseURL,
		DataURL:           cfg.Alpaca.DataURL,
		Feed:              cfg.Alpaca.Feed,
		Start:             start,
		BatchSize:         backfillBatch,
		MaxWorkers:        backfillWorkers,
		RequestsPerMinute: cfg.Alpaca.RequestsPerMinute,
		Location:          loc,
		Logger:            log,
	}, bars, symbols)
	if err := g.Run(cmd.Context()); err != nil {
		return err
	}

	cached, err := bars.ListSymbols(cmd.Context(), domain.MarketUS)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "bar cache %s holds %d symbols: %s\n",
		cfg.Storage.DataDir, len(cached), strings.Join(cached, " "))
	return nil
}
