package store

import (
	"context"
	"log/slog"
	"time"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/metrics"
)

// Compile-time interface check.
var _ broker.MarketData = (*CachedMarketData)(nil)

// CachedMarketData writes every fetched history through to a BarStore and
// serves the cached copy when the upstream fails. Quotes are never cached.
type CachedMarketData struct {
	upstream broker.MarketData
	bars     BarStore
	market   domain.Market
	maxStale time.Duration
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
}

// NewCachedMarketData wraps upstream. Cached histories whose newest bar is
// older than maxStale are not served; maxStale <= 0 means four days.
func NewCachedMarketData(upstream broker.MarketData, bars BarStore, maxStale time.Duration, m *metrics.Collector, log *slog.Logger) *CachedMarketData {
	if maxStale <= 0 {
		maxStale = 96 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedMarketData{
		upstream: upstream,
		bars:     bars,
		market:   domain.MarketUS,
		maxStale: maxStale,
		metrics:  m,
		log:      log.With("component", "bar-cache"),
		now:      time.Now,
	}
}

// HistoricalPrices fetches from upstream and caches the result, falling
// back to the cache on upstream failure.
func (c *CachedMarketData) HistoricalPrices(ctx context.Context, symbol string, length int) (domain.Series, error) {
	s, err := c.upstream.HistoricalPrices(ctx, symbol, length)
	if err == nil {
		if werr := c.bars.WriteBars(ctx, c.market, s.Bars); werr != nil {
			c.log.Warn("caching bars failed", "symbol", symbol, "error", werr)
		}
		return s, nil
	}

	// Read under a fresh context: the upstream may have consumed the
	// caller's deadline.
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	cached, cerr := c.bars.ReadLatestBars(readCtx, c.market, symbol, length)
	if cerr != nil || len(cached) == 0 {
		return domain.Series{}, err
	}
	newest := cached[len(cached)-1].Timestamp
	if c.now().Sub(newest) > c.maxStale {
		c.log.Warn("cached bars too old to serve", "symbol", symbol, "newest", newest, "error", err)
		return domain.Series{}, err
	}

	c.metrics.ObserveCacheFallback()
	c.log.Warn("serving cached bars", "symbol", symbol, "bars", len(cached), "newest", newest, "error", err)
	return domain.Series{Symbol: symbol, Bars: cached}, nil
}

// LastPrice passes through to upstream.
func (c *CachedMarketData) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return c.upstream.LastPrice(ctx, symbol)
}
