package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"meridian/internal/broker"
	"meridian/internal/domain"
)

// FetchRequest asks for length bars of symbol.
type FetchRequest struct {
	Symbol string
	Length int
}

// Fetched is the result of one history request.
type Fetched struct {
	Symbol string
	Series domain.Series
	Err    error
}

// Prefetcher loads price histories concurrently with a bounded number of
// workers. Each request gets its own timeout and fails independently.
type Prefetcher struct {
	data    broker.MarketData
	workers int
	timeout time.Duration
}

// NewPrefetcher creates a Prefetcher. workers <= 0 means 4; timeout <= 0
// means no per-call deadline beyond ctx.
func NewPrefetcher(data broker.MarketData, workers int, timeout time.Duration) *Prefetcher {
	if workers <= 0 {
		workers = 4
	}
	return &Prefetcher{data: data, workers: workers, timeout: timeout}
}

// Fetch runs every request and returns results in request order.
func (p *Prefetcher) Fetch(ctx context.Context, reqs []FetchRequest) []Fetched {
	out := make([]Fetched, len(reqs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, req := range reqs {
		g.Go(func() error {
			callCtx, cancel := withTimeout(ctx, p.timeout)
			defer cancel()
			s, err := p.data.HistoricalPrices(callCtx, req.Symbol, req.Length)
			if err == nil && s.Symbol == "" {
				s.Symbol = req.Symbol
			}
			out[i] = Fetched{Symbol: req.Symbol, Series: s, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
