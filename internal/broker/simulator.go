package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meridian/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker in memory for paper runs and tests.
// Orders fill immediately at the last price. Failures and latency can be
// injected per symbol.
type SimulatorBroker struct {
	mu sync.Mutex

	series    map[string]domain.Series
	prices    map[string]float64
	positions map[string]*domain.Position
	cash      float64
	equity    *float64
	clock     domain.MarketClock

	dataErr    map[string]error
	execErr    map[string]error
	accountErr error
	latency    time.Duration

	executions []domain.OrderIntent
	seq        int
}

// NewSimulatorBroker creates a SimulatorBroker holding cash and no
// positions. Its clock reports an open market.
func NewSimulatorBroker(cash float64) *SimulatorBroker {
	now := time.Now()
	return &SimulatorBroker{
		series:    make(map[string]domain.Series),
		prices:    make(map[string]float64),
		positions: make(map[string]*domain.Position),
		cash:      cash,
		clock: domain.MarketClock{
			Timestamp: now,
			IsOpen:    true,
			NextOpen:  now.Add(24 * time.Hour),
			NextClose: now.Add(6 * time.Hour),
		},
		dataErr: make(map[string]error),
		execErr: make(map[string]error),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetSeries installs the price history for a symbol. The last close becomes
// the last price unless SetPrice overrides it.
func (b *SimulatorBroker) SetSeries(s domain.Series) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.series[s.Symbol] = s
	if last, ok := s.Last(); ok {
		if _, set := b.prices[s.Symbol]; !set {
			b.prices[s.Symbol] = last.Close
		}
	}
}

// SetPrice sets the last trade price for symbol.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPosition replaces the holding for symbol; qty 0 removes it.
func (b *SimulatorBroker) SetPosition(symbol string, qty int64, entry float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty == 0 {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = &domain.Position{Symbol: symbol, Qty: qty, EntryPrice: entry}
}

// SetCash sets the cash balance.
func (b *SimulatorBroker) SetCash(cash float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = cash
}

// SetEquity pins the reported portfolio value. Without it the value is cash
// plus positions marked at the last price.
func (b *SimulatorBroker) SetEquity(equity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.equity = &equity
}

// SetClock replaces the session clock.
func (b *SimulatorBroker) SetClock(c domain.MarketClock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = c
}

// FailData makes market-data calls for symbol return err; nil clears it.
func (b *SimulatorBroker) FailData(symbol string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.dataErr, symbol)
		return
	}
	b.dataErr[symbol] = err
}

// FailExecute makes Execute for symbol return err; nil clears it.
func (b *SimulatorBroker) FailExecute(symbol string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.execErr, symbol)
		return
	}
	b.execErr[symbol] = err
}

// FailAccount makes cash, value and position calls return err; nil clears
// it.
func (b *SimulatorBroker) FailAccount(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountErr = err
}

// SetLatency delays every market-data call by d, honouring cancellation.
func (b *SimulatorBroker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// Executions returns the intents filled so far, in submission order.
func (b *SimulatorBroker) Executions() []domain.OrderIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderIntent(nil), b.executions...)
}

func (b *SimulatorBroker) wait(ctx context.Context) error {
	b.mu.Lock()
	d := b.latency
	b.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HistoricalPrices returns the last length bars of the installed series.
func (b *SimulatorBroker) HistoricalPrices(ctx context.Context, symbol string, length int) (domain.Series, error) {
	if err := b.wait(ctx); err != nil {
		return domain.Series{}, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dataErr[symbol]; err != nil {
		return domain.Series{}, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	s, ok := b.series[symbol]
	if !ok {
		return domain.Series{}, fmt.Errorf("%s: no series: %w", symbol, domain.ErrDataUnavailable)
	}
	return s.Tail(length), nil
}

// LastPrice returns the configured last price.
func (b *SimulatorBroker) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := b.wait(ctx); err != nil {
		return 0, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.dataErr[symbol]; err != nil {
		return 0, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	p, ok := b.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: no price: %w", symbol, domain.ErrDataUnavailable)
	}
	return p, nil
}

// Position returns a copy of the holding for symbol, or nil.
func (b *SimulatorBroker) Position(_ context.Context, symbol string) (*domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return nil, b.accountErr
	}
	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// Positions returns copies of all holdings sorted by symbol.
func (b *SimulatorBroker) Positions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return nil, b.accountErr
	}
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Cash returns the simulated cash balance.
func (b *SimulatorBroker) Cash(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return 0, b.accountErr
	}
	return b.cash, nil
}

// PortfolioValue returns the pinned equity or cash plus marked positions.
func (b *SimulatorBroker) PortfolioValue(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return 0, b.accountErr
	}
	if b.equity != nil {
		return *b.equity, nil
	}
	v := b.cash
	for sym, p := range b.positions {
		v += float64(p.Qty) * b.prices[sym]
	}
	return v, nil
}

// Execute fills the intent at the last price.
func (b *SimulatorBroker) Execute(_ context.Context, intent domain.OrderIntent) (domain.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.execErr[intent.Symbol]; err != nil {
		return domain.Execution{}, fmt.Errorf("%s: %w: %w", intent.Symbol, domain.ErrExecution, err)
	}
	price, ok := b.prices[intent.Symbol]
	if !ok || price <= 0 {
		return domain.Execution{}, fmt.Errorf("%s: no fill price: %w", intent.Symbol, domain.ErrExecution)
	}

	pos := b.positions[intent.Symbol]
	switch intent.Side {
	case domain.SideBuy:
		if pos == nil {
			pos = &domain.Position{Symbol: intent.Symbol}
			b.positions[intent.Symbol] = pos
		}
		cost := float64(intent.Qty) * price
		pos.EntryPrice = (pos.EntryPrice*float64(pos.Qty) + cost) / float64(pos.Qty+intent.Qty)
		pos.Qty += intent.Qty
		b.cash -= cost
	case domain.SideSell:
		if pos == nil || pos.Qty < intent.Qty {
			return domain.Execution{}, fmt.Errorf("%s: sell %d exceeds holding: %w", intent.Symbol, intent.Qty, domain.ErrExecution)
		}
		pos.Qty -= intent.Qty
		b.cash += float64(intent.Qty) * price
		if pos.Qty == 0 {
			delete(b.positions, intent.Symbol)
		}
	}

	b.seq++
	b.executions = append(b.executions, intent)
	return domain.Execution{
		ClientOrderID: intent.ClientOrderID,
		BrokerOrderID: fmt.Sprintf("sim-%d", b.seq),
		Status:        "filled",
		SubmittedAt:   b.clock.Timestamp,
	}, nil
}

// Clock returns the configured session clock.
func (b *SimulatorBroker) Clock(_ context.Context) (domain.MarketClock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock, nil
}
