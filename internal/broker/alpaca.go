package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"meridian/internal/domain"
	"meridian/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaOptions configures an AlpacaBroker.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API
	DataURL   string // market-data API
	Feed      string // "iex" or "sip"

	RequestsPerMinute int
	MaxAttempts       int
	RetryDelay        time.Duration

	// BreakerFailures is the number of consecutive failures that opens a
	// circuit; BreakerCooldown is how long it stays open.
	BreakerFailures int
	BreakerCooldown time.Duration

	Logger *slog.Logger
}

// AlpacaBroker implements Broker on top of the Alpaca trading and
// market-data REST APIs. Every call is rate limited, retried on transient
// failures and guarded by a per-API circuit breaker.
type AlpacaBroker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    marketdata.Feed

	limiter     *util.RateLimiter
	tradingCB   *gobreaker.CircuitBreaker
	dataCB      *gobreaker.CircuitBreaker
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker from opts, filling defaults for
// zero fields.
func NewAlpacaBroker(opts AlpacaOptions) *AlpacaBroker {
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = 180
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "alpaca")

	dataOpts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		dataOpts.BaseURL = opts.DataURL
	}

	return &AlpacaBroker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		data:        marketdata.NewClient(dataOpts),
		feed:        marketdata.Feed(opts.Feed),
		limiter:     util.NewRateLimiter(opts.RequestsPerMinute),
		tradingCB:   newBreaker("alpaca-trading", opts, log),
		dataCB:      newBreaker("alpaca-data", opts, log),
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		log:         log,
	}
}

func newBreaker(name string, opts AlpacaOptions, log *slog.Logger) *gobreaker.CircuitBreaker {
	failures := uint32(opts.BreakerFailures)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Client errors say nothing about the health of the API.
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// HistoricalPrices fetches the most recent length daily bars for symbol.
func (b *AlpacaBroker) HistoricalPrices(ctx context.Context, symbol string, length int) (domain.Series, error) {
	if length <= 0 {
		return domain.Series{Symbol: symbol}, nil
	}
	// Calendar days covering length sessions, with slack for holidays.
	start := time.Now().AddDate(0, 0, -(length*7/5 + 10))

	raw, err := guarded(ctx, b, b.dataCB, "bars "+symbol, func() ([]marketdata.Bar, error) {
		return b.data.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			Feed:      b.feed,
		})
	})
	if err != nil {
		return domain.Series{}, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	if len(raw) > length {
		raw = raw[len(raw)-length:]
	}

	sym := strings.ToUpper(symbol)
	bars := make([]domain.Bar, len(raw))
	for i, ab := range raw {
		bars[i] = domain.Bar{
			Symbol:     sym,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		}
	}
	return domain.Series{Symbol: sym, Bars: bars}, nil
}

// LastPrice returns the latest trade price for symbol.
func (b *AlpacaBroker) LastPrice(ctx context.Context, symbol string) (float64, error) {
	trade, err := guarded(ctx, b, b.dataCB, "latest trade "+symbol, func() (*marketdata.Trade, error) {
		return b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{Feed: b.feed})
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", symbol, domain.ErrDataUnavailable, err)
	}
	if trade == nil {
		return 0, fmt.Errorf("%s: no latest trade: %w", symbol, domain.ErrDataUnavailable)
	}
	return trade.Price, nil
}

// Position returns the open position for symbol, or nil if there is none.
func (b *AlpacaBroker) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	p, err := guarded(ctx, b, b.tradingCB, "position "+symbol, func() (*alpaca.Position, error) {
		p, err := b.trading.GetPosition(symbol)
		if isNotFound(err) {
			return nil, nil
		}
		return p, err
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	pos := toPosition(*p)
	return &pos, nil
}

// Positions returns every open position in the account.
func (b *AlpacaBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	raw, err := guarded(ctx, b, b.tradingCB, "positions", func() ([]alpaca.Position, error) {
		return b.trading.GetPositions()
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, len(raw))
	for i, p := range raw {
		out[i] = toPosition(p)
	}
	return out, nil
}

// Cash returns the account cash balance.
func (b *AlpacaBroker) Cash(ctx context.Context) (float64, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.Cash.InexactFloat64(), nil
}

// PortfolioValue returns the account equity.
func (b *AlpacaBroker) PortfolioValue(ctx context.Context) (float64, error) {
	acct, err := b.account(ctx)
	if err != nil {
		return 0, err
	}
	return acct.Equity.InexactFloat64(), nil
}

func (b *AlpacaBroker) account(ctx context.Context) (*alpaca.Account, error) {
	return guarded(ctx, b, b.tradingCB, "account", func() (*alpaca.Account, error) {
		return b.trading.GetAccount()
	})
}

// Execute places the intent as a day order. Buys carry their protective
// levels as a bracket; sells close at market.
func (b *AlpacaBroker) Execute(ctx context.Context, intent domain.OrderIntent) (domain.Execution, error) {
	req := orderRequest(intent)

	// Orders are never retried: a timeout may still have been accepted.
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Execution{}, fmt.Errorf("%s: %w: %w", intent.Symbol, domain.ErrExecution, err)
	}
	res, err := b.tradingCB.Execute(func() (interface{}, error) {
		return runCtx(ctx, func() (*alpaca.Order, error) {
			return b.trading.PlaceOrder(req)
		})
	})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("%s %s %d: %w: %w",
			intent.Side, intent.Symbol, intent.Qty, domain.ErrExecution, err)
	}
	order := res.(*alpaca.Order)

	b.log.Info("order placed",
		"symbol", intent.Symbol,
		"side", string(intent.Side),
		"qty", intent.Qty,
		"order_id", order.ID,
		"status", order.Status,
	)
	return domain.Execution{
		ClientOrderID: order.ClientOrderID,
		BrokerOrderID: order.ID,
		Status:        order.Status,
		SubmittedAt:   order.SubmittedAt,
	}, nil
}

// Clock returns the exchange session clock.
func (b *AlpacaBroker) Clock(ctx context.Context) (domain.MarketClock, error) {
	c, err := guarded(ctx, b, b.tradingCB, "clock", func() (*alpaca.Clock, error) {
		return b.trading.GetClock()
	})
	if err != nil {
		return domain.MarketClock{}, err
	}
	return domain.MarketClock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

func orderRequest(intent domain.OrderIntent) alpaca.PlaceOrderRequest {
	qty := decimal.NewFromInt(intent.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           &qty,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.Side == domain.SideSell {
		req.Side = alpaca.Sell
		return req
	}

	req.Side = alpaca.Buy
	if intent.TakeProfitPrice != nil && intent.StopLossPrice > 0 {
		stop := priceDecimal(intent.StopLossPrice)
		limit := priceDecimal(*intent.TakeProfitPrice)
		req.OrderClass = alpaca.Bracket
		req.StopLoss = &alpaca.StopLoss{StopPrice: &stop}
		req.TakeProfit = &alpaca.TakeProfit{LimitPrice: &limit}
	}
	return req
}

// priceDecimal rounds to whole cents; Alpaca rejects sub-penny increments
// above one dollar.
func priceDecimal(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
}

func toPosition(p alpaca.Position) domain.Position {
	return domain.Position{
		Symbol:     p.Symbol,
		Qty:        p.Qty.IntPart(),
		EntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
}

// guarded runs fn behind the rate limiter, the circuit breaker and retries.
// Client errors and an open circuit are not retried.
func guarded[T any](ctx context.Context, b *AlpacaBroker, cb *gobreaker.CircuitBreaker, op string, fn func() (T, error)) (T, error) {
	var out T
	err := util.Retry(ctx, b.maxAttempts, b.retryDelay, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		res, err := cb.Execute(func() (interface{}, error) {
			return runCtx(ctx, fn)
		})
		if err != nil {
			if isClientError(err) ||
				errors.Is(err, gobreaker.ErrOpenState) ||
				errors.Is(err, gobreaker.ErrTooManyRequests) ||
				ctx.Err() != nil {
				return util.Permanent(err)
			}
			b.log.Debug("alpaca call failed, retrying", "op", op, "error", err)
			return err
		}
		out = res.(T)
		return nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("alpaca %s: %w", op, err)
	}
	return out, nil
}

// runCtx runs fn but stops waiting once ctx is done. The SDK calls do not
// take a context, so an abandoned call finishes in the background.
func runCtx[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func isClientError(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests
}
