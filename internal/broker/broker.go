// Package broker defines the collaborator interfaces the decision engine and
// trader host depend on, and provides an Alpaca implementation and an
// in-memory simulator.
package broker

import (
	"context"

	"meridian/internal/domain"
)

// MarketData supplies price history and quotes.
type MarketData interface {
	// HistoricalPrices returns up to length of the most recent daily bars for
	// symbol, oldest first.
	HistoricalPrices(ctx context.Context, symbol string, length int) (domain.Series, error)

	// LastPrice returns the most recent trade price for symbol.
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Account reports holdings and balances.
type Account interface {
	// Position returns the holding for symbol, or nil when flat.
	Position(ctx context.Context, symbol string) (*domain.Position, error)

	// Positions returns every open holding.
	Positions(ctx context.Context) ([]domain.Position, error)

	// Cash returns the available cash balance.
	Cash(ctx context.Context) (float64, error)

	// PortfolioValue returns the total account equity.
	PortfolioValue(ctx context.Context) (float64, error)
}

// Executor submits order intents.
type Executor interface {
	Execute(ctx context.Context, intent domain.OrderIntent) (domain.Execution, error)
}

// Clock reports the exchange session clock.
type Clock interface {
	Clock(ctx context.Context) (domain.MarketClock, error)
}

// Broker is a complete brokerage: data, account, execution and clock.
type Broker interface {
	MarketData
	Account
	Executor
	Clock

	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string
}
