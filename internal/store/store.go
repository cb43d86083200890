// Package store persists what meridian needs across restarts: a Parquet
// cache of daily bars, and a SQLite database holding the engine state, cycle
// reports and the order-intent journal.
package store

import (
	"context"
	"time"

	"meridian/internal/domain"
	"meridian/internal/engine"
)

// BarStore persists and retrieves daily OHLCV bars.
type BarStore interface {
	// WriteBars merges bars into storage, replacing bars with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], oldest first.
	ReadBars(ctx context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ReadLatestBars returns up to n of the most recent bars for symbol,
	// oldest first.
	ReadLatestBars(ctx context.Context, market domain.Market, symbol string, n int) ([]domain.Bar, error)

	// ListSymbols returns all symbols with cached bars.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// StateStore persists the engine state between cycles.
type StateStore interface {
	// LoadState returns the saved state; ok is false when none exists.
	LoadState(ctx context.Context) (st engine.State, ok bool, err error)

	// SaveState replaces the saved state.
	SaveState(ctx context.Context, st engine.State) error
}

// Journal records cycle reports, the intents they produced and what
// happened when each intent was submitted.
type Journal interface {
	// SaveReport stores a cycle report and its intents.
	SaveReport(ctx context.Context, rep *engine.Report) error

	// LatestReport returns the most recent report, or nil.
	LatestReport(ctx context.Context) (*engine.Report, error)

	// RecordExecution updates the journal entry of a submitted intent.
	RecordExecution(ctx context.Context, clientOrderID string, exec domain.Execution, execErr error) error

	// ListIntents returns up to limit of the most recent journal entries.
	ListIntents(ctx context.Context, limit int) ([]IntentRecord, error)
}

// IntentRecord is one row of the intent journal.
type IntentRecord struct {
	ClientOrderID   string
	Cycle           int64
	Symbol          string
	Side            domain.Side
	Qty             int64
	StopLossPrice   float64
	TakeProfitPrice *float64
	CreatedAt       time.Time
	Status          string
	BrokerOrderID   string
	Error           string
}

// Journal entry statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusFailed    = "failed"
)
