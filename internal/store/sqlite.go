package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"meridian/internal/domain"
	"meridian/internal/engine"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ StateStore = (*SQLiteStore)(nil)
var _ Journal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS engine_state (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	peak_equity           REAL    NOT NULL,
	base_risk_fraction    REAL    NOT NULL,
	current_risk_fraction REAL    NOT NULL,
	stop_loss_multiplier  REAL    NOT NULL,
	previous_regime       TEXT    NOT NULL,
	cycle                 INTEGER NOT NULL,
	faults                INTEGER NOT NULL,
	last_cycle_at         TEXT    NOT NULL,
	updated_at            TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_reports (
	cycle       INTEGER PRIMARY KEY,
	policy      TEXT    NOT NULL,
	started_at  TEXT    NOT NULL,
	regime      TEXT    NOT NULL,
	halted      INTEGER NOT NULL,
	body        TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS order_intents (
	client_order_id   TEXT    PRIMARY KEY,
	cycle             INTEGER NOT NULL,
	symbol            TEXT    NOT NULL,
	side              TEXT    NOT NULL,
	qty               INTEGER NOT NULL,
	stop_loss_price   REAL    NOT NULL,
	take_profit_price REAL,
	created_at        TEXT    NOT NULL,
	status            TEXT    NOT NULL,
	broker_order_id   TEXT    NOT NULL DEFAULT '',
	error             TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS order_intents_cycle ON order_intents (cycle);
`

// SQLiteStore implements StateStore and Journal backed by a SQLite
// database. Times are stored as RFC 3339 text in UTC.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type stateRow struct {
	PeakEquity          float64 `db:"peak_equity"`
	BaseRiskFraction    float64 `db:"base_risk_fraction"`
	CurrentRiskFraction float64 `db:"current_risk_fraction"`
	StopLossMultiplier  float64 `db:"stop_loss_multiplier"`
	PreviousRegime      string  `db:"previous_regime"`
	Cycle               int64   `db:"cycle"`
	Faults              int64   `db:"faults"`
	LastCycleAt         string  `db:"last_cycle_at"`
}

// LoadState returns the saved engine state.
func (s *SQLiteStore) LoadState(ctx context.Context) (engine.State, bool, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, `SELECT peak_equity, base_risk_fraction, current_risk_fraction,
		stop_loss_multiplier, previous_regime, cycle, faults, last_cycle_at FROM engine_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.State{}, false, nil
	}
	if err != nil {
		return engine.State{}, false, fmt.Errorf("loading state: %w", err)
	}

	regime, err := domain.ParseRegime(row.PreviousRegime)
	if err != nil {
		return engine.State{}, false, fmt.Errorf("loading state: %w", err)
	}
	last, err := parseTime(row.LastCycleAt)
	if err != nil {
		return engine.State{}, false, fmt.Errorf("loading state: last_cycle_at: %w", err)
	}
	return engine.State{
		PeakEquity:          row.PeakEquity,
		BaseRiskFraction:    row.BaseRiskFraction,
		CurrentRiskFraction: row.CurrentRiskFraction,
		StopLossMultiplier:  row.StopLossMultiplier,
		PreviousRegime:      regime,
		Cycle:               row.Cycle,
		Faults:              row.Faults,
		LastCycleAt:         last,
	}, true, nil
}

// SaveState upserts the single state row.
func (s *SQLiteStore) SaveState(ctx context.Context, st engine.State) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO engine_state (id, peak_equity, base_risk_fraction,
		current_risk_fraction, stop_loss_multiplier, previous_regime, cycle, faults, last_cycle_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			peak_equity = excluded.peak_equity,
			base_risk_fraction = excluded.base_risk_fraction,
			current_risk_fraction = excluded.current_risk_fraction,
			stop_loss_multiplier = excluded.stop_loss_multiplier,
			previous_regime = excluded.previous_regime,
			cycle = excluded.cycle,
			faults = excluded.faults,
			last_cycle_at = excluded.last_cycle_at,
			updated_at = excluded.updated_at`,
		st.PeakEquity, st.BaseRiskFraction, st.CurrentRiskFraction, st.StopLossMultiplier,
		st.PreviousRegime.String(), st.Cycle, st.Faults, formatTime(st.LastCycleAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// SaveReport stores rep and journals its intents as pending. Saving the
// same cycle twice replaces the report and leaves journaled intents alone.
func (s *SQLiteStore) SaveReport(ctx context.Context, rep *engine.Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report %d: %w", rep.Cycle, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO cycle_reports
		(cycle, policy, started_at, regime, halted, body) VALUES (?, ?, ?, ?, ?, ?)`,
		rep.Cycle, rep.Policy, formatTime(rep.StartedAt), rep.Regime.String(), rep.Halted, string(body)); err != nil {
		return fmt.Errorf("saving report %d: %w", rep.Cycle, err)
	}

	for _, in := range rep.Intents() {
		var tp sql.NullFloat64
		if in.TakeProfitPrice != nil {
			tp = sql.NullFloat64{Float64: *in.TakeProfitPrice, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO order_intents
			(client_order_id, cycle, symbol, side, qty, stop_loss_price, take_profit_price, created_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ClientOrderID, rep.Cycle, in.Symbol, string(in.Side), in.Qty, in.StopLossPrice, tp,
			formatTime(in.CreatedAt), StatusPending); err != nil {
			return fmt.Errorf("journaling intent %s: %w", in.ClientOrderID, err)
		}
	}
	return tx.Commit()
}

// LatestReport returns the report with the highest cycle number.
func (s *SQLiteStore) LatestReport(ctx context.Context) (*engine.Report, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT body FROM cycle_reports ORDER BY cycle DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest report: %w", err)
	}
	var rep engine.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("decoding latest report: %w", err)
	}
	return &rep, nil
}

// RecordExecution marks an intent submitted, or failed when execErr is set.
func (s *SQLiteStore) RecordExecution(ctx context.Context, clientOrderID string, exec domain.Execution, execErr error) error {
	status, msg := StatusSubmitted, ""
	if execErr != nil {
		status, msg = StatusFailed, execErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE order_intents SET status = ?, broker_order_id = ?, error = ?
		WHERE client_order_id = ?`, status, exec.BrokerOrderID, msg, clientOrderID)
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", clientOrderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("recording execution %s: intent not journaled", clientOrderID)
	}
	return nil
}

type intentRow struct {
	ClientOrderID   string          `db:"client_order_id"`
	Cycle           int64           `db:"cycle"`
	Symbol          string          `db:"symbol"`
	Side            string          `db:"side"`
	Qty             int64           `db:"qty"`
	StopLossPrice   float64         `db:"stop_loss_price"`
	TakeProfitPrice sql.NullFloat64 `db:"take_profit_price"`
	CreatedAt       string          `db:"created_at"`
	Status          string          `db:"status"`
	BrokerOrderID   string          `db:"broker_order_id"`
	Error           string          `db:"error"`
}

// ListIntents returns the most recent journal entries, newest cycle first.
func (s *SQLiteStore) ListIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []intentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT client_order_id, cycle, symbol, side, qty,
		stop_loss_price, take_profit_price, created_at, status, broker_order_id, error
		FROM order_intents ORDER BY cycle DESC, rowid ASC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}

	out := make([]IntentRecord, 0, len(rows))
	for _, r := range rows {
		created, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("intent %s: created_at: %w", r.ClientOrderID, err)
		}
		rec := IntentRecord{
			ClientOrderID: r.ClientOrderID,
			Cycle:         r.Cycle,
			Symbol:        r.Symbol,
			Side:          domain.Side(r.Side),
			Qty:           r.Qty,
			StopLossPrice: r.StopLossPrice,
			CreatedAt:     created,
			Status:        r.Status,
			BrokerOrderID: r.BrokerOrderID,
			Error:         r.Error,
		}
		if r.TakeProfitPrice.Valid {
			tp := r.TakeProfitPrice.Float64
			rec.TakeProfitPrice = &tp
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
