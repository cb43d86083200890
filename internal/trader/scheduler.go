package trader

import (
	"context"
	"errors"
	"time"
)

// Run schedules the session hooks until ctx is cancelled. Each iteration
// reads the market clock, plans the session it points at and fires the
// before-open hook, the cycle and the after-close hook in order, each at
// most once per session date.
func (t *Trader) Run(ctx context.Context) error {
	t.log.Info("scheduler started", "timezone", t.cal.Location().String(), "dry_run", t.opts.DryRun)
	for {
		if err := t.step(ctx); err != nil {
			if ctx.Err() != nil {
				t.log.Info("scheduler stopped")
				return nil
			}
			return err
		}
	}
}

// step plans and runs one session's worth of hooks. It returns only when
// ctx is cancelled or after sleeping PollInterval once nothing is left to
// do for the planned session.
func (t *Trader) step(ctx context.Context) error {
	clk, err := t.readClock(ctx)
	if err != nil {
		t.log.Warn("clock unavailable, retrying", "error", err, "retry_in", t.opts.PollInterval)
		return t.sleep(ctx, t.opts.PollInterval)
	}

	t.mu.Lock()
	plan := t.cal.Plan(clk, t.cycleDate)
	opened, attempted, closed := t.openDate, t.attemptDate, t.closedDate
	t.mu.Unlock()

	did := false
	if !plan.BeforeOpen.IsZero() && opened != plan.Date {
		if err := t.sleepUntil(ctx, plan.BeforeOpen); err != nil {
			return err
		}
		t.BeforeOpen(ctx)
		t.markOpen(plan.Date)
		did = true
	}

	// A failed cycle is not retried within the same session.
	if !plan.Cycle.IsZero() && attempted != plan.Date {
		if err := t.sleepUntil(ctx, plan.Cycle); err != nil {
			return err
		}
		t.mu.Lock()
		t.attemptDate = plan.Date
		t.mu.Unlock()
		if _, err := t.RunCycle(ctx); err != nil {
			if !errors.Is(err, ErrMarketClosed) {
				t.log.Error("cycle failed", "date", plan.Date, "error", err)
			}
		}
		did = true
	}

	if !plan.AfterClose.IsZero() && closed != plan.Date {
		if err := t.sleepUntil(ctx, plan.AfterClose); err != nil {
			return err
		}
		t.AfterClose(ctx)
		t.markClosed(plan.Date)
		did = true
	}

	if !did {
		return t.sleep(ctx, t.opts.PollInterval)
	}
	return nil
}

func (t *Trader) markOpen(date string) {
	t.mu.Lock()
	t.openDate = date
	t.mu.Unlock()
}

func (t *Trader) markClosed(date string) {
	t.mu.Lock()
	t.closedDate = date
	t.mu.Unlock()
}

func (t *Trader) sleepUntil(ctx context.Context, at time.Time) error {
	return t.sleep(ctx, at.Sub(t.now()))
}

func (t *Trader) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
