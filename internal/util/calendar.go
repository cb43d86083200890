package util

import (
	"fmt"
	"time"

	"meridian/internal/domain"
)

// TradingCalendar turns a broker session clock into the times at which the
// session hooks should fire.
type TradingCalendar struct {
	loc            *time.Location
	beforeOpenLead time.Duration
	cycleOffset    time.Duration
}

// NewTradingCalendar creates a TradingCalendar in the named IANA timezone.
// beforeOpenLead is how long before the open the pre-session hook fires;
// cycleOffset is how long after the open the decision pass runs.
func NewTradingCalendar(timezone string, beforeOpenLead, cycleOffset time.Duration) (*TradingCalendar, error) {
	if timezone == "" {
		timezone = "America/New_York"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	return &TradingCalendar{
		loc:            loc,
		beforeOpenLead: beforeOpenLead,
		cycleOffset:    cycleOffset,
	}, nil
}

// Location returns the calendar timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// SessionDate returns the YYYY-MM-DD exchange date of t.
func (tc *TradingCalendar) SessionDate(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

// SessionPlan lists when each hook should fire for the next (or current)
// session. A zero time means the hook is skipped for this session.
type SessionPlan struct {
	Date       string
	BeforeOpen time.Time
	Cycle      time.Time
	AfterClose time.Time
}

// Plan schedules the hooks for the session the clock points at. When the
// market is already open the pre-session hook is skipped and the cycle runs
// immediately, unless lastCycleDate shows it already ran today.
func (tc *TradingCalendar) Plan(clk domain.MarketClock, lastCycleDate string) SessionPlan {
	if clk.IsOpen {
		p := SessionPlan{
			Date:       tc.SessionDate(clk.Timestamp),
			AfterClose: clk.NextClose,
		}
		if p.Date != lastCycleDate {
			p.Cycle = clk.Timestamp
		}
		return p
	}

	p := SessionPlan{
		Date:       tc.SessionDate(clk.NextOpen),
		BeforeOpen: clk.NextOpen.Add(-tc.beforeOpenLead),
		Cycle:      clk.NextOpen.Add(tc.cycleOffset),
		AfterClose: clk.NextClose,
	}
	if p.Date == lastCycleDate {
		p.Cycle = time.Time{}
	}
	return p
}
