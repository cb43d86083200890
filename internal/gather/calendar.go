package gather

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// CalendarSource lists trading days.
type CalendarSource interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended, i.e. after 20:05 in loc so extended-hours bars have settled.
func LatestFinishedTradingDay(cal CalendarSource, now time.Time, loc *time.Location) (time.Time, error) {
	now = now.In(loc)
	days, err := cal.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format("2006-01-02")
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, loc)
	for i := len(days) - 1; i >= 0; i-- {
		d := days[i]
		if d.Date == today && !now.After(cutoff) {
			continue
		}
		t, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			continue
		}
		if d.Date <= today {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
