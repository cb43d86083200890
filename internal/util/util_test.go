package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"meridian/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	notFound := errors.New("not found")
	attempts := 0

	err := Retry(context.Background(), 5, 0, func(context.Context) error {
		attempts++
		return Permanent(notFound)
	})
	if !errors.Is(err, notFound) {
		t.Fatalf("Retry error = %v, want %v", err, notFound)
	}
	if IsPermanent(err) {
		t.Error("Retry should unwrap the permanent marker")
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func(context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("second immediate call should be throttled at 1/s")
	}

	unlimited := NewRateLimiter(0)
	for i := 0; i < 10; i++ {
		if err := unlimited.Wait(context.Background()); err != nil {
			t.Fatalf("unlimited Wait: %v", err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "symbol", "AAPL")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(out, `"symbol":"AAPL"`) {
		t.Errorf("json output missing attribute: %s", out)
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}

func TestTradingCalendarPlan(t *testing.T) {
	cal, err := NewTradingCalendar("America/New_York", 30*time.Minute, 30*time.Minute)
	if err != nil {
		t.Fatalf("NewTradingCalendar: %v", err)
	}
	et := cal.Location()
	open := time.Date(2024, 6, 3, 9, 30, 0, 0, et)
	closeAt := time.Date(2024, 6, 3, 16, 0, 0, 0, et)

	closed := domain.MarketClock{
		Timestamp: open.Add(-2 * time.Hour),
		NextOpen:  open,
		NextClose: closeAt,
	}
	p := cal.Plan(closed, "2024-05-31")
	if p.Date != "2024-06-03" {
		t.Errorf("Date = %s, want 2024-06-03", p.Date)
	}
	if !p.BeforeOpen.Equal(open.Add(-30 * time.Minute)) {
		t.Errorf("BeforeOpen = %v", p.BeforeOpen)
	}
	if !p.Cycle.Equal(open.Add(30 * time.Minute)) {
		t.Errorf("Cycle = %v", p.Cycle)
	}
	if !p.AfterClose.Equal(closeAt) {
		t.Errorf("AfterClose = %v", p.AfterClose)
	}

	live := domain.MarketClock{
		Timestamp: open.Add(time.Hour),
		IsOpen:    true,
		NextOpen:  open.AddDate(0, 0, 1),
		NextClose: closeAt,
	}
	p = cal.Plan(live, "2024-05-31")
	if !p.BeforeOpen.IsZero() {
		t.Error("pre-session hook should be skipped once the market is open")
	}
	if !p.Cycle.Equal(live.Timestamp) {
		t.Errorf("Cycle = %v, want immediate", p.Cycle)
	}

	p = cal.Plan(live, "2024-06-03")
	if !p.Cycle.IsZero() {
		t.Error("cycle should not repeat on the same session date")
	}

	if _, err := NewTradingCalendar("Mars/Olympus", 0, 0); err == nil {
		t.Error("NewTradingCalendar accepted an unknown timezone")
	}
}
