package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meridian/internal/domain"
)

func TestCollectorCounters(t *testing.T) {
	c := New()

	c.ObserveCycle(CycleCompleted, time.Second)
	c.ObserveCycle(CycleCompleted, 2*time.Second)
	c.ObserveCycle(CycleHalted, time.Second)
	if got := testutil.ToFloat64(c.cycles.WithLabelValues(CycleCompleted)); got != 2 {
		t.Errorf("completed cycles = %v, want 2", got)
	}

	c.ObserveOutcome("skip", domain.ReasonDataUnavailable)
	if got := testutil.ToFloat64(c.symbolOutcomes.WithLabelValues("skip", string(domain.ReasonDataUnavailable))); got != 1 {
		t.Errorf("skip outcomes = %v, want 1", got)
	}

	c.ObserveIntent(domain.SideBuy)
	c.ObserveExecution(nil)
	c.ObserveExecution(errors.New("rejected"))
	if got := testutil.ToFloat64(c.executions.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.intents.WithLabelValues("buy")); got != 1 {
		t.Errorf("buy intents = %v, want 1", got)
	}
}

func TestCollectorGauges(t *testing.T) {
	c := New()
	c.SetPortfolio(9000, 12000, -25)
	c.SetRisk(domain.RegimeBear, 0.01)

	if got := testutil.ToFloat64(c.drawdown); got != -25 {
		t.Errorf("drawdown = %v, want -25", got)
	}
	if got := testutil.ToFloat64(c.regime); got != float64(domain.RegimeBear) {
		t.Errorf("regime = %v, want %v", got, float64(domain.RegimeBear))
	}
}

func TestCollectorHandler(t *testing.T) {
	c := New()
	c.ObserveCacheFallback()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "meridian_bar_cache_fallbacks_total 1") {
		t.Errorf("exposition missing fallback counter:\n%s", body)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveCycle(CycleFault, time.Second)
	c.ObserveOutcome("hold", domain.ReasonNone)
	c.ObserveIntent(domain.SideSell)
	c.ObserveExecution(nil)
	c.ObserveCacheFallback()
	c.SetPortfolio(1, 1, 0)
	c.SetRisk(domain.RegimeBull, 0.03)
	if c.Registry() != nil {
		t.Error("nil collector returned a registry")
	}
}
