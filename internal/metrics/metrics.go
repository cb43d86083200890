// Package metrics exposes the decision engine's Prometheus instruments. A
// nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meridian/internal/domain"
)

// Cycle outcomes.
const (
	CycleCompleted = "completed"
	CycleHalted    = "halted"
	CycleFault     = "fault"
	CycleSkipped   = "skipped"
)

// Collector owns a private registry with every meridian metric.
type Collector struct {
	registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	symbolOutcomes *prometheus.CounterVec
	intents        *prometheus.CounterVec
	executions     *prometheus.CounterVec
	cacheFallbacks prometheus.Counter

	drawdown     prometheus.Gauge
	peakEquity   prometheus.Gauge
	equity       prometheus.Gauge
	riskFraction prometheus.Gauge
	regime       prometheus.Gauge
}

// New creates a Collector registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_cycles_total",
				Help: "Decision cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meridian_cycle_duration_seconds",
				Help:    "Wall time of a decision cycle",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		symbolOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_symbol_outcomes_total",
				Help: "Per-symbol decisions by action and skip reason",
			},
			[]string{"action", "reason"},
		),
		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_order_intents_total",
				Help: "Order intents emitted by side",
			},
			[]string{"side"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_executions_total",
				Help: "Order submissions by result",
			},
			[]string{"result"},
		),
		cacheFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meridian_bar_cache_fallbacks_total",
				Help: "Price histories served from the local cache after an upstream failure",
			},
		),

		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_drawdown_pct",
			Help: "Current drawdown from the equity peak, in percent",
		}),
		peakEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_peak_equity",
			Help: "Running equity peak",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_equity",
			Help: "Portfolio value at the last cycle",
		}),
		riskFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_risk_fraction",
			Help: "Risk-per-trade fraction in force for the last cycle",
		}),
		regime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_regime",
			Help: "Market regime of the last cycle (0 neutral, 1 bull, 2 bear, 3 flat)",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.cycleDuration, c.symbolOutcomes, c.intents, c.executions, c.cacheFallbacks,
		c.drawdown, c.peakEquity, c.equity, c.riskFraction, c.regime,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCycle counts a finished cycle and records its duration.
func (c *Collector) ObserveCycle(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

// ObserveOutcome counts one per-symbol decision.
func (c *Collector) ObserveOutcome(action string, reason domain.SkipReason) {
	if c == nil {
		return
	}
	c.symbolOutcomes.WithLabelValues(action, string(reason)).Inc()
}

// ObserveIntent counts an emitted order intent.
func (c *Collector) ObserveIntent(side domain.Side) {
	if c == nil {
		return
	}
	c.intents.WithLabelValues(string(side)).Inc()
}

// ObserveExecution counts an order submission.
func (c *Collector) ObserveExecution(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.executions.WithLabelValues(result).Inc()
}

// ObserveCacheFallback counts a history served from the local cache.
func (c *Collector) ObserveCacheFallback() {
	if c == nil {
		return
	}
	c.cacheFallbacks.Inc()
}

// SetPortfolio records the equity snapshot of a cycle.
func (c *Collector) SetPortfolio(equity, peak, drawdownPct float64) {
	if c == nil {
		return
	}
	c.equity.Set(equity)
	c.peakEquity.Set(peak)
	c.drawdown.Set(drawdownPct)
}

// SetRisk records the regime and risk fraction in force.
func (c *Collector) SetRisk(r domain.Regime, fraction float64) {
	if c == nil {
		return
	}
	c.regime.Set(float64(r))
	c.riskFraction.Set(fraction)
}
