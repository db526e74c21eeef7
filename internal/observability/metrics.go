// Package observability provides Prometheus metrics and component health
// checks.
package observability

import (
	"net/http"
	"strings"

	"github.com/nexus-trading/dexsentry/internal/market"
	"github.com/nexus-trading/dexsentry/internal/position"
	"github.com/nexus-trading/dexsentry/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric of a session.
type Metrics struct {
	registry *prometheus.Registry

	// Detection
	ScansTotal            prometheus.Counter
	ScanDuration          prometheus.Histogram
	PoolsTracked          prometheus.Gauge
	SourceErrors          *prometheus.CounterVec
	OpportunitiesDetected *prometheus.CounterVec

	// Pricing
	PriceObservations *prometheus.CounterVec
	PriceMisses       prometheus.Counter

	// Admission
	Decisions        *prometheus.CounterVec
	RejectionReasons *prometheus.CounterVec
	Halted           prometheus.Gauge

	// Execution
	TradeResults  *prometheus.CounterVec
	SlippageBps   prometheus.Histogram
	TradeDuration prometheus.Histogram

	// Positions
	OpenPositions   prometheus.Gauge
	PositionsClosed *prometheus.CounterVec
	RealizedPnLUSD  prometheus.Counter
	RealizedLossUSD prometheus.Counter
	DailyPnLUSD     prometheus.Gauge
}

// NewMetrics registers all metrics on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dexsentry"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Total number of scan passes",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of one scan pass",
			Buckets:   prometheus.DefBuckets,
		}),
		PoolsTracked: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "pools_tracked",
			Help:      "Pools currently tracked",
		}),
		SourceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "datasource",
			Name:      "errors_total",
			Help:      "Failed data source requests by source",
		}, []string{"source"}),
		OpportunitiesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "opportunities_total",
			Help:      "Opportunities detected by type",
		}, []string{"type"}),

		PriceObservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "observations_total",
			Help:      "Price observations ingested by source",
		}, []string{"source"}),
		PriceMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "validation_misses_total",
			Help:      "Validated price requests with too few fresh sources",
		}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome",
		}, []string{"outcome"}),
		RejectionReasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejection_reasons_total",
			Help:      "Rejection reasons by code",
		}, []string{"code"}),
		Halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "halted",
			Help:      "1 while the admission gate is halted",
		}),

		TradeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "results_total",
			Help:      "Terminal trade results by mode and state",
		}, []string{"mode", "state"}),
		SlippageBps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "slippage_bps",
			Help:      "Quote slippage against the validated price",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),
		TradeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "trade_duration_seconds",
			Help:      "Time from admission to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "open",
			Help:      "Open positions",
		}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "closed_total",
			Help:      "Closed positions by status",
		}, []string{"status"}),
		RealizedPnLUSD: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "realized_profit_usd_total",
			Help:      "Sum of positive realized P&L",
		}),
		RealizedLossUSD: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "realized_loss_usd_total",
			Help:      "Sum of realized losses as a positive number",
		}),
		DailyPnLUSD: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "daily_pnl_usd",
			Help:      "Realized P&L of the current UTC day",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveOpportunity(opp market.Opportunity) {
	m.OpportunitiesDetected.WithLabelValues(string(opp.Type)).Inc()
}

// ObserveDecision counts the outcome and, for rejections, every reason
// code. Codes are the part of a reason before the first ':'.
func (m *Metrics) ObserveDecision(d risk.Decision) {
	if d.Approved {
		m.Decisions.WithLabelValues("admitted").Inc()
		return
	}
	m.Decisions.WithLabelValues("rejected").Inc()
	for _, r := range d.Reasons {
		code, _, _ := strings.Cut(r, ":")
		m.RejectionReasons.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) ObserveResult(r market.TradeResult) {
	m.TradeResults.WithLabelValues(r.Mode, r.State).Inc()
	if r.SlippageBps != 0 {
		m.SlippageBps.Observe(r.SlippageBps)
	}
}

func (m *Metrics) ObservePositionClosed(p position.Position) {
	m.PositionsClosed.WithLabelValues(string(p.Status)).Inc()
	pnl := p.RealizedPnL.InexactFloat64()
	if pnl >= 0 {
		m.RealizedPnLUSD.Add(pnl)
	} else {
		m.RealizedLossUSD.Add(-pnl)
	}
}

// ObserveRiskState copies gauges from the risk state.
func (m *Metrics) ObserveRiskState(st risk.StateStats, halted bool) {
	m.OpenPositions.Set(float64(st.OpenPositions))
	m.DailyPnLUSD.Set(st.PnLToday)
	if halted {
		m.Halted.Set(1)
	} else {
		m.Halted.Set(0)
	}
}
