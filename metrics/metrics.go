// Package metrics exposes ledger activity as Prometheus metrics. Metrics
// implements ledger.Observer, so the engine reports through it directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/concession-ledger/ledger"
)

type Metrics struct {
	registry *prometheus.Registry

	// Ledger metrics
	EntriesRecorded         *prometheus.CounterVec
	ExpiredUnits            *prometheus.CounterVec
	BalanceClamps           prometheus.Counter
	CarryForwardCorrections prometheus.Counter
	StockPushFailures       prometheus.Counter

	// Sweep metrics
	Sweeps        *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SweepChanged  prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the metrics on a private registry under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		EntriesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended, updated or deleted",
		}, []string{"operation"}),
		ExpiredUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_stock_expired_units_total",
			Help:      "Units newly found expired by the expiry scanner",
		}, []string{"attribution"}),
		BalanceClamps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_balance_clamps_total",
			Help:      "Replay steps where the running balance was floored at zero",
		}),
		CarryForwardCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_carry_forward_corrections_total",
			Help:      "Months whose opening balance was corrected by the carry-forward chain",
		}),
		StockPushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_stock_push_failures_total",
			Help:      "Failed pushes of closing balances to the product aggregate",
		}),

		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_sweeps_total",
			Help:      "Expiry sweeps run, by result",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_sweep_duration_seconds",
			Help:      "Duration of expiry sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepChanged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_sweep_changed_stock_lines",
			Help:      "Stock lines changed by the last sweep",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.EntriesRecorded,
		m.ExpiredUnits,
		m.BalanceClamps,
		m.CarryForwardCorrections,
		m.StockPushFailures,
		m.Sweeps,
		m.SweepDuration,
		m.SweepChanged,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// ledger.Observer
// =============================================================================

func (m *Metrics) EntryRecorded(op string, _ ledger.MonthKey) {
	m.EntriesRecorded.WithLabelValues(op).Inc()
}

func (m *Metrics) StockExpired(_ ledger.StockKey, sameMonth, carryForward decimal.Decimal) {
	if sameMonth.IsPositive() {
		m.ExpiredUnits.WithLabelValues("same_month").Add(sameMonth.InexactFloat64())
	}
	if carryForward.IsPositive() {
		m.ExpiredUnits.WithLabelValues("carry_forward").Add(carryForward.InexactFloat64())
	}
}

func (m *Metrics) BalanceClamped(ledger.MonthKey, decimal.Decimal) {
	m.BalanceClamps.Inc()
}

func (m *Metrics) CarryForwardCorrected(ledger.MonthKey) {
	m.CarryForwardCorrections.Inc()
}

func (m *Metrics) StockPushFailed(ledger.StockKey) {
	m.StockPushFailures.Inc()
}

// =============================================================================
// SWEEP AND HTTP
// =============================================================================

func (m *Metrics) RecordSweep(report ledger.SweepReport, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Sweeps.WithLabelValues(result).Inc()
	m.SweepDuration.Observe(report.Duration.Seconds())
	m.SweepChanged.Set(float64(report.Changed))
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
