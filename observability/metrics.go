package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// HTTP returns the lazily-initialised metrics registry used to record gateway
// request activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "skillancer",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// LedgerMetrics captures collectors tracking ledger engine health.
type LedgerMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	gatewayErrors *prometheus.CounterVec
	disputes      *prometheus.CounterVec
}

// Ledger exposes the metrics registry for the escrow engine.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "skillancer",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations including provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			gatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "ledger",
				Name:      "provider_errors_total",
				Help:      "Count of payment provider failures segmented by call and reason.",
			}, []string{"call", "reason"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "ledger",
				Name:      "disputes_total",
				Help:      "Count of dispute lifecycle actions segmented by action.",
			}, []string{"action"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.latency,
			ledgerRegistry.gatewayErrors,
			ledgerRegistry.disputes,
		)
	})
	return ledgerRegistry
}

// Observe records the execution metrics for one ledger operation.
func (m *LedgerMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordProviderError increments the provider failure counter. Reasons should
// be stable strings such as "declined" or "unavailable" so dashboards and
// alerts remain consistent.
func (m *LedgerMetrics) RecordProviderError(call, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.gatewayErrors.WithLabelValues(call, reason).Inc()
}

// RecordDisputeAction increments the dispute lifecycle counter.
func (m *LedgerMetrics) RecordDisputeAction(action string) {
	if m == nil {
		return
	}
	if action = strings.TrimSpace(action); action == "" {
		action = "unknown"
	}
	m.disputes.WithLabelValues(action).Inc()
}

// ReconMetrics wraps collectors tracking the reconciliation sweep.
type ReconMetrics struct {
	sweeps  prometheus.Counter
	stuck   prometheus.Gauge
	settled *prometheus.CounterVec
}

// Recon exposes the metrics registry for the reconciliation sweep.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "recon",
				Name:      "sweeps_total",
				Help:      "Count of completed reconciliation sweeps.",
			}),
			stuck: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "skillancer",
				Subsystem: "recon",
				Name:      "stuck_transactions",
				Help:      "Number of non-terminal transactions found past the grace window in the last sweep.",
			}),
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "skillancer",
				Subsystem: "recon",
				Name:      "settled_total",
				Help:      "Count of transactions settled by reconciliation segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(reconRegistry.sweeps, reconRegistry.stuck, reconRegistry.settled)
	})
	return reconRegistry
}

// RecordSweep records the size of a completed sweep.
func (m *ReconMetrics) RecordSweep(stuck int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.stuck.Set(float64(stuck))
}

// RecordSettled increments the settled counter for the supplied outcome.
func (m *ReconMetrics) RecordSettled(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.settled.WithLabelValues(outcome).Inc()
}
