// Package observability provides Prometheus metrics for the swap pipeline,
// price lookups, alerts and reconciliation.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Swap pipeline
	SwapsTotal          *prometheus.CounterVec
	SwapDuration        prometheus.Histogram
	ConfirmationLatency prometheus.Histogram

	// Upstream calls
	AggregatorCalls *prometheus.CounterVec
	PriceLookups    *prometheus.CounterVec

	// Background work
	AlertsTriggered prometheus.Counter
	Reconciliations *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "solswap"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SwapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "executions_total",
			Help:      "Swap executions by outcome kind",
		}, []string{"outcome"}),
		SwapDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "duration_seconds",
			Help:      "End-to-end swap execution time",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
		}),
		ConfirmationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "confirmation_latency_seconds",
			Help:      "Time from submission to confirmation",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
		AggregatorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "calls_total",
			Help:      "Aggregator calls by operation and status",
		}, []string{"op", "status"}),
		PriceLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "lookups_total",
			Help:      "Price provider lookups by provider and status",
		}, []string{"provider", "status"}),
		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "triggered_total",
			Help:      "Price alerts triggered",
		}),
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "reconciliations_total",
			Help:      "Reconciled swap journal entries by result",
		}, []string{"result"}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordSwap(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SwapsTotal.WithLabelValues(outcome).Inc()
	m.SwapDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.ConfirmationLatency.Observe(d.Seconds())
}

func (m *Metrics) RecordAggregatorCall(op, status string) {
	if m == nil {
		return
	}
	m.AggregatorCalls.WithLabelValues(op, status).Inc()
}

func (m *Metrics) RecordPriceLookup(provider, status string) {
	if m == nil {
		return
	}
	m.PriceLookups.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordAlert() {
	if m == nil {
		return
	}
	m.AlertsTriggered.Inc()
}

func (m *Metrics) RecordReconciliation(result string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(result).Inc()
}
