// Package metrics exposes engine activity as Prometheus collectors. Event
// driven series are fed from the bus; gauges read component counters at
// scrape time.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

const namespace = "execution"

// Metrics groups every collector on a private registry
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	fills        *prometheus.CounterVec
	filledQty    *prometheus.CounterVec
	slippage     *prometheus.HistogramVec
	alerts       *prometheus.CounterVec
	runs         *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with Go runtime and process
// collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events published, by type.",
		}, []string{"type"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Venue fills, by symbol and venue.",
		}, []string{"symbol", "venue"}),
		filledQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filled_quantity_total",
			Help:      "Quantity filled, by symbol.",
		}, []string{"symbol"}),
		slippage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slippage_bps",
			Help:      "Realized slippage of each fill in basis points, signed.",
			Buckets:   []float64{-50, -25, -10, -5, 0, 5, 10, 25, 50, 100},
		}, []string{"symbol"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slippage_alerts_total",
			Help:      "Slippage alerts, by level and symbol.",
		}, []string{"level", "symbol"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Execution runs finished, by status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events, m.fills, m.filledQty, m.slippage, m.alerts, m.runs,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the registry to serve
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe updates the event-driven series. It has the shape of a bus handler.
func (m *Metrics) Observe(_ context.Context, ev domain.Event) error {
	m.events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case domain.EventSliceReleased:
		m.fills.WithLabelValues(ev.Symbol, ev.Message).Inc()
		m.filledQty.WithLabelValues(ev.Symbol).Add(ev.Quantity.InexactFloat64())
		m.slippage.WithLabelValues(ev.Symbol).Observe(ev.SlippageBps)
	case domain.EventSlippageWarning:
		m.alerts.WithLabelValues("warning", ev.Symbol).Inc()
	case domain.EventCriticalSlippage:
		m.alerts.WithLabelValues("critical", ev.Symbol).Inc()
	case domain.EventRunCompleted, domain.EventRunFailed:
		m.runs.WithLabelValues(ev.Status).Inc()
	}
	return nil
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(method, route string, code int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// GaugeSource reads a current value at scrape time
type GaugeSource func() float64

// RegisterGauge exposes a value read from a component on each scrape
func (m *Metrics) RegisterGauge(name, help string, read GaugeSource) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, read))
}
