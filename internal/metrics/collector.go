// Package metrics exposes the monitor's own numbers to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"txwatch/internal/alerting"
	"txwatch/internal/events"
	"txwatch/internal/model"
)

// Collector owns a private registry so tests and multiple monitors never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	tps            prometheus.Gauge
	confirmP50     prometheus.Gauge
	confirmP95     prometheus.Gauge
	failRate       prometheus.Gauge
	anomalyCount   prometheus.Gauge
	activeWatchers prometheus.Gauge
	activePatterns prometheus.Gauge
	resolutions    *prometheus.CounterVec
	alerts         *prometheus.CounterVec
}

// NewCollector registers every metric under namespace.
func NewCollector(namespace string) *Collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	c := &Collector{
		registry:       prometheus.NewRegistry(),
		tps:            gauge("tps", "Transactions per second over the trailing window."),
		confirmP50:     gauge("confirm_time_p50_ms", "Median confirmation time in milliseconds."),
		confirmP95:     gauge("confirm_time_p95_ms", "95th percentile confirmation time in milliseconds."),
		failRate:       gauge("fail_rate_pct", "Share of failed transactions in the trailing window, in percent."),
		anomalyCount:   gauge("anomaly_count", "Heuristic anomaly score of the trailing window."),
		activeWatchers: gauge("active_watchers", "Signatures currently being polled."),
		activePatterns: gauge("active_patterns", "Actors with retained transaction history."),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_resolutions_total",
			Help:      "Terminal signature resolutions by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_alerts_total",
			Help:      "Anomaly alerts emitted by type and severity.",
		}, []string{"type", "severity"}),
	}

	c.registry.MustRegister(
		c.tps, c.confirmP50, c.confirmP95, c.failRate, c.anomalyCount,
		c.activeWatchers, c.activePatterns, c.resolutions, c.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveMetrics mirrors the latest TransactionMetrics into gauges.
func (c *Collector) ObserveMetrics(m model.TransactionMetrics) {
	c.tps.Set(m.TPS)
	c.confirmP50.Set(float64(m.ConfirmTimeP50Ms))
	c.confirmP95.Set(float64(m.ConfirmTimeP95Ms))
	c.failRate.Set(m.FailRatePct)
	c.anomalyCount.Set(float64(m.AnomalyCount))
}

// ObserveResolution counts a terminal outcome (confirmed, failed, timeout).
func (c *Collector) ObserveResolution(outcome string) {
	c.resolutions.WithLabelValues(outcome).Inc()
}

// ObserveAlert counts an emitted alert.
func (c *Collector) ObserveAlert(alert model.Alert) {
	c.alerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
}

// SetActiveWatchers records the watcher population.
func (c *Collector) SetActiveWatchers(n int) { c.activeWatchers.Set(float64(n)) }

// SetActivePatterns records the tracked actor population.
func (c *Collector) SetActivePatterns(n int) { c.activePatterns.Set(float64(n)) }

// AlertSink counts alerts as they pass through a sink chain.
func (c *Collector) AlertSink() alerting.Sink {
	return alerting.SinkFunc(func(_ context.Context, alert model.Alert) error {
		c.ObserveAlert(alert)
		return nil
	})
}

// Attach feeds bus traffic into the collector.
func (c *Collector) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(topic string, payload any) {
		switch topic {
		case events.TopicConfirmed:
			c.ObserveResolution("confirmed")
		case events.TopicFailed:
			c.ObserveResolution("failed")
		case events.TopicTimeout:
			c.ObserveResolution("timeout")
		case events.TopicMetricsUpdated:
			if m, ok := payload.(model.TransactionMetrics); ok {
				c.ObserveMetrics(m)
			}
		}
	})
}
