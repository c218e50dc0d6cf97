// Package metrics holds the agent's Prometheus collectors.
//
// All collectors live on a private registry so tests can build independent
// instances. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opticourier"

// Metrics is the set of collectors exported by the agent.
type Metrics struct {
	reg *prometheus.Registry

	recordsEnqueued prometheus.Counter
	recordsPending  prometheus.Gauge
	recordsFailed   prometheus.Counter
	recovered       prometheus.Counter

	passes         *prometheus.CounterVec
	passesDropped  *prometheus.CounterVec
	syncing        prometheus.Gauge
	passDuration   prometheus.Histogram
	uploads        *prometheus.CounterVec
	uploadDuration prometheus.Histogram

	connected prometheus.Gauge
	autoSync  prometheus.Gauge
}

// New creates a Metrics with its own registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		recordsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_enqueued_total",
			Help:      "Total number of records accepted from producers",
		}),
		recordsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_pending",
			Help:      "Records still eligible for delivery",
		}),
		recordsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records that reached the retry cap",
		}),
		recovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_recovered_total",
			Help:      "Interrupted uploads reset to pending at startup",
		}),
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Sync passes that ran, by trigger",
		}, []string{"trigger"}),
		passesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_dropped_total",
			Help:      "Triggers dropped without running a pass, by trigger and reason",
		}, []string{"trigger", "reason"}),
		syncing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "syncing",
			Help:      "1 while a sync pass is running",
		}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of a sync pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		uploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by result (success, failure) and failure kind",
		}, []string{"result", "kind"}),
		uploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of a single upload attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13),
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collector_reachable",
			Help:      "1 when the collector was last observed reachable",
		}),
		autoSync: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auto_sync_enabled",
			Help:      "1 when automatic sync triggers are enabled",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.recordsEnqueued.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.recordsPending.Set(float64(n))
}

func (m *Metrics) RecordFailed() {
	if m == nil {
		return
	}
	m.recordsFailed.Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) PassStarted(trigger string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(trigger).Inc()
	m.syncing.Set(1)
}

func (m *Metrics) PassFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.syncing.Set(0)
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) PassDropped(trigger, reason string) {
	if m == nil {
		return
	}
	m.passesDropped.WithLabelValues(trigger, reason).Inc()
}

// Upload records one attempt. kind is empty for a success.
func (m *Metrics) Upload(kind string, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if kind != "" {
		result = "failure"
	}
	m.uploads.WithLabelValues(result, kind).Inc()
	m.uploadDuration.Observe(d.Seconds())
}

func (m *Metrics) SetConnected(v bool) {
	if m == nil {
		return
	}
	m.connected.Set(boolGauge(v))
}

func (m *Metrics) SetAutoSync(v bool) {
	if m == nil {
		return
	}
	m.autoSync.Set(boolGauge(v))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
