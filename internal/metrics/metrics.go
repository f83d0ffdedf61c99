// Package metrics exposes pipeline counters and gauges to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "frame_pipeline"

// Metrics is the set of collectors one process registers
type Metrics struct {
	registry *prometheus.Registry

	FramesPulled    prometheus.Counter
	FramesUnmatched prometheus.Counter
	FramesInFlight  prometheus.Gauge
	Dispatched      *prometheus.CounterVec
	RunnerErrors    *prometheus.CounterVec
	RunnerInFlight  *prometheus.GaugeVec
	RunnerDuration  *prometheus.HistogramVec
	Delivered       *prometheus.CounterVec
	ConsumerErrors  *prometheus.CounterVec
	Discarded       *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_pulled_total",
			Help: "Frames obtained from the source.",
		}),
		FramesUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_unmatched_total",
			Help: "Frames no trigger selected.",
		}),
		FramesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "frames_in_flight",
			Help: "Frames pulled whose outputs are not all delivered yet.",
		}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_total",
			Help: "Runner invocations scheduled per trigger.",
		}, []string{"trigger"}),
		RunnerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runner_errors_total",
			Help: "Runner invocations that failed per trigger.",
		}, []string{"trigger"}),
		RunnerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runner_in_flight",
			Help: "Runner invocations currently executing.",
		}, []string{"runner"}),
		RunnerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "runner_duration_seconds",
			Help:    "Runner invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"runner"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_delivered_total",
			Help: "Outputs handed to consumers per trigger.",
		}, []string{"trigger"}),
		ConsumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consumer_errors_total",
			Help: "Consumer failures per trigger.",
		}, []string{"trigger"}),
		Discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "results_discarded_total",
			Help: "Scheduled invocations dropped during shutdown per trigger.",
		}, []string{"trigger"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.FramesPulled,
		m.FramesUnmatched,
		m.FramesInFlight,
		m.Dispatched,
		m.RunnerErrors,
		m.RunnerInFlight,
		m.RunnerDuration,
		m.Delivered,
		m.ConsumerErrors,
		m.Discarded,
		m.RunsTotal,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
