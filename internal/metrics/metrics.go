// Package metrics exports decode and load counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"afmio/pkg/afm"
)

const namespace = "afmio"

// Metrics holds every collector on its own registry. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	decodes        *prometheus.CounterVec   // by format and result
	decodeDuration *prometheus.HistogramVec // by format
	loads          *prometheus.CounterVec   // by source and result
	loadDuration   prometheus.Histogram
	skipped        prometheus.Counter
	frames         prometheus.Gauge
	clients        prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "total",
			Help:      "Decode attempts by format and result",
		}, []string{"format", "result"}),

		decodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decode",
			Name:      "duration_seconds",
			Help:      "Time spent decoding one file",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"format"}),

		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "total",
			Help:      "Load requests by source (file or folder) and result",
		}, []string{"source", "result"}),

		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "duration_seconds",
			Help:      "Time from load request to stored dataset",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),

		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "folder",
			Name:      "skipped_members_total",
			Help:      "Folder members dropped for decode errors or minority frame shape",
		}),

		frames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "frames",
			Help:      "Frames in the loaded dataset",
		}),

		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "clients",
			Help:      "Connected WebSocket clients",
		}),
	}

	m.registry.MustRegister(m.decodes, m.decodeDuration, m.loads, m.loadDuration, m.skipped, m.frames, m.clients)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err == nil {
		return "ok"
	}

	return afm.KindOf(err).String()
}

// ObserveDecode records one decoder call.
func (m *Metrics) ObserveDecode(format string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	m.decodes.WithLabelValues(format, result(err)).Inc()
	m.decodeDuration.WithLabelValues(format).Observe(elapsed.Seconds())
}

// ObserveLoad records one load request.
func (m *Metrics) ObserveLoad(folder bool, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	source := "file"
	if folder {
		source = "folder"
	}

	m.loads.WithLabelValues(source, result(err)).Inc()
	m.loadDuration.Observe(elapsed.Seconds())
}

// AddSkipped counts dropped folder members.
func (m *Metrics) AddSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.skipped.Add(float64(n))
}

// SetFrames records the size of the loaded stack.
func (m *Metrics) SetFrames(n int) {
	if m == nil {
		return
	}

	m.frames.Set(float64(n))
}

// SetClients records the WebSocket client count.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}

	m.clients.Set(float64(n))
}
