// Package metrics exposes sync counters as prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bucket_mirror"

type Metrics struct {
	Registry *prometheus.Registry

	files         *prometheus.CounterVec
	operations    *prometheus.CounterVec
	retries       *prometheus.CounterVec
	bytesUploaded prometheus.Counter
	phaseDuration *prometheus.HistogramVec
	lastSuccess   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_planned_total",
			Help:      "Local files classified by the planner, by action and reason.",
		}, []string{"action", "reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Executed remote operations by kind and outcome.",
		}, []string{"operation", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried remote calls by operation.",
		}, []string{"operation"}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes successfully uploaded.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each sync phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without failures.",
		}),
	}
	m.Registry.MustRegister(m.files, m.operations, m.retries, m.bytesUploaded, m.phaseDuration, m.lastSuccess)
	return m
}

func (m *Metrics) FilePlanned(action, reason string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(action, reason).Inc()
}

func (m *Metrics) Operation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Retry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) BytesUploaded(n int64) {
	if m == nil {
		return
	}
	m.bytesUploaded.Add(float64(n))
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) Succeeded(at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
