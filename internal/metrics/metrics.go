// Package metrics records validation-run statistics on a private prometheus
// registry and writes them in the node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one run. A nil *Metrics ignores all calls.
type Metrics struct {
	reg *prometheus.Registry

	samples  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	last     prometheus.Gauge
}

// New registers the relval collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relval_samples_total",
				Help: "Samples processed, by outcome",
			},
			[]string{"package", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relval_command_duration_seconds",
				Help:    "Wall time of external commands",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"step"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relval_command_failures_total",
				Help: "External command failures, by step and reason",
			},
			[]string{"step", "reason"},
		),
		last: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relval_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
	m.reg.MustRegister(m.samples, m.duration, m.failures, m.last)
	return m
}

// ObserveCommand records the duration of an external command. reason is
// empty on success, otherwise one of "exit", "timeout", "canceled", "launch".
func (m *Metrics) ObserveCommand(step string, d time.Duration, reason string) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(step).Observe(d.Seconds())
	if reason != "" {
		m.failures.WithLabelValues(step, reason).Inc()
	}
}

// SampleDone counts a finished sample.
func (m *Metrics) SampleDone(pkg, status string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(pkg, status).Inc()
}

// Finish stamps the run completion time.
func (m *Metrics) Finish(t time.Time) {
	if m == nil {
		return
	}
	m.last.Set(float64(t.Unix()))
}

// WriteFile writes every metric to path atomically.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
