// Package metrics holds the prometheus collectors of the gateway
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics contains all gateway metrics
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	DeviceErrors      *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	BuildDuration     *prometheus.HistogramVec
}

// New creates the gateway metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests use to get isolated collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wasmgw",
				Name:      "requests_total",
				Help:      "Total number of gateway requests",
			},
			[]string{"device", "cmd", "outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wasmgw",
				Name:      "request_duration_seconds",
				Help:      "Gateway request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"cmd"},
		),

		DeviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wasmgw",
				Name:      "device_errors_total",
				Help:      "Total number of failed device operations by error kind",
			},
			[]string{"device", "kind"},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "wasmgw",
				Name:      "active_connections",
				Help:      "Number of client connections being served",
			},
		),

		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "wasmgw",
				Name:      "build_duration_seconds",
				Help:      "Module build duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.DeviceErrors,
			m.ActiveConnections,
			m.BuildDuration,
		)
	}
	return m
}

// RecordRequest counts a finished request and its duration
func (m *Metrics) RecordRequest(device, cmd string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeError
	}
	m.RequestsTotal.WithLabelValues(device, cmd, outcome).Inc()
	m.RequestDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordDeviceError counts a failed device operation
func (m *Metrics) RecordDeviceError(device, kind string) {
	if m == nil {
		return
	}
	m.DeviceErrors.WithLabelValues(device, kind).Inc()
}

// ConnectionOpened increments the active connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordBuild records the duration of a build
func (m *Metrics) RecordBuild(mode string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeError
	}
	m.BuildDuration.WithLabelValues(mode, outcome).Observe(duration.Seconds())
}
