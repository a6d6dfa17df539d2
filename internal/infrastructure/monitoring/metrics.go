package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// IPC metrics
	IPCTotal    *prometheus.CounterVec
	IPCDuration *prometheus.HistogramVec
	IPCErrors   *prometheus.CounterVec

	// Kernel object metrics
	InvokeTotal *prometheus.CounterVec
	Objects     *prometheus.GaugeVec
	PageFaults  *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalIPC        int64   `json:"total_ipc"`
	TotalIPCErrors  int64   `json:"total_ipc_errors"`
	TotalInvokes    int64   `json:"total_invokes"`
	TotalDispatches int64   `json:"total_dispatches"`
	PageFaults      int64   `json:"page_faults"`
	TotalRequests   int64   `json:"total_requests"`
	IPCDuration     float64 `json:"ipc_duration_seconds"` // sum of all IPC durations
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector registered on its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith creates a metrics collector registered on reg.
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l4core_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),

		// IPC metrics
		IPCTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_ipc_total",
				Help: "Total number of IPC system calls",
			},
			[]string{"op", "result"},
		),
		IPCDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l4core_ipc_duration_seconds",
				Help:    "IPC system call duration in seconds, including blocking",
				Buckets: []float64{.00001, .0001, .001, .01, .1, 1, 10},
			},
			[]string{"op"},
		),
		IPCErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_ipc_errors_total",
				Help: "Total number of failed IPC system calls by error code",
			},
			[]string{"code"},
		),

		// Kernel object metrics
		InvokeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_invoke_total",
				Help: "Total number of kernel object invocations",
			},
			[]string{"kind", "result"},
		),
		Objects: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "l4core_kernel_objects",
				Help: "Number of live kernel objects",
			},
			[]string{"kind"},
		),
		PageFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_pagefaults_total",
				Help: "Total number of page faults resolved through a pager",
			},
			[]string{"result"},
		),

		// Dispatch metrics
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "l4core_dispatch_total",
				Help: "Total number of requests handled by server loops",
			},
			[]string{"protocol", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "l4core_dispatch_duration_seconds",
				Help:    "Handler duration in seconds",
				Buckets: []float64{.00001, .0001, .001, .01, .1, 1},
			},
			[]string{"protocol"},
		),

		// System metrics
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "l4core_uptime_seconds",
				Help: "Kernel uptime in seconds",
			},
		),
	}

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an admin HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.mu.Unlock()
}

// RecordIPC records one IPC system call. code is empty on success.
func (m *Metrics) RecordIPC(op, code string, duration time.Duration) {
	result := "ok"
	if code != "" {
		result = "error"
		m.IPCErrors.WithLabelValues(code).Inc()
	}
	m.IPCTotal.WithLabelValues(op, result).Inc()
	m.IPCDuration.WithLabelValues(op).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalIPC++
	m.snapshot.IPCDuration += duration.Seconds()
	if code != "" {
		m.snapshot.TotalIPCErrors++
	}
	m.mu.Unlock()
}

// RecordInvoke records a kernel object invocation
func (m *Metrics) RecordInvoke(kind, result string) {
	m.InvokeTotal.WithLabelValues(kind, result).Inc()

	m.mu.Lock()
	m.snapshot.TotalInvokes++
	m.mu.Unlock()
}

// RecordPageFault records a pager round trip
func (m *Metrics) RecordPageFault(result string) {
	m.PageFaults.WithLabelValues(result).Inc()

	m.mu.Lock()
	m.snapshot.PageFaults++
	m.mu.Unlock()
}

// AddObjects adjusts the live object gauge for kind
func (m *Metrics) AddObjects(kind string, delta int) {
	m.Objects.WithLabelValues(kind).Add(float64(delta))
}

// RecordDispatch records a request handled by a server loop
func (m *Metrics) RecordDispatch(protocol, status string, duration time.Duration) {
	m.DispatchTotal.WithLabelValues(protocol, status).Inc()
	m.DispatchDuration.WithLabelValues(protocol).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalDispatches++
	m.mu.Unlock()
}

// Snapshot returns the current JSON-friendly values
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime).Seconds()
	m.Uptime.Set(uptime)

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = uptime
	return s
}
