// Package metrics provides Prometheus metrics for vrmoded.
//
// All recording methods are safe to call on a nil *Metrics so components can
// be constructed without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vrmoded"

// Metrics is a prometheus.Collector holding every vrmoded metric.
type Metrics struct {
	transitions      *prometheus.CounterVec
	invalidRequests  *prometheus.CounterVec
	deferredRequests *prometheus.CounterVec
	binds            prometheus.Counter
	unbinds          prometheus.Counter
	staleConnections prometheus.Counter
	bindFailures     prometheus.Counter
	grantFailures    *prometheus.CounterVec
	observerFailures prometheus.Counter
	registryReloads  prometheus.Counter
	enabled          prometheus.Gauge
	allowed          prometheus.Gauge
	observers        prometheus.Gauge
	bindLatency      prometheus.Histogram
	ipcRequests      *prometheus.CounterVec
}

// New returns a Metrics collector. It is not registered anywhere.
func New() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Applied mode transitions by resulting enabled state.",
		}, []string{"enabled"}),
		invalidRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_requests_total",
			Help:      "Mode requests naming a listener that failed validation.",
		}, []string{"reason"}),
		deferredRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_requests_total",
			Help:      "Mode requests stored as pending instead of applied.",
		}, []string{"cause"}),
		binds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Listener bind attempts.",
		}),
		unbinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unbinds_total",
			Help:      "Listener disconnects.",
		}),
		staleConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_connections_total",
			Help:      "Connect completions dropped because the handle was superseded.",
		}),
		bindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Connect completions that reported an error.",
		}),
		grantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_failures_total",
			Help:      "Failed permission grant or revoke calls.",
		}, []string{"kind", "op"}),
		observerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_failures_total",
			Help:      "Observer callbacks that returned an error or panicked.",
		}),
		registryReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_reloads_total",
			Help:      "Listener manifest reloads that changed the registry.",
		}),
		enabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enabled",
			Help:      "1 while VR mode is enabled.",
		}),
		allowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allowed",
			Help:      "1 while the system gate permits VR mode.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Registered mode observers.",
		}),
		bindLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bind_latency_seconds",
			Help:      "Time from bind request to connect completion.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ipcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_requests_total",
			Help:      "Control socket requests by message type.",
		}, []string{"type"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions, m.invalidRequests, m.deferredRequests,
		m.binds, m.unbinds, m.staleConnections, m.bindFailures,
		m.grantFailures, m.observerFailures, m.registryReloads,
		m.enabled, m.allowed, m.observers, m.bindLatency, m.ipcRequests,
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// NewRegistry returns a registry holding m plus the Go and process collectors.
func NewRegistry(m *Metrics) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := r.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if m != nil {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(r *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(r, promhttp.HandlerOpts{Registry: r})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordTransition counts an applied transition.
func (m *Metrics) RecordTransition(enabled bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(boolLabel(enabled)).Inc()
}

// RecordInvalidRequest counts a request whose target failed validation.
func (m *Metrics) RecordInvalidRequest(reason string) {
	if m == nil {
		return
	}
	m.invalidRequests.WithLabelValues(reason).Inc()
}

// RecordDeferred counts a request stored as pending. cause is "gate" or
// "debounce".
func (m *Metrics) RecordDeferred(cause string) {
	if m == nil {
		return
	}
	m.deferredRequests.WithLabelValues(cause).Inc()
}

// RecordBind counts a bind attempt.
func (m *Metrics) RecordBind() {
	if m == nil {
		return
	}
	m.binds.Inc()
}

// RecordUnbind counts a disconnect.
func (m *Metrics) RecordUnbind() {
	if m == nil {
		return
	}
	m.unbinds.Inc()
}

// RecordStaleConnection counts a dropped connect completion.
func (m *Metrics) RecordStaleConnection() {
	if m == nil {
		return
	}
	m.staleConnections.Inc()
}

// RecordBindResult observes connect latency, counting failures.
func (m *Metrics) RecordBindResult(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.bindFailures.Inc()
		return
	}
	m.bindLatency.Observe(d.Seconds())
}

// RecordGrantFailure counts a failed grant ("grant") or revoke ("revoke").
func (m *Metrics) RecordGrantFailure(kind, op string) {
	if m == nil {
		return
	}
	m.grantFailures.WithLabelValues(kind, op).Inc()
}

// RecordObserverFailure counts an observer error or panic.
func (m *Metrics) RecordObserverFailure() {
	if m == nil {
		return
	}
	m.observerFailures.Inc()
}

// RecordRegistryReload counts an effective registry reload.
func (m *Metrics) RecordRegistryReload() {
	if m == nil {
		return
	}
	m.registryReloads.Inc()
}

// SetEnabled sets the enabled gauge.
func (m *Metrics) SetEnabled(v bool) {
	if m == nil {
		return
	}
	m.enabled.Set(boolValue(v))
}

// SetAllowed sets the allowed gauge.
func (m *Metrics) SetAllowed(v bool) {
	if m == nil {
		return
	}
	m.allowed.Set(boolValue(v))
}

// SetObservers sets the observer count gauge.
func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.observers.Set(float64(n))
}

// RecordIPCRequest counts a control socket request.
func (m *Metrics) RecordIPCRequest(msgType string) {
	if m == nil {
		return
	}
	m.ipcRequests.WithLabelValues(msgType).Inc()
}
