package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "markl"

// Metrics holds the Prometheus collectors for the dispatcher and reply pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchDuration      *prometheus.HistogramVec
	AdmissionRejected     prometheus.Counter
	RepliesTotal          *prometheus.CounterVec
	TransportErrorsTotal  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DispatchAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_attempts_total",
				Help:      "Total number of provider invocations by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Wall time of a whole dispatch in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"result"},
		),
		AdmissionRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "admission_rejected_total",
				Help:      "Total number of messages rejected by the per-user rate limiter",
			},
		),
		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replies_total",
				Help:      "Total number of replies by status",
			},
			[]string{"status"},
		),
		TransportErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transport_errors_total",
				Help:      "Total number of failed transport calls by method",
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		m.DispatchAttemptsTotal,
		m.DispatchDuration,
		m.AdmissionRejected,
		m.RepliesTotal,
		m.TransportErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt counts a single provider invocation.
func (m *Metrics) ObserveAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.DispatchAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveDispatch records the duration of a finished dispatch.
func (m *Metrics) ObserveDispatch(success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "exhausted"
	if success {
		result = "success"
	}
	m.DispatchDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveAdmissionRejected counts a rate-limited message.
func (m *Metrics) ObserveAdmissionRejected() {
	if m == nil {
		return
	}
	m.AdmissionRejected.Inc()
}

// ObserveReply counts a finished reply by status.
func (m *Metrics) ObserveReply(status string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(status).Inc()
}

// ObserveTransportError counts a failed transport call.
func (m *Metrics) ObserveTransportError(method string) {
	if m == nil {
		return
	}
	m.TransportErrorsTotal.WithLabelValues(method).Inc()
}
