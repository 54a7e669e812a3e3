package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors. Each instance owns its
// registry so several daemons (tests) can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsTerminated *prometheus.CounterVec

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ConnectionsActive *prometheus.GaugeVec

	OutputBytes        prometheus.Counter
	OutputEvictedBytes prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulsar_sessions_active",
			Help: "Number of sessions currently in the registry",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsar_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsar_sessions_terminated_total",
			Help: "Total number of sessions terminated, by reason",
		}, []string{"reason"}),

		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsar_requests_total",
			Help: "Protocol requests handled, by method and error code (ok on success)",
		}, []string{"method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsar_request_duration_seconds",
			Help:    "Protocol request handling time in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"method"}),

		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulsar_connections_active",
			Help: "Open protocol connections, by transport",
		}, []string{"transport"}),

		OutputBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsar_output_bytes_total",
			Help: "Bytes read from session PTYs",
		}),
		OutputEvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsar_output_evicted_bytes_total",
			Help: "Bytes overwritten in session output buffers before every client drained them",
		}),
	}
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(method string, code int, took time.Duration) {
	m.Requests.WithLabelValues(method, codeLabel(code)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func codeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
