package signaling

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const metricsNamespace = "persona_signaling"

// Metrics holds the signaling server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	MintsTotal    *prometheus.CounterVec
	MintDuration  prometheus.Histogram
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "status"},
	)

	mintsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credential_mints_total",
			Help:      "Total number of ephemeral credential mint attempts",
		},
		[]string{"result"},
	)

	mintDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "credential_mint_duration_seconds",
			Help:      "Upstream credential mint latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	registry.MustRegister(requestsTotal, mintsTotal, mintDuration)

	return &Metrics{
		registry:      registry,
		RequestsTotal: requestsTotal,
		MintsTotal:    mintsTotal,
		MintDuration:  mintDuration,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) RecordMint(result string, duration time.Duration) {
	m.MintsTotal.WithLabelValues(result).Inc()
	m.MintDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRequest(path string, status int) {
	m.RequestsTotal.WithLabelValues(path, statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
