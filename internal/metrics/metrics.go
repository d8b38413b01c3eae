package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exported on /metrics
type Metrics struct {
	registry *prometheus.Registry

	MintAttempts   *prometheus.CounterVec
	MintDuration   prometheus.Histogram
	CertificatesIn *prometheus.CounterVec
	Recovered      *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MintAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_engine",
			Name:      "mint_attempts_total",
			Help:      "Mint saga runs by outcome.",
		}, []string{"outcome"}),
		MintDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cert_engine",
			Name:      "mint_duration_seconds",
			Help:      "Wall time of a mint saga run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		CertificatesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_engine",
			Name:      "certificate_transitions_total",
			Help:      "Certificate request status transitions.",
		}, []string{"status"}),
		Recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_engine",
			Name:      "recovery_resumed_total",
			Help:      "Stalled mints picked up by the recovery worker by outcome.",
		}, []string{"outcome"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_engine",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the attempt limiter.",
		}, []string{"action"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cert_engine",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MintAttempts,
		m.MintDuration,
		m.CertificatesIn,
		m.Recovered,
		m.RateLimited,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
