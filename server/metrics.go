package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the per-server Prometheus registry. Each Server owns its own
// registry so tests can build servers independently.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	bytesDownloaded *prometheus.CounterVec
	bytesUploaded   *prometheus.CounterVec
}

// NewMetrics builds and registers the gateway collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "requests_total",
			Help:      "Provider API requests by provider, method and status code.",
		}, []string{"provider", "method", "code"}),
		bytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "download_bytes_total",
			Help:      "Bytes served to download clients, by provider.",
		}, []string{"provider"}),
		bytesUploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "upload_bytes_total",
			Help:      "Bytes accepted from upload clients, by provider.",
		}, []string{"provider"}),
	}
	m.registry.MustRegister(m.requests, m.bytesDownloaded, m.bytesUploaded)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(provider, method string, code int) {
	m.requests.WithLabelValues(provider, method, strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeDownload(provider string, n int64) {
	if n > 0 {
		m.bytesDownloaded.WithLabelValues(provider).Add(float64(n))
	}
}

func (m *Metrics) observeUpload(provider string, n int64) {
	if n > 0 {
		m.bytesUploaded.WithLabelValues(provider).Add(float64(n))
	}
}
