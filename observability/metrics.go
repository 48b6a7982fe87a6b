// Package observability exposes the gateway's Prometheus metrics surface.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics is the gateway's Prometheus metrics registry. It wraps a
// dedicated prometheus.Registry (rather than the global default one) so
// multiple gateway instances in the same test binary don't collide on
// metric registration.
type Metrics struct {
	logger zerolog.Logger
	reg    *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	cacheHitsTotal   *prometheus.CounterVec
	ledgerOps        *prometheus.CounterVec
	providerHealthy  *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway's metric families.
func NewMetrics(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		logger: logger.With().Str("component", "metrics").Logger(),
		reg:    reg,
		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed inference requests by provider, model, endpoint, and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Inference request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider", "model", "endpoint", "status"}),
		tokensTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens billed, by provider, model, endpoint, and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		cacheHitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Requests served from the cache-aware cost discount path.",
		}, []string{"provider", "model"}),
		ledgerOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Credit ledger operations by type and pool.",
		}, []string{"type", "wallet_type"}),
		providerHealthy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "provider_healthy",
			Help: "1 if the provider's last health check succeeded, 0 otherwise.",
		}, []string{"provider"}),
	}
	return m
}

// TrackRequest records a completed request with all relevant labels.
func (m *Metrics) TrackRequest(provider, model, endpoint string, statusCode int, latencyMs float64, tokens int64, cached bool) {
	status := strconv.Itoa(statusCode)
	m.requestsTotal.WithLabelValues(provider, model, endpoint, status).Inc()
	m.requestDuration.WithLabelValues(provider, model, endpoint, status).Observe(latencyMs)
	m.tokensTotal.WithLabelValues(provider, model, endpoint, status).Add(float64(tokens))
	if cached {
		m.cacheHitsTotal.WithLabelValues(provider, model).Inc()
	}
}

// TrackWalletOperation records a credit ledger operation.
func (m *Metrics) TrackWalletOperation(opType, walletType string, amount float64) {
	m.ledgerOps.WithLabelValues(opType, walletType).Add(amount)
}

// TrackProviderHealth records provider health status.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(val)
}

// Handler returns an http.HandlerFunc that serves /metrics in the standard
// Prometheus text exposition format.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
	return h.ServeHTTP
}
