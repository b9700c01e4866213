package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus collectors for settlement instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	Settlements        *prometheus.CounterVec
	Refunds            *prometheus.CounterVec
	RateSourceFailures *prometheus.CounterVec
	Reconstructions    prometheus.Counter
	VerifyAttempts     prometheus.Histogram
}

// New builds a metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nairaramp",
			Name:      "settlements_total",
			Help:      "Settlement attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
		Refunds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nairaramp",
			Name:      "refunds_total",
			Help:      "Compensation refund attempts by outcome.",
		}, []string{"outcome"}),
		RateSourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nairaramp",
			Name:      "rate_source_failures_total",
			Help:      "Individual rate source fetch failures.",
		}, []string{"source"}),
		Reconstructions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "nairaramp",
			Name:      "quote_reconstructions_total",
			Help:      "Quotes rebuilt from caller-supplied redundant data.",
		}),
		VerifyAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nairaramp",
			Name:      "payment_verify_attempts",
			Help:      "Verification poll attempts used before a terminal outcome.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		}),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
