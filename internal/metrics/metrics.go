// Package metrics exposes gateway request metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-gateway/internal/apierror"
)

const namespace = "llm_gateway"

// Operation labels.
const (
	OpCompletion = "completion"
	OpStream     = "stream"
	OpImage      = "image"
)

// Metrics owns a private registry so several instances can coexist in tests.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	chunks   *prometheus.CounterVec
	tokens   *prometheus.CounterVec
}

// New registers the gateway collectors plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Provider requests by operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time until the provider returned a response or opened a stream.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "operation"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Chunks delivered to stream consumers.",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "type"}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.chunks, m.tokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome is "ok" for a nil error, otherwise the error's kind.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apierror.KindOf(err).String()
}

// ObserveRequest records one provider call.
func (m *Metrics) ObserveRequest(provider, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, operation, Outcome(err)).Inc()
	m.latency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

// AddChunk counts one delivered stream chunk.
func (m *Metrics) AddChunk(provider string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(provider).Inc()
}

// AddTokens records reported token usage.
func (m *Metrics) AddTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
