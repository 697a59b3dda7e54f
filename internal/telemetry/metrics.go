package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the rewrite gateway. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	FilterActionTotal *prometheus.CounterVec
	RewriteTotal      *prometheus.CounterVec
	RewriteDurationMs *prometheus.HistogramVec
	SkipRuleTotal     *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qrw_request_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"endpoint", "model", "provider", "status"}),

		RequestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qrw_request_duration_ms",
			Help:    "Total request duration in milliseconds (including provider latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"endpoint", "model"}),

		FilterActionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qrw_filter_action_total",
			Help: "Total filter actions taken.",
		}, []string{"filter", "action"}),

		RewriteTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qrw_rewrite_total",
			Help: "Calls to the rewrite backend by outcome.",
		}, []string{"backend", "outcome"}),

		RewriteDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qrw_rewrite_duration_ms",
			Help:    "Rewrite backend latency in milliseconds.",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"backend", "outcome"}),

		SkipRuleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qrw_skip_rule_total",
			Help: "Queries left unchanged by a skip rule.",
		}, []string{"rule"}),

		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qrw_tokens_total",
			Help: "Total tokens reported by downstream providers.",
		}, []string{"model", "direction"}),
	}
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	if m == nil {
		return
	}
	m.RequestTotal.WithLabelValues(
		labels.Endpoint, labels.Model, labels.Provider, labels.Status,
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Endpoint, labels.Model,
	).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Model, "completion").Add(float64(labels.CompletionTokens))
	}
}

// RecordFilterAction records a filter action metric.
func (m *Metrics) RecordFilterAction(filter, action string) {
	if m == nil {
		return
	}
	m.FilterActionTotal.WithLabelValues(filter, action).Inc()
}

// RecordRewrite records one call to the rewrite backend.
func (m *Metrics) RecordRewrite(backend, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	m.RewriteTotal.WithLabelValues(backend, outcome).Inc()
	m.RewriteDurationMs.WithLabelValues(backend, outcome).Observe(durationMs)
}

// RecordSkip records a query left unchanged by the named rule.
func (m *Metrics) RecordSkip(rule string) {
	if m == nil {
		return
	}
	m.SkipRuleTotal.WithLabelValues(rule).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Endpoint         string
	Model            string
	Provider         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
}
