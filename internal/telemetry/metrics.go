// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	DispatchOutcomes *prometheus.CounterVec   // labels: kind, outcome
	DispatchAttempts *prometheus.HistogramVec // labels: kind
	PoolSize         *prometheus.GaugeVec     // labels: provider
	AccountCooldowns prometheus.Gauge
	QuotaRejections  *prometheus.CounterVec // labels: kind, scope (daily|rpm)
	AlertsFired      *prometheus.CounterVec // labels: name, transition (ALERT|RECOVERY)
	TokensProcessed  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qwengate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "qwengate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qwengate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qwengate",
			Name:      "dispatch_outcomes_total",
			Help:      "Total dispatch outcomes by kind and classification.",
		}, []string{"kind", "outcome"}),

		DispatchAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qwengate",
			Name:      "dispatch_attempts",
			Help:      "Number of accounts tried per dispatch before success or exhaustion.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 12},
		}, []string{"kind"}),

		PoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qwengate",
			Name:      "pool_size",
			Help:      "Number of accounts currently known to the pool.",
		}, []string{"provider"}),

		AccountCooldowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qwengate",
			Name:      "accounts_in_cooldown",
			Help:      "Number of accounts currently in a post-failure cooldown window.",
		}),

		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qwengate",
			Name:      "quota_rejections_total",
			Help:      "Total admission-control rejections by kind and limit scope.",
		}, []string{"kind", "scope"}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qwengate",
			Name:      "alerts_fired_total",
			Help:      "Total alert notifications sent, by alert name and transition.",
		}, []string{"name", "transition"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qwengate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed, reported by upstream usage fields when available.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.DispatchOutcomes,
		m.DispatchAttempts,
		m.PoolSize,
		m.AccountCooldowns,
		m.QuotaRejections,
		m.AlertsFired,
		m.TokensProcessed,
	)

	return m
}
