package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the exchanger collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RatesWrittenTotal   *prometheus.CounterVec
	RateLimitHitsTotal  *prometheus.CounterVec
	SourceFetchErrors   *prometheus.CounterVec
	RateLookupsTotal    *prometheus.CounterVec
	TasksTotal          *prometheus.CounterVec
	TasksRunning        prometheus.Gauge
	BackfillDuration    *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RatesWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_rates_written_total",
				Help: "Rates upserted into the store",
			},
			[]string{"provider"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_rate_limit_hits_total",
				Help: "Rate-limited provider responses",
			},
			[]string{"provider"},
		),

		SourceFetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_source_fetch_errors_total",
				Help: "Failed provider fetches after retries",
			},
			[]string{"provider"},
		),

		RateLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_rate_lookups_total",
				Help: "Rate lookups by result (hit, fetched, miss)",
			},
			[]string{"provider", "result"},
		),

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_tasks_total",
				Help: "Finished background tasks by kind and outcome",
			},
			[]string{"kind", "status"},
		),

		TasksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "exchanger_tasks_running",
				Help: "Background tasks currently running",
			},
		),

		BackfillDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchanger_backfill_duration_seconds",
				Help:    "Backfill run duration",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
			},
			[]string{"provider"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchanger_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchanger_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// RecordRatesWritten counts upserted rates
func (m *Metrics) RecordRatesWritten(provider string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RatesWrittenTotal.WithLabelValues(provider).Add(float64(n))
}

// RecordRateLimitHit counts a rate-limited response
func (m *Metrics) RecordRateLimitHit(provider string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(provider).Inc()
}

// RecordFetchError counts a fetch that failed after retries
func (m *Metrics) RecordFetchError(provider string) {
	if m == nil {
		return
	}
	m.SourceFetchErrors.WithLabelValues(provider).Inc()
}

// RecordRateLookup counts a rate lookup
func (m *Metrics) RecordRateLookup(provider, result string) {
	if m == nil {
		return
	}
	m.RateLookupsTotal.WithLabelValues(provider, result).Inc()
}

// TaskStarted marks a task as running
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksRunning.Inc()
}

// TaskFinished records a task outcome
func (m *Metrics) TaskFinished(kind, status string) {
	if m == nil {
		return
	}
	m.TasksRunning.Dec()
	m.TasksTotal.WithLabelValues(kind, status).Inc()
}

// ObserveBackfill records a backfill run duration
func (m *Metrics) ObserveBackfill(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackfillDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveHTTPRequest records a served request
func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
