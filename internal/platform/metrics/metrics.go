package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the processor. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ItemsProcessed        *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	Compensations         *prometheus.CounterVec
	RegistrarRequests     *prometheus.CounterVec
	RegistrarLatency      prometheus.Histogram
	TokenRefreshes        *prometheus.CounterVec
	DeadLetters           *prometheus.CounterVec
	SearchBreakerOpen     prometheus.Gauge
	BatchesConsumed       prometheus.Counter
	ConsumerDecodeFailure *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		ItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_items_processed_total",
			Help: "Items by kind and outcome (new, changed, unchanged, dead_lettered, tombstoned)",
		}, []string{"kind", "outcome"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsprocessor_stage_duration_seconds",
			Help:    "Duration of each saga stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		Compensations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_compensations_total",
			Help: "Undo steps executed by label and result",
		}, []string{"label", "result"}),
		RegistrarRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_registrar_requests_total",
			Help: "Registrar requests by operation and status class",
		}, []string{"operation", "status"}),
		RegistrarLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsprocessor_registrar_request_duration_seconds",
			Help:    "Latency of single registrar round trips",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		TokenRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_token_refreshes_total",
			Help: "Bearer token refreshes by source (endpoint, shared) and result",
		}, []string{"source", "result"}),
		DeadLetters: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_dead_letters_total",
			Help: "Dead-lettered items by stage and error code",
		}, []string{"stage", "code"}),
		SearchBreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsprocessor_search_breaker_open",
			Help: "1 while the search circuit breaker is open",
		}),
		BatchesConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsprocessor_batches_consumed_total",
			Help: "Batches polled from the bus and fully handled",
		}),
		ConsumerDecodeFailure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsprocessor_consumer_decode_failures_total",
			Help: "Messages that could not be decoded, by topic",
		}, []string{"topic"}),
	}
}

func (m *Metrics) ObserveItem(kind, outcome string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveCompensation(label string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Compensations.WithLabelValues(label, result).Inc()
}

func (m *Metrics) ObserveRegistrarRequest(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RegistrarRequests.WithLabelValues(operation, status).Inc()
	m.RegistrarLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveTokenRefresh(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.TokenRefreshes.WithLabelValues(source, result).Inc()
}

func (m *Metrics) IncrementDeadLetters(stage, code string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) SetSearchBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.SearchBreakerOpen.Set(1)
		return
	}
	m.SearchBreakerOpen.Set(0)
}

func (m *Metrics) IncrementBatchesConsumed() {
	if m == nil {
		return
	}
	m.BatchesConsumed.Inc()
}

func (m *Metrics) IncrementDecodeFailures(topic string) {
	if m == nil {
		return
	}
	m.ConsumerDecodeFailure.WithLabelValues(topic).Inc()
}
