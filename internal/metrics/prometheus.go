// Package metrics wraps the Prometheus collectors exposed by the
// scheduling and delivery engine: delivery attempts/outcomes, the
// circuit breaker state, and materialiser/processor throughput.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the process-wide Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	deliveryAttemptsTotal *prometheus.CounterVec // outcome=success|retryable|terminal (breaker rejections are not observed)
	deliveryDuration      prometheus.Histogram
	breakerState          *prometheus.GaugeVec // state=closed|open|half_open -> 1 for current state
	breakerTripsTotal     prometheus.Counter

	materialisedTotal prometheus.Counter
	materialiseErrors prometheus.Counter

	recordsProcessedTotal *prometheus.CounterVec // result=sent|retry|failed
	leaseContentionTotal  prometheus.Counter
	recoveredOnStartup    prometheus.Counter
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var current *Metrics

// Init creates and registers the metrics collectors under namespace.
// Safe to call at most once; subsequent calls are no-ops.
func Init(namespace string) *Metrics {
	if current != nil {
		return current
	}
	if namespace == "" {
		namespace = "chronicle"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		deliveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total delivery attempts by outcome.",
		}, []string{"outcome"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_ms",
			Help:      "Delivery call latency in milliseconds, including intra-call retries.",
			Buckets:   defaultBuckets,
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "1 if the breaker currently holds the labeled state, else 0.",
		}, []string{"state"}),
		breakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times the breaker transitioned to open.",
		}),
		materialisedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialised_messages_total",
			Help:      "Total ScheduledMessage records created by the materialiser (createIfAbsent=created).",
		}),
		materialiseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialise_errors_total",
			Help:      "Total per-user errors encountered while materialising today's occurrences.",
		}),
		recordsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Total due records processed by result.",
		}, []string{"result"}),
		leaseContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_contention_total",
			Help:      "Total times acquireLease failed because another worker already held the record.",
		}),
		recoveredOnStartup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_on_startup_total",
			Help:      "Total missed records reprocessed by the startup recovery pass.",
		}),
	}

	registry.MustRegister(
		m.deliveryAttemptsTotal,
		m.deliveryDuration,
		m.breakerState,
		m.breakerTripsTotal,
		m.materialisedTotal,
		m.materialiseErrors,
		m.recordsProcessedTotal,
		m.leaseContentionTotal,
		m.recoveredOnStartup,
	)

	current = m
	return m
}

// Current returns the initialized metrics instance, or nil if Init has
// not been called (e.g. metrics disabled by configuration).
func Current() *Metrics {
	return current
}

// Handler returns the HTTP handler serving this registry's /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDelivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "open", "half_open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.breakerState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncBreakerTrip() {
	if m == nil {
		return
	}
	m.breakerTripsTotal.Inc()
}

func (m *Metrics) IncMaterialised() {
	if m == nil {
		return
	}
	m.materialisedTotal.Inc()
}

func (m *Metrics) IncMaterialiseError() {
	if m == nil {
		return
	}
	m.materialiseErrors.Inc()
}

func (m *Metrics) IncProcessed(result string) {
	if m == nil {
		return
	}
	m.recordsProcessedTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncLeaseContention() {
	if m == nil {
		return
	}
	m.leaseContentionTotal.Inc()
}

func (m *Metrics) IncRecovered() {
	if m == nil {
		return
	}
	m.recoveredOnStartup.Inc()
}
