package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Metrics implements payhook.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	webhookDuration            *prometheus.HistogramVec
	webhookErrorsTotal         *prometheus.CounterVec
	ledgerLookupsTotal         *prometheus.CounterVec
	orderTransitionsTotal      *prometheus.CounterVec
	sideEffectsTotal           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by outcome.",
		}, []string{"endpoint", "event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Latency of webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Total number of rejected or failed webhook deliveries.",
		}, []string{"endpoint", "error_type"}),

		ledgerLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_lookups_total",
			Help:      "Total number of idempotency ledger lookups by tier.",
		}, []string{"tier", "hit"}),

		orderTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Total number of order status transitions.",
		}, []string{"from", "to"}),

		sideEffectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effects_total",
			Help:      "Total number of side effect attempts.",
		}, []string{"effect", "success"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(endpoint, eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(endpoint, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(endpoint, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(endpoint, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(endpoint, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(endpoint, errorType).Inc()
}

func (m *Metrics) RecordLedgerLookup(tier string, hit bool) {
	m.ledgerLookupsTotal.WithLabelValues(tier, strconv.FormatBool(hit)).Inc()
}

func (m *Metrics) RecordOrderTransition(from, to payhook.OrderStatus) {
	m.orderTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordSideEffect(effect string, success bool) {
	m.sideEffectsTotal.WithLabelValues(effect, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
