package payhook

import "time"

// Metrics defines the interface for tracking webhook pipeline operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a delivery and how it was resolved.
	// outcome: "processed", "duplicate", "filtered", "reference_not_found", "ignored", "error"
	RecordWebhookEvent(endpoint, eventType, outcome string)

	// RecordWebhookDuration records end-to-end processing time of a delivery.
	RecordWebhookDuration(endpoint, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: "signature_invalid", "invalid_payload", "ledger_unavailable", "handler_failure", ...
	RecordWebhookError(endpoint, errorType string)

	// RecordLedgerLookup records where a duplicate check was answered ("cache" or "store").
	RecordLedgerLookup(tier string, hit bool)

	// RecordOrderTransition records an applied order status change.
	RecordOrderTransition(from, to OrderStatus)

	// RecordSideEffect records the result of a best-effort side effect.
	RecordSideEffect(effect string, success bool)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                  {}
func (n *NoopMetrics) RecordWebhookDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordLedgerLookup(_ string, _ bool)                {}
func (n *NoopMetrics) RecordOrderTransition(_, _ OrderStatus)             {}
func (n *NoopMetrics) RecordSideEffect(_ string, _ bool)                  {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)           {}
