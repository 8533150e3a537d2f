package payhook

import "errors"

var (
	// ErrSignatureInvalid is returned when the signature header is missing, stale or does not match
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a verified body cannot be parsed as a gateway event
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrDuplicateEvent is returned when the ledger already holds a record for the webhook id
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrUnroutableType is reported for event types this pipeline does not handle
	ErrUnroutableType = errors.New("unroutable event type")

	// ErrReferenceNotFound is reported when an event refers to an order or payment we cannot locate
	ErrReferenceNotFound = errors.New("referenced order or payment not found")

	// ErrHandlerFailure wraps unexpected handler errors; the gateway is expected to retry
	ErrHandlerFailure = errors.New("webhook handler failure")

	// ErrSideEffectFailure wraps a failed loyalty, email or publish effect
	ErrSideEffectFailure = errors.New("side effect failure")

	// ErrLedgerUnavailable is returned when the durable ledger cannot answer
	ErrLedgerUnavailable = errors.New("idempotency ledger unavailable")

	// ErrOrderNotFound is returned by stores when no order matches
	ErrOrderNotFound = errors.New("order not found")

	// ErrPaymentNotFound is returned by stores when no payment record matches
	ErrPaymentNotFound = errors.New("payment record not found")

	// ErrRecordNotFound is returned by ledger stores when no processing record matches
	ErrRecordNotFound = errors.New("processing record not found")

	// ErrLoyaltyTransactionExists is returned when a loyalty transaction already exists for the order
	ErrLoyaltyTransactionExists = errors.New("loyalty transaction already exists")

	// ErrConcurrentUpdate is returned when a compare-and-set order update lost a race
	ErrConcurrentUpdate = errors.New("order was modified concurrently")

	// ErrOrderExists is returned when creating an order whose id is taken
	ErrOrderExists = errors.New("order already exists")

	// ErrCircuitOpen is returned without calling the store while the ledger breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
