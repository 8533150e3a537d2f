package payhook

import (
	"context"
	"time"
)

// OrderStore persists orders. Order creation belongs to the storefront; the
// pipeline only reads orders and applies compare-and-set updates.
type OrderStore interface {
	// CreateOrder stores a new order. Returns ErrOrderExists if the id is taken.
	CreateOrder(ctx context.Context, order *Order) error

	// GetOrder returns ErrOrderNotFound when no order has the id.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// GetOrderByPaymentRef looks an order up by its payment intent reference.
	// Returns ErrOrderNotFound when nothing matches.
	GetOrderByPaymentRef(ctx context.Context, paymentIntentRef string) (*Order, error)

	// UpdateOrder applies a compare-and-set update and returns the updated order.
	// Returns ErrConcurrentUpdate if the expected statuses no longer hold.
	UpdateOrder(ctx context.Context, update *OrderUpdate) (*Order, error)
}

// PaymentStore persists payment records.
type PaymentStore interface {
	// UpsertPayment inserts or updates the record keyed by PaymentIntentRef.
	// Existing metadata is merged with the record's metadata.
	UpsertPayment(ctx context.Context, payment *PaymentRecord) error

	// GetPaymentByIntent returns ErrPaymentNotFound when nothing matches.
	GetPaymentByIntent(ctx context.Context, paymentIntentRef string) (*PaymentRecord, error)

	// GetPaymentByCharge returns ErrPaymentNotFound when nothing matches.
	GetPaymentByCharge(ctx context.Context, chargeRef string) (*PaymentRecord, error)

	// AnnotatePayment merges annotations into the payment's metadata.
	AnnotatePayment(ctx context.Context, paymentID string, annotations map[string]string) error
}

// LoyaltyStore is the append-only loyalty ledger.
type LoyaltyStore interface {
	// CreateLoyaltyTransaction returns ErrLoyaltyTransactionExists if the order
	// already has a transaction of the same type.
	CreateLoyaltyTransaction(ctx context.Context, tx *LoyaltyTransaction) error

	// LoyaltyTransactionsForOrder lists transactions recorded for an order.
	LoyaltyTransactionsForOrder(ctx context.Context, orderID string) ([]*LoyaltyTransaction, error)
}

// LedgerStore is the durable tier of the idempotency ledger.
// ReserveRecord must be atomic: its success or failure is the duplicate decision.
type LedgerStore interface {
	// ReserveRecord inserts rec with status reserved. If a record with the same
	// WebhookID exists it returns ErrDuplicateEvent, unless that record is still
	// reserved and was reserved before staleBefore, in which case it is taken over.
	ReserveRecord(ctx context.Context, rec *ProcessingRecord, staleBefore time.Time) error

	// CompleteRecord marks a reserved record processed.
	CompleteRecord(ctx context.Context, webhookID string, processedAt time.Time) error

	// ReleaseRecord deletes a reserved record. Processed records are left alone.
	ReleaseRecord(ctx context.Context, webhookID string) error

	// GetRecord returns ErrRecordNotFound when nothing matches.
	GetRecord(ctx context.Context, webhookID string) (*ProcessingRecord, error)
}

// Storage is everything the pipeline persists.
type Storage interface {
	OrderStore
	PaymentStore
	LoyaltyStore
	LedgerStore
}

// ChargeFetcher reads charge details from the payment gateway.
type ChargeFetcher interface {
	FetchCharge(ctx context.Context, chargeRef string) (*ChargeDetail, error)
}

// ConfirmationSender sends the order confirmation email.
type ConfirmationSender interface {
	SendOrderConfirmation(ctx context.Context, order *Order) error
}

// OrderEvent is a notification about a pipeline-driven change.
type OrderEvent struct {
	Type          string            `json:"type"`
	OrderID       string            `json:"order_id"`
	UserID        string            `json:"user_id,omitempty"`
	Status        OrderStatus       `json:"status,omitempty"`
	PaymentStatus PaymentStatus     `json:"payment_status,omitempty"`
	Amount        int64             `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// EventPublisher publishes order events to downstream consumers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *OrderEvent) error
}
