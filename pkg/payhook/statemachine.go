package payhook

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxUpdateAttempts bounds compare-and-set retries of one transition.
const DefaultMaxUpdateAttempts = 3

// PaymentRefs are gateway references recorded on an order.
type PaymentRefs struct {
	PaymentIntentRef   string
	CheckoutSessionRef string
}

// Transition is the result of applying an event to an order.
type Transition struct {
	Order          *Order
	PreviousStatus OrderStatus
	// Applied is false when the order was left untouched
	Applied bool
}

// OrderStateMachine applies payment outcomes to orders. Every mutation is a
// compare-and-set against the status that was read, so concurrent deliveries
// cannot move an order backwards or out of a terminal state.
type OrderStateMachine struct {
	orders      OrderStore
	logger      Logger
	metrics     Metrics
	maxAttempts int
}

// NewOrderStateMachine creates a state machine over orders.
func NewOrderStateMachine(orders OrderStore, logger Logger, metrics Metrics) *OrderStateMachine {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &OrderStateMachine{
		orders:      orders,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: DefaultMaxUpdateAttempts,
	}
}

// ConfirmPayment marks the order's payment COMPLETED and moves its status to
// at least CONFIRMED. Terminal orders are not modified.
func (m *OrderStateMachine) ConfirmPayment(ctx context.Context, orderID string, refs PaymentRefs) (*Transition, error) {
	return m.apply(ctx, orderID, func(o *Order) *OrderUpdate {
		if o.Status.IsTerminal() {
			return nil
		}
		next := o.Status.AtLeast(OrderStatusConfirmed)
		if next == o.Status && o.PaymentStatus == PaymentStatusCompleted &&
			refsRecorded(o, refs) {
			return nil
		}
		return &OrderUpdate{
			Status:             next,
			PaymentStatus:      PaymentStatusCompleted,
			PaymentIntentRef:   refs.PaymentIntentRef,
			CheckoutSessionRef: refs.CheckoutSessionRef,
		}
	})
}

// FailPayment cancels the order and marks its payment FAILED, unless the
// order is terminal or its payment has already completed.
func (m *OrderStateMachine) FailPayment(ctx context.Context, orderID string, refs PaymentRefs) (*Transition, error) {
	return m.apply(ctx, orderID, func(o *Order) *OrderUpdate {
		if o.Status.IsTerminal() || o.PaymentStatus == PaymentStatusCompleted {
			return nil
		}
		return &OrderUpdate{
			Status:           OrderStatusCancelled,
			PaymentStatus:    PaymentStatusFailed,
			PaymentIntentRef: refs.PaymentIntentRef,
		}
	})
}

func refsRecorded(o *Order, refs PaymentRefs) bool {
	if refs.PaymentIntentRef != "" && o.PaymentIntentRef != refs.PaymentIntentRef {
		return false
	}
	if refs.CheckoutSessionRef != "" && o.CheckoutSessionRef != refs.CheckoutSessionRef {
		return false
	}
	return true
}

// apply reads the order, asks plan for an update and writes it with
// compare-and-set, re-reading on conflict. A nil plan leaves the order alone.
func (m *OrderStateMachine) apply(ctx context.Context, orderID string, plan func(*Order) *OrderUpdate) (*Transition, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		order, err := m.orders.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}

		update := plan(order)
		if update == nil {
			return &Transition{Order: order, PreviousStatus: order.Status}, nil
		}
		if !order.Status.CanTransitionTo(update.Status) {
			return nil, fmt.Errorf("illegal order transition %s -> %s", order.Status, update.Status)
		}
		update.OrderID = order.ID
		update.ExpectedStatus = order.Status
		update.ExpectedPaymentStatus = order.PaymentStatus

		updated, err := m.orders.UpdateOrder(ctx, update)
		if errors.Is(err, ErrConcurrentUpdate) {
			lastErr = err
			m.logger.Debug("order update conflict, retrying",
				Field{"order_id", orderID},
				Field{"attempt", attempt + 1},
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		if updated.Status != order.Status {
			m.metrics.RecordOrderTransition(order.Status, updated.Status)
		}
		m.logger.Info("order updated",
			Field{"order_id", orderID},
			Field{"from", order.Status},
			Field{"to", updated.Status},
			Field{"payment_status", updated.PaymentStatus},
		)
		return &Transition{Order: updated, PreviousStatus: order.Status, Applied: true}, nil
	}
	return nil, fmt.Errorf("order %s: %w after %d attempts", orderID, lastErr, m.maxAttempts)
}
