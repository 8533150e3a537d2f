package payhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Outcome describes what a handler did with an event.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeReferenceNotFound Outcome = "reference_not_found"
	OutcomeIgnored           Outcome = "ignored"
)

// HandlerResult reports the outcome of dispatching one event.
type HandlerResult struct {
	Kind    EventKind
	Outcome Outcome
	OrderID string
	Effects []EffectResult
	// Err is ErrReferenceNotFound or ErrUnroutableType when the event was
	// acknowledged without being applied. It is never a retryable failure.
	Err error
}

// DefaultChargeLookupTimeout bounds the receipt lookup against the gateway.
const DefaultChargeLookupTimeout = 5 * time.Second

// RouterConfig configures a Router.
type RouterConfig struct {
	Orders   OrderStore
	Payments PaymentStore

	// Orchestrator runs side effects. Defaults to one with no collaborators.
	Orchestrator *Orchestrator

	// Charges looks up receipts. Optional.
	Charges ChargeFetcher

	// ChargeLookupTimeout defaults to DefaultChargeLookupTimeout.
	ChargeLookupTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// Router dispatches parsed events to their handlers.
type Router struct {
	orders        OrderStore
	payments      PaymentStore
	machine       *OrderStateMachine
	orchestrator  *Orchestrator
	charges       ChargeFetcher
	chargeTimeout time.Duration
	logger        Logger
}

// NewRouter creates a Router.
func NewRouter(cfg *RouterConfig) (*Router, error) {
	if cfg == nil || cfg.Orders == nil || cfg.Payments == nil {
		return nil, errors.New("order and payment stores are required")
	}
	r := &Router{
		orders:        cfg.Orders,
		payments:      cfg.Payments,
		orchestrator:  cfg.Orchestrator,
		charges:       cfg.Charges,
		chargeTimeout: cfg.ChargeLookupTimeout,
		logger:        cfg.Logger,
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.chargeTimeout <= 0 {
		r.chargeTimeout = DefaultChargeLookupTimeout
	}
	if r.orchestrator == nil {
		r.orchestrator = NewOrchestrator(&OrchestratorConfig{Logger: r.logger, Metrics: cfg.Metrics})
	}
	r.machine = NewOrderStateMachine(cfg.Orders, r.logger, cfg.Metrics)
	return r, nil
}

// Dispatch applies event to order and payment state. Unexpected failures
// wrap ErrHandlerFailure; missing references are reported as an outcome.
func (r *Router) Dispatch(ctx context.Context, event *InboundEvent) (*HandlerResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payhook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("payhook.event_id", event.ID),
		attribute.String("payhook.event_type", event.Type),
	)

	var (
		result *HandlerResult
		err    error
	)
	switch p := event.Payload.(type) {
	case CheckoutCompleted:
		result, err = r.handleCheckoutCompleted(ctx, p)
	case PaymentSucceeded:
		result, err = r.handlePaymentSucceeded(ctx, p)
	case PaymentFailed:
		result, err = r.handlePaymentFailed(ctx, p)
	case DisputeCreated:
		result, err = r.handleDisputeCreated(ctx, p)
	case InvoicePaid:
		result = r.handleInvoicePaid(p)
	default:
		r.logger.Debug("ignoring unrouted event type",
			Field{"event_id", event.ID},
			Field{"event_type", event.Type},
		)
		result = &HandlerResult{
			Outcome: OutcomeIgnored,
			Err:     fmt.Errorf("%w: %s", ErrUnroutableType, event.Type),
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return nil, fmt.Errorf("%w: %s %s: %w", ErrHandlerFailure, event.Type, event.ID, err)
	}
	result.Kind = event.Kind
	if result.Outcome == OutcomeReferenceNotFound {
		result.Err = fmt.Errorf("%w: %s %s order=%q", ErrReferenceNotFound, event.Type, event.ID, result.OrderID)
		r.logger.Warn("event references unknown order or payment",
			Field{"event_id", event.ID},
			Field{"event_type", event.Type},
			Field{"order_id", result.OrderID},
			Field{"error", result.Err},
		)
	}
	span.SetAttributes(attribute.String("payhook.outcome", string(result.Outcome)))
	return result, nil
}

func (r *Router) handleCheckoutCompleted(ctx context.Context, p CheckoutCompleted) (*HandlerResult, error) {
	session := p.Session
	orderID := session.Metadata["order_id"]
	if orderID == "" {
		orderID = session.ClientReferenceID
	}
	if orderID == "" {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound}, nil
	}

	refs := PaymentRefs{CheckoutSessionRef: session.ID}
	if session.PaymentIntent != nil {
		refs.PaymentIntentRef = session.PaymentIntent.ID
	}

	transition, err := r.machine.ConfirmPayment(ctx, orderID, refs)
	if errors.Is(err, ErrOrderNotFound) {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound, OrderID: orderID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &HandlerResult{Outcome: outcomeOf(transition), OrderID: orderID}, nil
}

func (r *Router) handlePaymentSucceeded(ctx context.Context, p PaymentSucceeded) (*HandlerResult, error) {
	intent := p.Intent
	order, err := r.orderForIntent(ctx, intent)
	if errors.Is(err, ErrOrderNotFound) {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound, OrderID: intent.Metadata["order_id"]}, nil
	}
	if err != nil {
		return nil, err
	}

	if order.Status == OrderStatusCancelled {
		r.logger.Warn("payment succeeded for cancelled order, leaving it untouched",
			Field{"order_id", order.ID},
			Field{"payment_intent", intent.ID},
		)
		return &HandlerResult{Outcome: OutcomeNoop, OrderID: order.ID}, nil
	}

	transition, err := r.machine.ConfirmPayment(ctx, order.ID, PaymentRefs{PaymentIntentRef: intent.ID})
	if err != nil {
		return nil, err
	}
	if transition.Order.Status == OrderStatusCancelled {
		// cancelled by a concurrent delivery between the read and the update
		r.logger.Warn("payment succeeded for cancelled order, leaving it untouched",
			Field{"order_id", order.ID},
			Field{"payment_intent", intent.ID},
		)
		return &HandlerResult{Outcome: OutcomeNoop, OrderID: order.ID}, nil
	}

	repeat, err := r.paymentAlreadySucceeded(ctx, intent.ID)
	if err != nil {
		return nil, err
	}

	payment := &PaymentRecord{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		PaymentIntentRef: intent.ID,
		Status:           PaymentRecordSucceeded,
		Amount:           intent.Amount,
		Currency:         string(intent.Currency),
	}
	if intent.LatestCharge != nil {
		payment.ChargeRef = intent.LatestCharge.ID
		payment.ReceiptRef = r.lookupReceipt(ctx, intent.LatestCharge.ID)
	}
	if err := r.payments.UpsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	var effects []EffectResult
	if repeat {
		// confirmation and publication already went out with the first success
		effects = r.orchestrator.AccrueLoyalty(ctx, transition.Order)
	} else {
		effects = r.orchestrator.AfterPaymentSuccess(ctx, transition.Order)
	}
	return &HandlerResult{Outcome: outcomeOf(transition), OrderID: order.ID, Effects: effects}, nil
}

// paymentAlreadySucceeded reports whether a SUCCEEDED record exists for the intent.
func (r *Router) paymentAlreadySucceeded(ctx context.Context, intentID string) (bool, error) {
	existing, err := r.payments.GetPaymentByIntent(ctx, intentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read payment: %w", err)
	}
	return existing.Status == PaymentRecordSucceeded, nil
}

func (r *Router) handlePaymentFailed(ctx context.Context, p PaymentFailed) (*HandlerResult, error) {
	intent := p.Intent
	order, err := r.orderForIntent(ctx, intent)
	if errors.Is(err, ErrOrderNotFound) {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound, OrderID: intent.Metadata["order_id"]}, nil
	}
	if err != nil {
		return nil, err
	}

	if order.PaymentStatus == PaymentStatusCompleted {
		r.logger.Info("payment failure for completed order ignored",
			Field{"order_id", order.ID},
			Field{"payment_intent", intent.ID},
		)
		return &HandlerResult{Outcome: OutcomeNoop, OrderID: order.ID}, nil
	}

	transition, err := r.machine.FailPayment(ctx, order.ID, PaymentRefs{PaymentIntentRef: intent.ID})
	if err != nil {
		return nil, err
	}
	if transition.Order.PaymentStatus == PaymentStatusCompleted {
		// completed by a concurrent delivery between the read and the update
		return &HandlerResult{Outcome: OutcomeNoop, OrderID: order.ID}, nil
	}

	payment := &PaymentRecord{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		PaymentIntentRef: intent.ID,
		Status:           PaymentRecordFailed,
		Amount:           intent.Amount,
		Currency:         string(intent.Currency),
	}
	if p.FailureMessage != "" {
		payment.Metadata = map[string]string{"failure_message": p.FailureMessage}
	}
	if err := r.payments.UpsertPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("record failed payment: %w", err)
	}

	var effects []EffectResult
	if transition.Applied {
		effects = r.orchestrator.AfterPaymentFailed(ctx, transition.Order, p.FailureMessage)
	}
	return &HandlerResult{Outcome: outcomeOf(transition), OrderID: order.ID, Effects: effects}, nil
}

func (r *Router) handleDisputeCreated(ctx context.Context, p DisputeCreated) (*HandlerResult, error) {
	dispute := p.Dispute
	if dispute.Charge == nil || dispute.Charge.ID == "" {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound}, nil
	}

	payment, err := r.payments.GetPaymentByCharge(ctx, dispute.Charge.ID)
	if errors.Is(err, ErrPaymentNotFound) {
		return &HandlerResult{Outcome: OutcomeReferenceNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.payments.AnnotatePayment(ctx, payment.ID, disputeAnnotations(dispute)); err != nil {
		return nil, fmt.Errorf("annotate payment: %w", err)
	}
	r.logger.Warn("dispute opened",
		Field{"dispute_id", dispute.ID},
		Field{"payment_id", payment.ID},
		Field{"order_id", payment.OrderID},
		Field{"reason", dispute.Reason},
	)

	effects := r.orchestrator.AfterDisputeCreated(ctx, payment, dispute)
	return &HandlerResult{Outcome: OutcomeApplied, OrderID: payment.OrderID, Effects: effects}, nil
}

func (r *Router) handleInvoicePaid(p InvoicePaid) *HandlerResult {
	inv := p.Invoice
	r.logger.Info("invoice paid",
		Field{"invoice_id", inv.ID},
		Field{"customer", customerID(inv.Customer)},
		Field{"amount_paid", inv.AmountPaid},
		Field{"currency", inv.Currency},
	)
	return &HandlerResult{Outcome: OutcomeIgnored}
}

// orderForIntent resolves the order by metadata.order_id, falling back to the
// order carrying the intent as its payment reference.
func (r *Router) orderForIntent(ctx context.Context, intent *stripe.PaymentIntent) (*Order, error) {
	if orderID := intent.Metadata["order_id"]; orderID != "" {
		order, err := r.orders.GetOrder(ctx, orderID)
		if err == nil || !errors.Is(err, ErrOrderNotFound) {
			return order, err
		}
	}
	if intent.ID == "" {
		return nil, ErrOrderNotFound
	}
	return r.orders.GetOrderByPaymentRef(ctx, intent.ID)
}

func (r *Router) lookupReceipt(ctx context.Context, chargeRef string) string {
	if r.charges == nil || chargeRef == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, r.chargeTimeout)
	defer cancel()

	charge, err := r.charges.FetchCharge(ctx, chargeRef)
	if err != nil {
		r.logger.Warn("receipt lookup failed",
			Field{"charge", chargeRef},
			Field{"error", err},
		)
		return ""
	}
	return charge.ReceiptRef
}

func outcomeOf(t *Transition) Outcome {
	if t.Applied {
		return OutcomeApplied
	}
	return OutcomeNoop
}
