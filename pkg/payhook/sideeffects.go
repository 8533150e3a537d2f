package payhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
)

// DefaultEffectTimeout bounds each best-effort side effect.
const DefaultEffectTimeout = 5 * time.Second

// Side effect names reported in EffectResult and metrics.
const (
	EffectLoyalty = "loyalty"
	EffectEmail   = "email"
	EffectPublish = "publish"
)

// Order event types published by the orchestrator.
const (
	OrderEventPaymentSucceeded = "order.payment_succeeded"
	OrderEventPaymentFailed    = "order.payment_failed"
	OrderEventDisputeCreated   = "payment.dispute_created"
)

// EffectResult is the outcome of one side effect. A non-nil Err wraps
// ErrSideEffectFailure.
type EffectResult struct {
	Name string
	Err  error
}

// OrchestratorConfig configures an Orchestrator. Nil collaborators disable
// their effect.
type OrchestratorConfig struct {
	Loyalty   LoyaltyStore
	Email     ConfirmationSender
	Publisher EventPublisher

	// EffectTimeout defaults to DefaultEffectTimeout.
	EffectTimeout time.Duration

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Orchestrator runs the best-effort effects that follow an authoritative
// transition. Effects never fail the transition: every effect is attempted
// and its error is logged and returned, not propagated.
type Orchestrator struct {
	loyalty   LoyaltyStore
	email     ConfirmationSender
	publisher EventPublisher
	timeout   time.Duration
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	if cfg == nil {
		cfg = &OrchestratorConfig{}
	}
	o := &Orchestrator{
		loyalty:   cfg.Loyalty,
		email:     cfg.Email,
		publisher: cfg.Publisher,
		timeout:   cfg.EffectTimeout,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
	if o.timeout <= 0 {
		o.timeout = DefaultEffectTimeout
	}
	if o.logger == nil {
		o.logger = &NoopLogger{}
	}
	if o.metrics == nil {
		o.metrics = &NoopMetrics{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// AfterPaymentSuccess accrues loyalty points, sends the confirmation email
// and publishes the state change.
func (o *Orchestrator) AfterPaymentSuccess(ctx context.Context, order *Order) []EffectResult {
	var results []EffectResult

	if o.loyalty != nil {
		results = append(results, o.run(ctx, EffectLoyalty, order.ID, func(ctx context.Context) error {
			return o.accrueLoyalty(ctx, order)
		}))
	}
	if o.email != nil {
		results = append(results, o.run(ctx, EffectEmail, order.ID, func(ctx context.Context) error {
			return o.email.SendOrderConfirmation(ctx, order)
		}))
	}
	if o.publisher != nil {
		results = append(results, o.run(ctx, EffectPublish, order.ID, func(ctx context.Context) error {
			return o.publisher.PublishOrderEvent(ctx, o.orderEvent(OrderEventPaymentSucceeded, order))
		}))
	}
	return results
}

// AccrueLoyalty runs only the loyalty effect. It is safe to repeat: an
// existing transaction for the order counts as success.
func (o *Orchestrator) AccrueLoyalty(ctx context.Context, order *Order) []EffectResult {
	if o.loyalty == nil {
		return nil
	}
	return []EffectResult{o.run(ctx, EffectLoyalty, order.ID, func(ctx context.Context) error {
		return o.accrueLoyalty(ctx, order)
	})}
}

// AfterPaymentFailed publishes the cancellation.
func (o *Orchestrator) AfterPaymentFailed(ctx context.Context, order *Order, failureMessage string) []EffectResult {
	if o.publisher == nil {
		return nil
	}
	event := o.orderEvent(OrderEventPaymentFailed, order)
	if failureMessage != "" {
		event.Attributes = map[string]string{"failure_message": failureMessage}
	}
	return []EffectResult{o.run(ctx, EffectPublish, order.ID, func(ctx context.Context) error {
		return o.publisher.PublishOrderEvent(ctx, event)
	})}
}

// AfterDisputeCreated publishes a dispute notification for the payment.
func (o *Orchestrator) AfterDisputeCreated(ctx context.Context, payment *PaymentRecord, dispute *stripe.Dispute) []EffectResult {
	if o.publisher == nil {
		return nil
	}
	event := &OrderEvent{
		Type:       OrderEventDisputeCreated,
		OrderID:    payment.OrderID,
		Amount:     dispute.Amount,
		Currency:   string(dispute.Currency),
		Attributes: disputeAnnotations(dispute),
		OccurredAt: o.now().UTC(),
	}
	event.Attributes["payment_id"] = payment.ID
	return []EffectResult{o.run(ctx, EffectPublish, payment.OrderID, func(ctx context.Context) error {
		return o.publisher.PublishOrderEvent(ctx, event)
	})}
}

func (o *Orchestrator) accrueLoyalty(ctx context.Context, order *Order) error {
	if order.UserID == "" {
		return nil
	}
	points := LoyaltyPointsFor(order.TotalAmount)
	if points == 0 {
		return nil
	}
	err := o.loyalty.CreateLoyaltyTransaction(ctx, &LoyaltyTransaction{
		ID:        uuid.NewString(),
		UserID:    order.UserID,
		OrderID:   order.ID,
		Points:    points,
		Type:      LoyaltyEarned,
		CreatedAt: o.now().UTC(),
	})
	if errors.Is(err, ErrLoyaltyTransactionExists) {
		return nil
	}
	return err
}

func (o *Orchestrator) orderEvent(eventType string, order *Order) *OrderEvent {
	return &OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Amount:        order.TotalAmount,
		Currency:      order.Currency,
		OccurredAt:    o.now().UTC(),
	}
}

// run executes one effect under its own timeout. The effect outlives
// cancellation of the inbound request.
func (o *Orchestrator) run(ctx context.Context, name, orderID string, fn func(context.Context) error) EffectResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	err := fn(ctx)
	o.metrics.RecordSideEffect(name, err == nil)
	if err != nil {
		o.logger.Warn("side effect failed",
			Field{"effect", name},
			Field{"order_id", orderID},
			Field{"error", err},
		)
		return EffectResult{Name: name, Err: fmt.Errorf("%w: %s: %w", ErrSideEffectFailure, name, err)}
	}
	return EffectResult{Name: name}
}

func disputeAnnotations(d *stripe.Dispute) map[string]string {
	return map[string]string{
		"dispute_id":       d.ID,
		"dispute_amount":   fmt.Sprintf("%d", d.Amount),
		"dispute_currency": string(d.Currency),
		"dispute_reason":   string(d.Reason),
		"dispute_status":   string(d.Status),
	}
}
