package payhook_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

func dispatch(t *testing.T, h *harness, payload payhook.Payload) *payhook.HandlerResult {
	t.Helper()
	result, err := h.router.Dispatch(context.Background(), &payhook.InboundEvent{
		ID:      "evt_test",
		Kind:    payload.Kind(),
		Payload: payload,
	})
	require.NoError(t, err)
	return result
}

func succeeded(intentID, orderID string, amount int64) payhook.PaymentSucceeded {
	md := map[string]string{}
	if orderID != "" {
		md["order_id"] = orderID
	}
	return payhook.PaymentSucceeded{Intent: &stripe.PaymentIntent{
		ID:           intentID,
		Amount:       amount,
		Currency:     stripe.CurrencyUSD,
		Metadata:     md,
		LatestCharge: &stripe.Charge{ID: "ch_" + intentID},
	}}
}

func failed(intentID, orderID, msg string) payhook.PaymentFailed {
	return payhook.PaymentFailed{
		Intent: &stripe.PaymentIntent{
			ID:       intentID,
			Metadata: map[string]string{"order_id": orderID},
		},
		FailureMessage: msg,
	}
}

func TestRouter_CheckoutFallsBackToClientReference(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-1"})

	result := dispatch(t, h, payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{
		ID:                "cs_1",
		ClientReferenceID: "order-1",
	}})
	assert.Equal(t, payhook.OutcomeApplied, result.Outcome)
	assert.Equal(t, payhook.OrderStatusConfirmed, h.order(t, "order-1").Status)

	// Replaying the same completion is a no-op
	result = dispatch(t, h, payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{
		ID:                "cs_1",
		ClientReferenceID: "order-1",
	}})
	assert.Equal(t, payhook.OutcomeNoop, result.Outcome)
}

func TestRouter_CheckoutUnknownOrder(t *testing.T) {
	h := newHarness(t)

	result := dispatch(t, h, payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{
		ID:       "cs_1",
		Metadata: map[string]string{"order_id": "missing"},
	}})
	assert.Equal(t, payhook.OutcomeReferenceNotFound, result.Outcome)
	assert.ErrorIs(t, result.Err, payhook.ErrReferenceNotFound)
	assert.Contains(t, result.Err.Error(), "missing")

	result = dispatch(t, h, payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{ID: "cs_2"}})
	assert.Equal(t, payhook.OutcomeReferenceNotFound, result.Outcome)
	assert.ErrorIs(t, result.Err, payhook.ErrReferenceNotFound)
}

func TestRouter_PaymentFailedCancelsPendingOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-2", UserID: "user-2"})

	result := dispatch(t, h, failed("pi_2", "order-2", "card declined"))
	assert.Equal(t, payhook.OutcomeApplied, result.Outcome)

	order := h.order(t, "order-2")
	assert.Equal(t, payhook.OrderStatusCancelled, order.Status)
	assert.Equal(t, payhook.PaymentStatusFailed, order.PaymentStatus)

	payment, err := h.store.GetPaymentByIntent(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.Equal(t, payhook.PaymentRecordFailed, payment.Status)
	assert.Equal(t, "card declined", payment.Metadata["failure_message"])
	assert.Equal(t, []string{payhook.OrderEventPaymentFailed}, h.publisher.types())
}

func TestRouter_PaymentFailedIgnoredAfterCompletion(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-3", UserID: "user-3", TotalAmount: 500})

	dispatch(t, h, succeeded("pi_3", "order-3", 500))
	result := dispatch(t, h, failed("pi_3", "order-3", "late failure"))
	assert.Equal(t, payhook.OutcomeNoop, result.Outcome)

	order := h.order(t, "order-3")
	assert.Equal(t, payhook.OrderStatusConfirmed, order.Status)
	assert.Equal(t, payhook.PaymentStatusCompleted, order.PaymentStatus)

	payment, err := h.store.GetPaymentByIntent(context.Background(), "pi_3")
	require.NoError(t, err)
	assert.Equal(t, payhook.PaymentRecordSucceeded, payment.Status)
}

func TestRouter_PaymentSucceededLeavesCancelledOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-4", UserID: "user-4", TotalAmount: 500})

	dispatch(t, h, failed("pi_4", "order-4", "declined"))
	result := dispatch(t, h, succeeded("pi_4", "order-4", 500))
	assert.Equal(t, payhook.OutcomeNoop, result.Outcome)
	assert.Empty(t, result.Effects)

	order := h.order(t, "order-4")
	assert.Equal(t, payhook.OrderStatusCancelled, order.Status)
	assert.Equal(t, payhook.PaymentStatusFailed, order.PaymentStatus)
	assert.Empty(t, h.loyalty(t, "order-4"))
}

func TestRouter_TerminalStateIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-5", UserID: "user-5", TotalAmount: 100})
	dispatch(t, h, failed("pi_5", "order-5", "declined"))

	events := []payhook.Payload{
		succeeded("pi_5", "order-5", 100),
		failed("pi_5", "order-5", "again"),
		payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{ID: "cs_5", ClientReferenceID: "order-5"}},
	}
	for i := 0; i < 30; i++ {
		dispatch(t, h, events[rng.Intn(len(events))])
		assert.Equal(t, payhook.OrderStatusCancelled, h.order(t, "order-5").Status, "step %d", i)
	}
}

func TestRouter_SideEffectFailuresAreReportedNotPropagated(t *testing.T) {
	h := newHarness(t)
	h.email.err = errors.New("smtp down")
	h.publisher.err = errors.New("broker down")
	h.charges.err = errors.New("gateway timeout")
	h.seedOrder(t, &payhook.Order{ID: "order-6", UserID: "user-6", TotalAmount: 1234})

	result := dispatch(t, h, succeeded("pi_6", "order-6", 1234))
	assert.Equal(t, payhook.OutcomeApplied, result.Outcome)

	byName := map[string]error{}
	for _, eff := range result.Effects {
		byName[eff.Name] = eff.Err
	}
	require.Len(t, byName, 3)
	assert.NoError(t, byName[payhook.EffectLoyalty])
	assert.ErrorIs(t, byName[payhook.EffectEmail], payhook.ErrSideEffectFailure)
	assert.ErrorIs(t, byName[payhook.EffectPublish], payhook.ErrSideEffectFailure)

	assert.Equal(t, payhook.PaymentStatusCompleted, h.order(t, "order-6").PaymentStatus)
	payment, err := h.store.GetPaymentByIntent(context.Background(), "pi_6")
	require.NoError(t, err)
	assert.Empty(t, payment.ReceiptRef, "receipt lookup is best-effort")
	assert.Len(t, h.loyalty(t, "order-6"), 1)
}

func TestRouter_RepeatedSuccessAccruesLoyaltyOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-7", UserID: "user-7", TotalAmount: 2800})

	for i := 0; i < 3; i++ {
		result := dispatch(t, h, succeeded("pi_7", "order-7", 2800))
		for _, eff := range result.Effects {
			if eff.Name == payhook.EffectLoyalty {
				assert.NoError(t, eff.Err, "an existing loyalty transaction counts as success")
			}
		}
	}
	txs := h.loyalty(t, "order-7")
	require.Len(t, txs, 1)
	assert.Equal(t, int64(2800), txs[0].Points)
}

// cancellingOrders cancels the order right after handing out the first read,
// so the router acts on a snapshot that is already stale.
type cancellingOrders struct {
	payhook.OrderStore
	once sync.Once
}

func (c *cancellingOrders) GetOrder(ctx context.Context, orderID string) (*payhook.Order, error) {
	order, err := c.OrderStore.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.once.Do(func() {
		_, err = c.OrderStore.UpdateOrder(ctx, &payhook.OrderUpdate{
			OrderID:               orderID,
			ExpectedStatus:        order.Status,
			ExpectedPaymentStatus: order.PaymentStatus,
			Status:                payhook.OrderStatusCancelled,
			PaymentStatus:         payhook.PaymentStatusFailed,
		})
	})
	return order, err
}

func TestRouter_PaymentSucceededAfterConcurrentCancellation(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-1", UserID: "user-1", TotalAmount: 2800})

	router, err := payhook.NewRouter(&payhook.RouterConfig{
		Orders:   &cancellingOrders{OrderStore: h.store},
		Payments: h.store,
		Orchestrator: payhook.NewOrchestrator(&payhook.OrchestratorConfig{
			Loyalty:   h.store,
			Email:     h.email,
			Publisher: h.publisher,
		}),
	})
	require.NoError(t, err)

	result, err := router.Dispatch(context.Background(), &payhook.InboundEvent{
		ID:      "evt_race",
		Kind:    payhook.KindPaymentSucceeded,
		Payload: succeeded("pi_1", "order-1", 2800),
	})
	require.NoError(t, err)
	assert.Equal(t, payhook.OutcomeNoop, result.Outcome)
	assert.Empty(t, result.Effects)

	order := h.order(t, "order-1")
	assert.Equal(t, payhook.OrderStatusCancelled, order.Status)
	assert.Equal(t, payhook.PaymentStatusFailed, order.PaymentStatus)
	assert.Empty(t, h.loyalty(t, "order-1"))
	assert.Equal(t, 0, h.email.count())
	assert.Empty(t, h.publisher.types())

	_, err = h.store.GetPaymentByIntent(context.Background(), "pi_1")
	assert.ErrorIs(t, err, payhook.ErrPaymentNotFound)
}

func TestRouter_RepeatedSuccessSendsConfirmationOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-8", UserID: "user-8", TotalAmount: 1200})

	first := dispatch(t, h, succeeded("pi_8", "order-8", 1200))
	assert.Equal(t, payhook.OutcomeApplied, first.Outcome)
	assert.Len(t, first.Effects, 3)

	// a re-signed redelivery gets past the ledger with a new webhook id
	second := dispatch(t, h, succeeded("pi_8", "order-8", 1200))
	require.Len(t, second.Effects, 1)
	assert.Equal(t, payhook.EffectLoyalty, second.Effects[0].Name)
	assert.NoError(t, second.Effects[0].Err)

	assert.Equal(t, 1, h.email.count())
	assert.Equal(t, []string{payhook.OrderEventPaymentSucceeded}, h.publisher.types())
	assert.Len(t, h.loyalty(t, "order-8"), 1)
}

func TestRouter_PaymentSucceededAfterCheckoutStillRunsEffects(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-9", UserID: "user-9", TotalAmount: 500})

	dispatch(t, h, payhook.CheckoutCompleted{Session: &stripe.CheckoutSession{
		ID:            "cs_9",
		Metadata:      map[string]string{"order_id": "order-9"},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_9"},
	}})
	result := dispatch(t, h, succeeded("pi_9", "order-9", 500))
	assert.Len(t, result.Effects, 3)

	assert.Equal(t, 1, h.email.count())
	assert.Len(t, h.loyalty(t, "order-9"), 1)
}

func TestRouter_InvoicePaidAndUnrecognizedAreIgnored(t *testing.T) {
	h := newHarness(t)

	result := dispatch(t, h, payhook.InvoicePaid{Invoice: &stripe.Invoice{ID: "in_1", AmountPaid: 100}})
	assert.Equal(t, payhook.OutcomeIgnored, result.Outcome)
	assert.Equal(t, payhook.KindInvoicePaid, result.Kind)
	assert.NoError(t, result.Err)

	result = dispatch(t, h, payhook.Unrecognized{Type: "customer.updated"})
	assert.Equal(t, payhook.OutcomeIgnored, result.Outcome)
	assert.ErrorIs(t, result.Err, payhook.ErrUnroutableType)
}

func TestRouter_AppliedOutcomeCarriesNoError(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-1", UserID: "user-1", TotalAmount: 1000})

	result := dispatch(t, h, succeeded("pi_1", "order-1", 1000))
	assert.Equal(t, payhook.OutcomeApplied, result.Outcome)
	assert.NoError(t, result.Err)
}

type flakyOrders struct {
	payhook.OrderStore
	conflicts int
}

func (f *flakyOrders) UpdateOrder(ctx context.Context, u *payhook.OrderUpdate) (*payhook.Order, error) {
	if f.conflicts > 0 {
		f.conflicts--
		return nil, payhook.ErrConcurrentUpdate
	}
	return f.OrderStore.UpdateOrder(ctx, u)
}

func TestOrderStateMachine_RetriesConflicts(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, &payhook.Order{ID: "order-8"})

	machine := payhook.NewOrderStateMachine(&flakyOrders{OrderStore: h.store, conflicts: 2}, nil, nil)
	tr, err := machine.ConfirmPayment(context.Background(), "order-8", payhook.PaymentRefs{PaymentIntentRef: "pi_8"})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, payhook.OrderStatusPending, tr.PreviousStatus)
	assert.Equal(t, payhook.OrderStatusConfirmed, tr.Order.Status)

	h.seedOrder(t, &payhook.Order{ID: "order-9"})
	machine = payhook.NewOrderStateMachine(&flakyOrders{OrderStore: h.store, conflicts: 10}, nil, nil)
	_, err = machine.ConfirmPayment(context.Background(), "order-9", payhook.PaymentRefs{})
	assert.ErrorIs(t, err, payhook.ErrConcurrentUpdate)
}
